// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements the room synchronization core of a Matrix-Slack
// bridge.
//
// The central type is [BridgedRoom]: one Matrix room paired with one Slack
// channel, owning everything that keeps the pairing consistent. Inbound Slack
// traffic reaches a room either over RTM ([TeamClient]) or pushed Events API
// payloads ([Ingress]); Matrix traffic arrives through [Bridge.HandleMatrixEvent].
//
// # Echo Prevention
//
// Every message sent to the remote side comes back on the inbound stream. The
// bridge suppresses these echoes with a per-room window of recently sent
// platform IDs ([RecentMessageWindow]), checked twice: once on arrival and
// once more inside the serialized delivery queue, because the echo can race
// the registration of the ID. Edits are exempt, since an edit of our own
// message is by definition new content. Reactions use a composite key of
// direction, emoji, actor and target, as reaction events carry no unique ID.
//
// # Delivery Ordering
//
// Per-room delivery into Matrix is serialized through a single worker queue
// ([BridgedRoom.OnSlackMessage] enqueues, the queue delivers), so messages
// appear in arrival order even when transcoding cost varies. A failed
// delivery is logged and skipped; it never stalls the queue.
//
// # Identity Routing
//
// Matrix-to-Slack sends pick an identity in fixed priority: the sender's own
// puppet token, the workspace bot, the room webhook. Slack-to-Matrix traffic
// is delivered by per-user ghost accounts.
//
// # Sub-packages
//
//   - slackfmt converts Slack mrkdwn to Matrix HTML.
//   - matrixfmt converts Matrix HTML to Slack mrkdwn.
package bridge
