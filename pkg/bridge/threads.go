// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// maxAncestorDepth bounds the outbound relation walk. Relation cycles and
// pathological reply chains terminate at the ancestor reached instead of
// failing.
const maxAncestorDepth = 10

// resolveInboundThread maps a threaded Slack message to its Matrix reply
// target. Slack threads are flat under a single root timestamp, while Matrix
// replies point at one parent, so the reply target is the *last* message
// already posted into the thread (tracked on the root's tail chain), or the
// root itself for the first reply. The new timestamp is appended to the chain
// and the root mapping persisted.
func (r *BridgedRoom) resolveInboundThread(ctx context.Context, msg SlackMessage) id.EventID {
	if msg.ThreadTimestamp == "" || msg.ThreadTimestamp == msg.Timestamp {
		return ""
	}

	root, err := r.bridge.Store.GetEventBySlackID(ctx, msg.Channel, msg.ThreadTimestamp)
	if err != nil || root == nil {
		r.log.Debug().Err(err).
			Str("thread_ts", msg.ThreadTimestamp).
			Msg("No mapping for thread root, delivering unthreaded")
		return ""
	}

	target := root.MatrixEventID
	if n := len(root.ThreadTail); n > 0 {
		last := root.ThreadTail[n-1]
		if entry, err := r.bridge.Store.GetEventBySlackID(ctx, msg.Channel, last); err == nil && entry != nil {
			target = entry.MatrixEventID
		} else {
			r.log.Debug().Err(err).
				Str("tail_ts", last).
				Msg("Thread tail mapping missing, replying to root")
		}
	}

	root.ThreadTail = append(root.ThreadTail, msg.Timestamp)
	if err := r.bridge.Store.UpsertEvent(ctx, root); err != nil {
		r.log.Warn().Err(err).
			Str("thread_ts", msg.ThreadTimestamp).
			Msg("Failed to persist thread tail chain")
	}

	return target
}

// appendOutboundThreadTail records a Matrix-originated threaded send on the
// root mapping's tail chain, keeping the chain correct in both directions.
func (r *BridgedRoom) appendOutboundThreadTail(ctx context.Context, channelID, threadTS, newTS string) {
	root, err := r.bridge.Store.GetEventBySlackID(ctx, channelID, threadTS)
	if err != nil || root == nil {
		return
	}
	root.ThreadTail = append(root.ThreadTail, newTS)
	if err := r.bridge.Store.UpsertEvent(ctx, root); err != nil {
		r.log.Warn().Err(err).Str("thread_ts", threadTS).Msg("Failed to persist thread tail chain")
	}
}

// resolveOutboundThreadTS finds the Slack thread_ts for a Matrix message that
// relates to an earlier event. The relates-to chain is walked upward (thread
// relation preferred over plain reply) to the top-most ancestor, bounded at
// maxAncestorDepth hops; at the bound the ancestor reached is used.
func (r *BridgedRoom) resolveOutboundThreadTS(ctx context.Context, evt *event.Event, content *event.MessageEventContent) string {
	start := relationTarget(content.RelatesTo)
	if start == "" {
		return ""
	}

	cur := start
	for depth := 1; depth < maxAncestorDepth; depth++ {
		parent, err := r.bridge.Matrix.GetEvent(ctx, r.matrixRoomID, cur)
		if err != nil {
			r.log.Debug().Err(err).
				Str("event_id", string(cur)).
				Msg("Failed to fetch ancestor event, using current")
			break
		}
		next := relationTargetOfEvent(parent)
		if next == "" {
			break
		}
		cur = next
	}

	if cur == evt.ID {
		return ""
	}
	entry, err := r.bridge.Store.GetEventByMatrixID(ctx, r.matrixRoomID, cur)
	if err != nil || entry == nil {
		r.log.Debug().Err(err).
			Str("event_id", string(cur)).
			Msg("Thread ancestor has no Slack mapping")
		return ""
	}
	return entry.SlackTS
}

// relationTarget extracts the parent event a relation points at. The thread
// relation wins over a plain reply.
func relationTarget(rel *event.RelatesTo) id.EventID {
	if rel == nil {
		return ""
	}
	if rel.Type == event.RelThread && rel.EventID != "" {
		return rel.EventID
	}
	if rel.InReplyTo != nil {
		return rel.InReplyTo.EventID
	}
	return ""
}

func relationTargetOfEvent(evt *event.Event) id.EventID {
	if evt == nil {
		return ""
	}
	_ = evt.Content.ParseRaw(evt.Type)
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return ""
	}
	return relationTarget(content.RelatesTo)
}
