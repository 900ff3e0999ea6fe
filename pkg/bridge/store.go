// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"time"

	"maunium.net/go/mautrix/id"
)

// ChannelType is the kind of Slack conversation a room is paired with.
type ChannelType string

const (
	ChannelTypeChannel ChannelType = "channel"
	ChannelTypeGroup   ChannelType = "group"
	ChannelTypeIM      ChannelType = "im"
	ChannelTypeMPIM    ChannelType = "mpim"
	ChannelTypeUnknown ChannelType = "unknown"
)

// RoomEntry is the persisted form of a room pairing. It is written on every
// dirty-to-clean transition of a BridgedRoom and read back at startup.
type RoomEntry struct {
	MatrixRoomID id.RoomID
	// InboundID addresses webhook-style inbound delivery for this pairing.
	InboundID string

	SlackChannelID   string
	SlackChannelName string
	SlackTeamID      string
	SlackType        ChannelType
	IsPrivate        bool
	IsEncrypted      bool
	SlackWebhookURI  string
	// PuppetOwner is set when the pairing was created by a puppeted user
	// rather than the shared bot.
	PuppetOwner id.UserID
}

// EventEntry maps one delivered message across the two platforms. It is the
// durable join key between the independent event histories, created on every
// successful delivery in either direction.
type EventEntry struct {
	MatrixRoomID  id.RoomID
	MatrixEventID id.EventID

	SlackChannelID string
	SlackTS        string

	// ThreadTail is only populated on thread-root entries: the ordered Slack
	// timestamps already posted into the thread, used to compute the Matrix
	// reply target for the next message.
	ThreadTail []string
}

// ReactionEntry maps one reaction across the two platforms. Reactions are a
// distinct entity from messages and never share EventEntry rows.
type ReactionEntry struct {
	MatrixRoomID  id.RoomID
	MatrixEventID id.EventID

	SlackChannelID string
	SlackMessageTS string
	SlackUserID    string
	Reaction       string
}

// Store is the persistence collaborator shared by all rooms. Implementations
// must support concurrent upsert; the bridge treats every call as fallible I/O
// and logs rather than crashes on failure.
type Store interface {
	GetEventByMatrixID(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*EventEntry, error)
	GetEventBySlackID(ctx context.Context, channelID, ts string) (*EventEntry, error)
	UpsertEvent(ctx context.Context, entry *EventEntry) error
	DeleteEventByMatrixID(ctx context.Context, roomID id.RoomID, eventID id.EventID) error

	GetReactionByMatrixID(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*ReactionEntry, error)
	GetReactionBySlackID(ctx context.Context, channelID, ts, slackUserID, reaction string) (*ReactionEntry, error)
	UpsertReaction(ctx context.Context, entry *ReactionEntry) error
	DeleteReactionByMatrixID(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	DeleteReactionBySlackID(ctx context.Context, channelID, ts, slackUserID, reaction string) error

	// GetPuppetTokenBySlackID returns the Slack token of a user who linked
	// their own account, or "" when the user is not puppeted.
	GetPuppetTokenBySlackID(ctx context.Context, teamID, slackUserID string) (string, error)
	// GetPuppetMatrixUser returns the Matrix user a Slack user is mapped to,
	// or "" when unmapped.
	GetPuppetMatrixUser(ctx context.Context, teamID, slackUserID string) (id.UserID, error)
	// GetPuppetTokenByMatrixID is the reverse lookup used on the outbound
	// path: the Slack token belonging to a Matrix user on a given team.
	GetPuppetTokenByMatrixID(ctx context.Context, teamID string, userID id.UserID) (string, error)

	UpsertRoom(ctx context.Context, entry *RoomEntry) error
	DeleteRoom(ctx context.Context, roomID id.RoomID) error
	GetAllRooms(ctx context.Context) ([]*RoomEntry, error)

	// UpsertActivityMetrics records last-seen activity for both actors of a
	// routed message. Failures are logged by callers and never propagated.
	UpsertActivityMetrics(ctx context.Context, matrixUser id.UserID, teamID, slackUser string, when time.Time) error
}
