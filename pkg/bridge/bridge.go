// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Bridge owns the room registry, the per-workspace Slack clients and the
// shared collaborators (store, Matrix API). One process runs one Bridge.
type Bridge struct {
	Log    zerolog.Logger
	Store  Store
	Matrix MatrixAPI

	// NewSlackClient builds a Slack client from a puppet token. Tests swap
	// in a fake; production uses slack.New.
	NewSlackClient func(token string) SlackAPI

	mu             sync.RWMutex
	roomsByMXID    map[id.RoomID]*BridgedRoom
	roomsByChannel map[string]*BridgedRoom
	roomsByInbound map[string]*BridgedRoom
	teams          map[string]*TeamClient

	puppetMu      sync.Mutex
	puppetClients map[string]SlackAPI

	ghostMu      sync.Mutex
	syncedGhosts map[string]struct{}
}

func New(log zerolog.Logger, store Store, matrix MatrixAPI) *Bridge {
	return &Bridge{
		Log:    log,
		Store:  store,
		Matrix: matrix,

		NewSlackClient: func(token string) SlackAPI {
			return slack.New(token)
		},

		roomsByMXID:    make(map[id.RoomID]*BridgedRoom),
		roomsByChannel: make(map[string]*BridgedRoom),
		roomsByInbound: make(map[string]*BridgedRoom),
		teams:          make(map[string]*TeamClient),

		puppetClients: make(map[string]SlackAPI),
		syncedGhosts:  make(map[string]struct{}),
	}
}

// puppetClient returns a cached Slack client for a puppet token.
func (b *Bridge) puppetClient(token string) SlackAPI {
	b.puppetMu.Lock()
	defer b.puppetMu.Unlock()
	if client, ok := b.puppetClients[token]; ok {
		return client
	}
	client := b.NewSlackClient(token)
	b.puppetClients[token] = client
	return client
}

// markGhostSeen returns true the first time a (team, user) ghost is seen in
// this process, gating one-time profile sync.
func (b *Bridge) markGhostSeen(teamID, slackUserID string) bool {
	key := teamID + "/" + slackUserID
	b.ghostMu.Lock()
	defer b.ghostMu.Unlock()
	if _, ok := b.syncedGhosts[key]; ok {
		return false
	}
	b.syncedGhosts[key] = struct{}{}
	return true
}

// AddTeam registers a workspace client.
func (b *Bridge) AddTeam(t *TeamClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teams[t.TeamID()] = t
}

func (b *Bridge) GetTeam(teamID string) *TeamClient {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.teams[teamID]
}

// AddRoom indexes a room by every key inbound traffic can arrive on.
func (b *Bridge) AddRoom(room *BridgedRoom) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomsByMXID[room.MatrixRoomID()] = room
	b.roomsByInbound[room.InboundID()] = room
	if ch := room.SlackChannelID(); ch != "" {
		b.roomsByChannel[ch] = room
	}
}

// LinkChannel completes a pending pairing with its Slack channel and
// re-indexes the room.
func (b *Bridge) LinkChannel(room *BridgedRoom, channelID string) {
	b.mu.Lock()
	if old := room.SlackChannelID(); old != "" {
		delete(b.roomsByChannel, old)
	}
	b.mu.Unlock()
	room.SetSlackChannelID(channelID)
	b.mu.Lock()
	b.roomsByChannel[channelID] = room
	b.mu.Unlock()
}

// UnlinkRoom removes a pairing everywhere: registry, store, and stops its
// queue. Event and reaction mappings are left behind; they are only removed
// by matching remote deletes.
func (b *Bridge) UnlinkRoom(ctx context.Context, room *BridgedRoom) {
	b.mu.Lock()
	delete(b.roomsByMXID, room.MatrixRoomID())
	delete(b.roomsByInbound, room.InboundID())
	if ch := room.SlackChannelID(); ch != "" {
		delete(b.roomsByChannel, ch)
	}
	b.mu.Unlock()
	room.Stop()
	if err := b.Store.DeleteRoom(ctx, room.MatrixRoomID()); err != nil {
		b.Log.Error().Err(err).
			Str("room_id", string(room.MatrixRoomID())).
			Msg("Failed to delete room pairing from store")
	}
}

func (b *Bridge) GetRoomByMXID(roomID id.RoomID) *BridgedRoom {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.roomsByMXID[roomID]
}

func (b *Bridge) GetRoomBySlackChannel(channelID string) *BridgedRoom {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.roomsByChannel[channelID]
}

func (b *Bridge) GetRoomByInbound(inboundID string) *BridgedRoom {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.roomsByInbound[inboundID]
}

// LoadRooms restores all persisted pairings at startup. Rooms that fail
// validation are skipped with an error log; one bad row must not take the
// process down.
func (b *Bridge) LoadRooms(ctx context.Context) error {
	entries, err := b.Store.GetAllRooms(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		team := b.GetTeam(entry.SlackTeamID)
		room, err := NewBridgedRoom(b, entry, team)
		if err != nil {
			b.Log.Error().Err(err).
				Str("room_id", string(entry.MatrixRoomID)).
				Msg("Skipping invalid room pairing")
			continue
		}
		b.AddRoom(room)
	}
	b.Log.Info().Int("count", len(entries)).Msg("Loaded room pairings")
	return nil
}

// PersistRoom writes the pairing if it has unsaved changes. On store failure
// the dirty flag is restored so the change is retried on the next transition.
func (b *Bridge) PersistRoom(ctx context.Context, room *BridgedRoom) {
	if !room.Dirty() {
		return
	}
	entry := room.ToEntry()
	if err := b.Store.UpsertRoom(ctx, entry); err != nil {
		room.markDirty()
		b.Log.Error().Err(err).
			Str("room_id", string(entry.MatrixRoomID)).
			Msg("Failed to persist room pairing")
	}
}

// HandleMatrixEvent routes one event received from the homeserver.
func (b *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		b.Log.Debug().Err(err).Str("event_type", evt.Type.String()).Msg("Failed to parse event content")
		return
	}

	room := b.GetRoomByMXID(evt.RoomID)
	if room == nil {
		return
	}

	switch evt.Type {
	case event.StateMember:
		b.handleMatrixMembership(ctx, room, evt)
		return
	case event.EphemeralEventTyping:
		room.HandleMatrixTyping(ctx, evt)
		return
	}

	// Everything below is content authored by a user; never reflect our own
	// ghosts or the bot back to Slack.
	if b.Matrix.IsBridgeUser(evt.Sender) {
		return
	}

	switch evt.Type {
	case event.EventMessage:
		room.HandleMatrixMessage(ctx, evt)
	case event.EventReaction:
		room.HandleMatrixReaction(ctx, evt)
	case event.EventRedaction:
		room.HandleMatrixRedaction(ctx, evt)
	default:
		b.Log.Trace().Str("event_type", evt.Type.String()).Msg("Unhandled Matrix event type")
	}
}

// handleMatrixMembership tracks joins for the encrypted-room gate and
// auto-joins ghosts that get invited on the Matrix side.
func (b *Bridge) handleMatrixMembership(ctx context.Context, room *BridgedRoom, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil || evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	switch content.Membership {
	case event.MembershipJoin:
		room.HandleMatrixJoin(target)
	case event.MembershipInvite:
		if b.Matrix.IsBridgeUser(target) && target != b.Matrix.BotUserID() {
			intent := b.ghostIntentForUserID(target)
			if intent == nil {
				return
			}
			if err := intent.EnsureJoined(ctx, evt.RoomID); err != nil {
				b.Log.Warn().Err(err).
					Str("ghost", string(target)).
					Str("room_id", string(evt.RoomID)).
					Msg("Ghost failed to accept invite")
			}
		}
	}
}

// Stop shuts down every room queue and team listener.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, room := range b.roomsByMXID {
		room.Stop()
	}
	for _, team := range b.teams {
		team.Stop()
	}
}
