// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Status describes how far a pairing is from being able to deliver messages.
type Status string

const (
	// StatusPendingParams means neither a webhook URI nor a bot client is
	// available, so nothing can be sent to Slack yet.
	StatusPendingParams Status = "pending-params"
	// StatusPendingName means the Slack channel has not been identified yet.
	StatusPendingName Status = "pending-name"
	// StatusReadyNoToken means the room can deliver via webhook only.
	StatusReadyNoToken Status = "ready-no-token"
	StatusReady        Status = "ready"
)

var (
	errMissingRoomID    = errors.New("bridged room requires a Matrix room ID")
	errMissingInboundID = errors.New("bridged room requires an inbound routing ID")
)

// BridgedRoom pairs one Matrix room with one Slack channel and owns all
// per-room bridging state: the echo-suppression window, the serialized
// delivery queue, the encrypted-room join gate and dirty tracking for
// persistence.
type BridgedRoom struct {
	bridge *Bridge
	log    zerolog.Logger

	mu sync.Mutex
	// Pairing fields, persisted via ToEntry.
	matrixRoomID     id.RoomID
	inboundID        string
	slackChannelID   string
	slackChannelName string
	slackTeamID      string
	slackType        ChannelType
	isPrivate        bool
	isEncrypted      bool
	slackWebhookURI  string
	puppetOwner      id.UserID
	dirty            bool

	team *TeamClient

	recent *RecentMessageWindow
	queue  *sendQueue
	gate   *joinGate

	matrixActivity time.Time
	slackActivity  time.Time
}

// NewBridgedRoom builds a room from its persisted pairing. A missing Matrix
// room ID or inbound routing ID is a configuration error: the room is never
// activated.
func NewBridgedRoom(b *Bridge, entry *RoomEntry, team *TeamClient) (*BridgedRoom, error) {
	if entry.MatrixRoomID == "" {
		return nil, errMissingRoomID
	}
	if entry.InboundID == "" {
		return nil, errMissingInboundID
	}
	log := b.Log.With().
		Str("room_id", string(entry.MatrixRoomID)).
		Str("channel_id", entry.SlackChannelID).
		Logger()
	r := &BridgedRoom{
		bridge: b,
		log:    log,

		matrixRoomID:     entry.MatrixRoomID,
		inboundID:        entry.InboundID,
		slackChannelID:   entry.SlackChannelID,
		slackChannelName: entry.SlackChannelName,
		slackTeamID:      entry.SlackTeamID,
		slackType:        entry.SlackType,
		isPrivate:        entry.IsPrivate,
		isEncrypted:      entry.IsEncrypted,
		slackWebhookURI:  entry.SlackWebhookURI,
		puppetOwner:      entry.PuppetOwner,

		team:   team,
		recent: newRecentMessageWindow(),
		queue:  newSendQueue(log.With().Str("component", "send_queue").Logger()),
	}
	if r.needsJoinGate() {
		r.gate = newJoinGate()
	}
	return r, nil
}

// needsJoinGate reports whether delivery must wait for a local join: only
// encrypted direct and group conversations distribute keys to members.
func (r *BridgedRoom) needsJoinGate() bool {
	if !r.isEncrypted {
		return false
	}
	switch r.slackType {
	case ChannelTypeIM, ChannelTypeMPIM, ChannelTypeGroup:
		return true
	default:
		return false
	}
}

// Stop shuts down the room's delivery queue.
func (r *BridgedRoom) Stop() {
	r.queue.Stop()
}

func (r *BridgedRoom) MatrixRoomID() id.RoomID {
	return r.matrixRoomID
}

func (r *BridgedRoom) InboundID() string {
	return r.inboundID
}

func (r *BridgedRoom) SlackChannelID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slackChannelID
}

func (r *BridgedRoom) SlackTeamID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slackTeamID
}

func (r *BridgedRoom) SlackChannelName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slackChannelName
}

// Dirty reports whether the pairing has unsaved changes.
func (r *BridgedRoom) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Each setter is a no-op when the value is unchanged, so reloading identical
// state never causes a spurious store write.

func (r *BridgedRoom) SetSlackChannelID(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slackChannelID == v {
		return
	}
	r.slackChannelID = v
	r.dirty = true
}

func (r *BridgedRoom) SetSlackChannelName(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slackChannelName == v {
		return
	}
	r.slackChannelName = v
	r.dirty = true
}

func (r *BridgedRoom) SetSlackTeamID(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slackTeamID == v {
		return
	}
	r.slackTeamID = v
	r.dirty = true
}

func (r *BridgedRoom) SetSlackType(v ChannelType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slackType == v {
		return
	}
	r.slackType = v
	r.dirty = true
}

func (r *BridgedRoom) SetPrivate(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isPrivate == v {
		return
	}
	r.isPrivate = v
	r.dirty = true
}

func (r *BridgedRoom) SetEncrypted(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isEncrypted == v {
		return
	}
	r.isEncrypted = v
	r.dirty = true
	if r.gate == nil && v {
		switch r.slackType {
		case ChannelTypeIM, ChannelTypeMPIM, ChannelTypeGroup:
			r.gate = newJoinGate()
		}
	}
}

func (r *BridgedRoom) SetWebhookURI(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slackWebhookURI == v {
		return
	}
	r.slackWebhookURI = v
	r.dirty = true
}

func (r *BridgedRoom) SetPuppetOwner(v id.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.puppetOwner == v {
		return
	}
	r.puppetOwner = v
	r.dirty = true
}

// SetTeamClient swaps the bot client; runtime-only, never marks dirty.
func (r *BridgedRoom) SetTeamClient(team *TeamClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.team = team
}

func (r *BridgedRoom) teamClient() *TeamClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.team
}

func (r *BridgedRoom) hasBotClient() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.team != nil && r.team.API() != nil
}

// Status derives the pairing's readiness, in priority order.
func (r *BridgedRoom) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	hasBot := r.team != nil && r.team.API() != nil
	switch {
	case r.slackWebhookURI == "" && !hasBot:
		return StatusPendingParams
	case r.slackChannelName == "":
		return StatusPendingName
	case !hasBot:
		return StatusReadyNoToken
	default:
		return StatusReady
	}
}

// ToEntry snapshots the pairing for persistence and clears the dirty flag.
// This is the single moment state becomes durable: callers must hand the
// snapshot to the store.
func (r *BridgedRoom) ToEntry() *RoomEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
	return &RoomEntry{
		MatrixRoomID:     r.matrixRoomID,
		InboundID:        r.inboundID,
		SlackChannelID:   r.slackChannelID,
		SlackChannelName: r.slackChannelName,
		SlackTeamID:      r.slackTeamID,
		SlackType:        r.slackType,
		IsPrivate:        r.isPrivate,
		IsEncrypted:      r.isEncrypted,
		SlackWebhookURI:  r.slackWebhookURI,
		PuppetOwner:      r.puppetOwner,
	}
}

// markDirty restores the dirty flag after a failed store write, so the
// snapshot is retried instead of silently dropped.
func (r *BridgedRoom) markDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = true
}

// HandleMatrixJoin resolves the encrypted-room join gate when a real Matrix
// user joins. Ghost and bot joins do not count.
func (r *BridgedRoom) HandleMatrixJoin(userID id.UserID) {
	if r.bridge.Matrix.IsBridgeUser(userID) {
		return
	}
	if r.gate != nil && !r.gate.Resolved() {
		r.log.Debug().Str("user_id", string(userID)).Msg("Local join resolved encrypted-room gate")
		r.gate.Resolve()
	}
}

// recordActivity persists last-seen timestamps for both actors of a routed
// message. Fire-and-forget: failures are logged, never propagated.
func (r *BridgedRoom) recordActivity(ctx context.Context, matrixUser id.UserID, slackUser string) {
	now := time.Now()
	r.mu.Lock()
	if matrixUser != "" {
		r.matrixActivity = now
	}
	if slackUser != "" {
		r.slackActivity = now
	}
	teamID := r.slackTeamID
	r.mu.Unlock()
	if err := r.bridge.Store.UpsertActivityMetrics(ctx, matrixUser, teamID, slackUser, now); err != nil {
		r.log.Warn().Err(err).Msg("Failed to record activity metrics")
	}
}
