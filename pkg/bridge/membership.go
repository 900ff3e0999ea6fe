// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// OnSlackMemberChange mirrors a Slack channel join into the Matrix room. What
// happens depends on whether the joining user and the inviter (if any) are
// puppeted, i.e. belong to a real Matrix user:
//
//	inviter unpuppeted, joiner unpuppeted: ghost invites ghost, ghost joins
//	inviter unpuppeted, joiner puppeted:   ghost invites the Matrix user
//	inviter puppeted,   joiner unpuppeted: ghost joins on its own
//	inviter puppeted,   joiner puppeted:   nothing, both sides are real users
//	no inviter,         joiner unpuppeted: ghost joins on its own
//	no inviter,         joiner puppeted:   bot invites the Matrix user
//
// The workspace bot's own Slack user is never mirrored.
func (r *BridgedRoom) OnSlackMemberChange(change SlackMemberChange) {
	team := r.teamClient()
	if team != nil && change.User == team.BotUserID() {
		return
	}
	r.queue.Enqueue("member_change", func(ctx context.Context) error {
		r.deliverSlackMemberChange(ctx, change)
		return nil
	})
}

func (r *BridgedRoom) deliverSlackMemberChange(ctx context.Context, change SlackMemberChange) {
	log := r.log.With().
		Str("slack_user", change.User).
		Str("inviter", change.Inviter).
		Logger()

	joinerMXID, joinerPuppeted := r.isPuppetedSlackUser(ctx, change.User)

	if change.Inviter == "" {
		if joinerPuppeted {
			r.inviteMatrixUser(ctx, r.bridge.Matrix.BotIntent(), joinerMXID)
		} else {
			r.joinGhost(ctx, change.User)
		}
		return
	}

	_, inviterPuppeted := r.isPuppetedSlackUser(ctx, change.Inviter)
	switch {
	case !inviterPuppeted && !joinerPuppeted:
		inviter := r.ghostForSlackUser(ctx, change.Inviter)
		target := r.bridge.Matrix.GhostUserID(r.SlackTeamID(), change.User)
		if err := inviter.InviteUser(ctx, r.matrixRoomID, target); err != nil {
			log.Debug().Err(err).Msg("Ghost invite failed, joining directly")
		}
		r.joinGhost(ctx, change.User)
	case !inviterPuppeted && joinerPuppeted:
		r.inviteMatrixUser(ctx, r.ghostForSlackUser(ctx, change.Inviter), joinerMXID)
	case inviterPuppeted && !joinerPuppeted:
		r.joinGhost(ctx, change.User)
	default:
		// Both ends are real Matrix users; membership already happened there.
	}
}

// joinGhost makes the ghost for a Slack user a member of the room. The inviter
// ghost may not have invite power, so EnsureJoined does the heavy lifting.
func (r *BridgedRoom) joinGhost(ctx context.Context, slackUserID string) {
	ghost := r.ghostForSlackUser(ctx, slackUserID)
	if err := ghost.EnsureJoined(ctx, r.matrixRoomID); err != nil {
		r.log.Warn().Err(err).Str("slack_user", slackUserID).Msg("Ghost failed to join room")
	}
}

// inviteMatrixUser invites a real Matrix user; an already-member error is
// expected and logged at debug only.
func (r *BridgedRoom) inviteMatrixUser(ctx context.Context, inviter MatrixIntent, target id.UserID) {
	if target == "" {
		return
	}
	if err := inviter.InviteUser(ctx, r.matrixRoomID, target); err != nil {
		r.log.Debug().Err(err).Str("user_id", string(target)).Msg("Matrix invite failed")
	}
}
