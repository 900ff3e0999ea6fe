// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// slackIdentity is the resolved identity for one Matrix-to-Slack delivery.
// Exactly one of client or webhookURL is used; an all-empty identity never
// leaves resolveSlackIdentity.
type slackIdentity struct {
	client      SlackAPI
	slackUserID string
	webhookURL  string
	isPuppet    bool
}

// resolveSlackIdentity picks the identity to act as on Slack, preferring the
// sender's own puppet credentials over the shared bot, then the room webhook.
// ok=false is the "no identity available" steady state for rooms that are
// still pending, not an error.
func (r *BridgedRoom) resolveSlackIdentity(ctx context.Context, sender id.UserID) (ident slackIdentity, ok bool) {
	teamID := r.SlackTeamID()

	if sender != "" && teamID != "" {
		token, err := r.bridge.Store.GetPuppetTokenByMatrixID(ctx, teamID, sender)
		if err != nil {
			r.log.Warn().Err(err).Str("sender", string(sender)).Msg("Puppet token lookup failed")
		} else if token != "" {
			client := r.bridge.puppetClient(token)
			if resp, err := client.AuthTestContext(ctx); err != nil {
				r.log.Warn().Err(err).Str("sender", string(sender)).Msg("Puppet token rejected, falling back to bot")
			} else {
				return slackIdentity{client: client, slackUserID: resp.UserID, isPuppet: true}, true
			}
		}
	}

	if team := r.teamClient(); team != nil && team.API() != nil {
		return slackIdentity{client: team.API(), slackUserID: team.BotUserID()}, true
	}

	r.mu.Lock()
	webhook := r.slackWebhookURI
	r.mu.Unlock()
	if webhook != "" {
		return slackIdentity{webhookURL: webhook}, true
	}

	return slackIdentity{}, false
}

// ghostForSlackUser returns the Matrix intent that represents a Slack user,
// syncing the ghost's display name the first time the user is seen unless the
// team is sync-suppressed.
func (r *BridgedRoom) ghostForSlackUser(ctx context.Context, slackUserID string) MatrixIntent {
	teamID := r.SlackTeamID()
	intent := r.bridge.Matrix.GhostIntent(teamID, slackUserID)

	team := r.teamClient()
	if team == nil || team.SyncSuppressed() || team.API() == nil {
		return intent
	}
	if !r.bridge.markGhostSeen(teamID, slackUserID) {
		return intent
	}
	user, err := team.API().GetUserInfoContext(ctx, slackUserID)
	if err != nil {
		r.log.Debug().Err(err).Str("slack_user", slackUserID).Msg("Failed to fetch Slack profile for ghost")
		return intent
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	if err := intent.SetDisplayName(ctx, name); err != nil {
		r.log.Debug().Err(err).Str("slack_user", slackUserID).Msg("Failed to set ghost display name")
	}
	return intent
}

// isPuppetedSlackUser reports whether a Slack user is mapped to a real Matrix
// user, and which one.
func (r *BridgedRoom) isPuppetedSlackUser(ctx context.Context, slackUserID string) (id.UserID, bool) {
	mxid, err := r.bridge.Store.GetPuppetMatrixUser(ctx, r.SlackTeamID(), slackUserID)
	if err != nil {
		r.log.Warn().Err(err).Str("slack_user", slackUserID).Msg("Puppet mapping lookup failed")
		return "", false
	}
	return mxid, mxid != ""
}

// ghostIntentForUserID resolves a ghost intent from its Matrix user ID, for
// events (like invites) that arrive addressed to the ghost directly.
func (b *Bridge) ghostIntentForUserID(userID id.UserID) MatrixIntent {
	if !b.Matrix.IsBridgeUser(userID) || userID == b.Matrix.BotUserID() {
		return nil
	}
	return b.Matrix.UserIntent(userID)
}
