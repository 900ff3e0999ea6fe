// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// ResolvedTeam is the precomputed per-workspace configuration handed to rooms
// and clients at construction time, so nothing ever scans process-wide config.
type ResolvedTeam struct {
	ID   string
	Name string
	// SyncSuppressed disables ghost profile churn for high-volume teams:
	// ghosts still deliver messages but their display names are never synced.
	SyncSuppressed bool
}

// TeamClient is one authenticated Slack workspace connection: the shared bot
// client plus an optional RTM stream feeding inbound events to the rooms of
// that team.
type TeamClient struct {
	bridge *Bridge
	log    zerolog.Logger

	api SlackAPI
	rtm *slack.RTM

	team      ResolvedTeam
	botUserID string

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewTeamClient wraps an authenticated *slack.Client for a workspace.
func NewTeamClient(b *Bridge, client *slack.Client, team ResolvedTeam) *TeamClient {
	t := &TeamClient{
		bridge:   b,
		log:      b.Log.With().Str("component", "team_client").Str("team_id", team.ID).Logger(),
		api:      client,
		team:     team,
		stopChan: make(chan struct{}),
	}
	if client != nil {
		t.rtm = client.NewRTM()
	}
	return t
}

// API returns the workspace bot client, nil when the team is webhook-only.
func (t *TeamClient) API() SlackAPI {
	return t.api
}

func (t *TeamClient) TeamID() string {
	return t.team.ID
}

func (t *TeamClient) BotUserID() string {
	return t.botUserID
}

func (t *TeamClient) SyncSuppressed() bool {
	return t.team.SyncSuppressed
}

// Connect verifies the token and starts the RTM listener.
func (t *TeamClient) Connect(ctx context.Context) error {
	if t.api == nil {
		return fmt.Errorf("team %s has no bot client", t.team.ID)
	}
	resp, err := t.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("auth test failed: %w", err)
	}
	t.botUserID = resp.UserID
	if t.team.ID == "" {
		t.team.ID = resp.TeamID
	}
	t.log.Info().
		Str("bot_user_id", resp.UserID).
		Str("team_name", resp.Team).
		Msg("Authenticated to Slack")

	if t.rtm != nil {
		go t.rtm.ManageConnection()
		go t.listenRTM()
	}
	return nil
}

// listenRTM dispatches RTM events to the owning rooms until the client stops.
func (t *TeamClient) listenRTM() {
	for {
		select {
		case <-t.stopChan:
			return
		case msg, ok := <-t.rtm.IncomingEvents:
			if !ok {
				t.log.Warn().Msg("RTM event channel closed")
				return
			}
			t.handleRTMEvent(msg)
		}
	}
}

func (t *TeamClient) handleRTMEvent(msg slack.RTMEvent) {
	switch ev := msg.Data.(type) {
	case *slack.ConnectedEvent:
		t.log.Info().Int("connection_count", ev.ConnectionCount).Msg("RTM connected")
	case *slack.MessageEvent:
		t.routeMessage(normalizeRTMMessage(ev, t.team.ID))
	case *slack.ReactionAddedEvent:
		t.routeReaction(SlackReaction{
			TeamID:   t.team.ID,
			Channel:  ev.Item.Channel,
			User:     ev.User,
			Reaction: ev.Reaction,
			ItemTS:   ev.Item.Timestamp,
			ItemUser: ev.ItemUser,
			EventTS:  ev.EventTimestamp,
		})
	case *slack.ReactionRemovedEvent:
		t.routeReaction(SlackReaction{
			TeamID:   t.team.ID,
			Channel:  ev.Item.Channel,
			User:     ev.User,
			Reaction: ev.Reaction,
			ItemTS:   ev.Item.Timestamp,
			ItemUser: ev.ItemUser,
			EventTS:  ev.EventTimestamp,
			Removed:  true,
		})
	case *slack.UserTypingEvent:
		if room := t.bridge.GetRoomBySlackChannel(ev.Channel); room != nil {
			room.OnSlackTyping(SlackTyping{Channel: ev.Channel, User: ev.User})
		}
	case *slack.MemberJoinedChannelEvent:
		if room := t.bridge.GetRoomBySlackChannel(ev.Channel); room != nil {
			room.OnSlackMemberChange(SlackMemberChange{
				TeamID:  ev.Team,
				Channel: ev.Channel,
				User:    ev.User,
				Inviter: ev.Inviter,
			})
		}
	case *slack.RTMError:
		t.log.Error().Err(ev).Msg("RTM error")
	case *slack.InvalidAuthEvent:
		t.log.Error().Msg("RTM reported invalid auth, stopping listener")
		t.Stop()
	default:
		t.log.Trace().Str("event_type", msg.Type).Msg("Unhandled RTM event type")
	}
}

func (t *TeamClient) routeMessage(msg SlackMessage) {
	room := t.bridge.GetRoomBySlackChannel(msg.Channel)
	if room == nil {
		t.log.Trace().Str("channel_id", msg.Channel).Msg("Message for unbridged channel")
		return
	}
	room.OnSlackMessage(msg)
}

func (t *TeamClient) routeReaction(reaction SlackReaction) {
	room := t.bridge.GetRoomBySlackChannel(reaction.Channel)
	if room == nil {
		return
	}
	room.OnSlackReaction(reaction)
}

// SendTyping relays a Matrix typing notification into the channel. Slack only
// accepts typing indicators over RTM; without RTM this is a silent no-op.
func (t *TeamClient) SendTyping(channelID string) {
	if t.rtm == nil {
		return
	}
	t.rtm.SendMessage(t.rtm.NewTypingMessage(channelID))
}

// Stop shuts the RTM listener down.
func (t *TeamClient) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
	if t.rtm != nil {
		_ = t.rtm.Disconnect()
	}
}

// normalizeRTMMessage flattens the RTM message shape (where edits arrive
// nested under SubMessage) into the bridge's internal form.
func normalizeRTMMessage(ev *slack.MessageEvent, teamID string) SlackMessage {
	msg := SlackMessage{
		TeamID:          teamID,
		Channel:         ev.Channel,
		User:            ev.User,
		BotID:           ev.BotID,
		Text:            ev.Text,
		Timestamp:       ev.Timestamp,
		ThreadTimestamp: ev.ThreadTimestamp,
		SubType:         ev.SubType,
		DeletedTS:       ev.DeletedTimestamp,
	}
	if ev.Team != "" {
		msg.TeamID = ev.Team
	}
	if ev.SubType == "message_changed" && ev.SubMessage != nil {
		msg.User = ev.SubMessage.User
		msg.Text = ev.SubMessage.Text
		msg.Timestamp = ev.SubMessage.Timestamp
		msg.ThreadTimestamp = ev.SubMessage.ThreadTimestamp
	}
	for _, f := range ev.Files {
		msg.Files = append(msg.Files, SlackFile{
			ID:         f.ID,
			Name:       f.Name,
			Mimetype:   f.Mimetype,
			URLPrivate: f.URLPrivate,
			Size:       f.Size,
		})
	}
	return msg
}
