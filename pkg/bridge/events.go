// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// Ingress receives pushed Slack Events API payloads over HTTP. Each pairing
// has its own routing key in the URL, so a payload can never cross rooms even
// if Slack misdelivers it.
type Ingress struct {
	bridge *Bridge
	log    zerolog.Logger

	// signingSecret enables Slack request signature verification; empty
	// disables it (RTM-only deployments that still expose the handshake).
	signingSecret string
}

func NewIngress(b *Bridge, signingSecret string) *Ingress {
	return &Ingress{
		bridge:        b,
		log:           b.Log.With().Str("component", "ingress").Logger(),
		signingSecret: signingSecret,
	}
}

// Router builds the HTTP routes: one events endpoint per routing key and a
// health probe.
func (i *Ingress) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/slack/events/{inboundID}", i.handleEvent).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func (i *Ingress) handleEvent(w http.ResponseWriter, req *http.Request) {
	inboundID := mux.Vars(req)["inboundID"]
	body, err := i.readVerified(req)
	if err != nil {
		i.log.Warn().Err(err).Msg("Rejected unverifiable event payload")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	apiEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		i.log.Warn().Err(err).Msg("Failed to parse event payload")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch apiEvent.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
	case slackevents.CallbackEvent:
		i.dispatchCallback(inboundID, apiEvent)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// readVerified reads the request body, checking the Slack signature when a
// signing secret is configured.
func (i *Ingress) readVerified(req *http.Request) ([]byte, error) {
	if i.signingSecret == "" {
		return io.ReadAll(req.Body)
	}
	verifier, err := slack.NewSecretsVerifier(req.Header, i.signingSecret)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.TeeReader(req.Body, &verifier))
	if err != nil {
		return nil, err
	}
	if err := verifier.Ensure(); err != nil {
		return nil, err
	}
	return body, nil
}

// dispatchCallback normalizes a callback event and hands it to the room owning
// the routing key. A payload for an unknown key is logged and dropped.
func (i *Ingress) dispatchCallback(inboundID string, apiEvent slackevents.EventsAPIEvent) {
	room := i.bridge.GetRoomByInbound(inboundID)
	if room == nil {
		i.log.Warn().Str("inbound_id", inboundID).Msg("Event for unknown routing key")
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		room.OnSlackMessage(normalizeEventsMessage(ev, apiEvent.TeamID))
	case *slackevents.ReactionAddedEvent:
		room.OnSlackReaction(SlackReaction{
			TeamID:   apiEvent.TeamID,
			Channel:  ev.Item.Channel,
			User:     ev.User,
			Reaction: ev.Reaction,
			ItemTS:   ev.Item.Timestamp,
			ItemUser: ev.ItemUser,
			EventTS:  ev.EventTimestamp,
		})
	case *slackevents.ReactionRemovedEvent:
		room.OnSlackReaction(SlackReaction{
			TeamID:   apiEvent.TeamID,
			Channel:  ev.Item.Channel,
			User:     ev.User,
			Reaction: ev.Reaction,
			ItemTS:   ev.Item.Timestamp,
			ItemUser: ev.ItemUser,
			EventTS:  ev.EventTimestamp,
			Removed:  true,
		})
	case *slackevents.MemberJoinedChannelEvent:
		room.OnSlackMemberChange(SlackMemberChange{
			TeamID:  ev.Team,
			Channel: ev.Channel,
			User:    ev.User,
			Inviter: ev.Inviter,
		})
	default:
		i.log.Trace().Str("event_type", apiEvent.InnerEvent.Type).Msg("Unhandled callback event type")
	}
}

// normalizeEventsMessage flattens the Events API message shape, where edits
// nest the new content under Message and deletes only reference the target via
// PreviousMessage.
func normalizeEventsMessage(ev *slackevents.MessageEvent, teamID string) SlackMessage {
	msg := SlackMessage{
		TeamID:          teamID,
		Channel:         ev.Channel,
		User:            ev.User,
		BotID:           ev.BotID,
		Text:            ev.Text,
		Timestamp:       ev.TimeStamp,
		ThreadTimestamp: ev.ThreadTimeStamp,
		SubType:         ev.SubType,
	}
	if ev.SubType == "message_changed" && ev.Message != nil {
		msg.User = ev.Message.User
		msg.Text = ev.Message.Text
		msg.Timestamp = ev.Message.Timestamp
		msg.ThreadTimestamp = ev.Message.ThreadTimestamp
	}
	if ev.SubType == "message_deleted" {
		msg.DeletedTS = ev.DeletedTimeStamp
		if msg.DeletedTS == "" && ev.PreviousMessage != nil {
			msg.DeletedTS = ev.PreviousMessage.Timestamp
		}
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
