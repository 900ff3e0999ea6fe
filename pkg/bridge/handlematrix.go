// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"bytes"
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/enshittification/matrix-appservice-slack/pkg/bridge/matrixfmt"
	"github.com/enshittification/matrix-appservice-slack/pkg/bridge/slackfmt"
)

// HandleMatrixMessage relays a Matrix message (or edit) to Slack. The Matrix
// event source delivers one event at a time per room, so there is no separate
// outbound serialization lock.
func (r *BridgedRoom) HandleMatrixMessage(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content == nil {
		return
	}

	if replaceID := content.RelatesTo.GetReplaceID(); replaceID != "" {
		r.handleMatrixEdit(ctx, evt, content)
		return
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		r.sendMatrixText(ctx, evt, content)
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		r.sendMatrixFile(ctx, evt, content)
	default:
		// Untranslatable content never becomes translatable: drop, don't retry.
		r.log.Warn().Str("msgtype", string(content.MsgType)).Msg("Dropping untranslatable message")
	}
}

func (r *BridgedRoom) sendMatrixText(ctx context.Context, evt *event.Event, content *event.MessageEventContent) {
	// Strip the client-embedded reply fallback so Slack does not receive the
	// quoted context twice.
	content.RemoveReplyFallback()
	threadTS := r.resolveOutboundThreadTS(ctx, evt, content)

	text := matrixfmt.Parse(content)
	if content.MsgType == event.MsgEmote {
		text = "_" + text + "_"
	}
	if text == "" {
		r.log.Warn().Str("event_id", string(evt.ID)).Msg("Dropping message with empty translated body")
		return
	}

	ident, ok := r.resolveSlackIdentity(ctx, evt.Sender)
	if !ok {
		r.log.Debug().Msg("No Slack identity available, room is pending")
		return
	}

	if ident.client == nil {
		// Webhook-only pairing. Webhooks return no timestamp, so neither
		// dedup registration nor an event mapping is possible.
		msg := &slack.WebhookMessage{
			Text:     text,
			Username: matrixDisplayName(evt.Sender),
		}
		if err := slack.PostWebhookContext(ctx, ident.webhookURL, msg); err != nil {
			r.log.Error().Err(err).Msg("Failed to send via webhook")
		}
		return
	}

	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if !ident.isPuppet {
		opts = append(opts, slack.MsgOptionUsername(matrixDisplayName(evt.Sender)))
	}

	channelID := r.SlackChannelID()
	ts, err := r.postWithRejoin(ctx, ident.client, channelID, opts)
	if err != nil {
		r.log.Error().Err(err).Str("event_id", string(evt.ID)).Msg("Failed to send message to Slack")
		return
	}

	// Register the platform-assigned ID before anything else observes the
	// echo on the inbound stream.
	r.recent.Add(ts)
	if err := r.bridge.Store.UpsertEvent(ctx, &EventEntry{
		MatrixRoomID:   r.matrixRoomID,
		MatrixEventID:  evt.ID,
		SlackChannelID: channelID,
		SlackTS:        ts,
	}); err != nil {
		r.log.Error().Err(err).Str("ts", ts).Msg("Failed to store event mapping")
	}
	if threadTS != "" {
		r.appendOutboundThreadTail(ctx, channelID, threadTS, ts)
	}
	r.recordActivity(ctx, evt.Sender, ident.slackUserID)
}

// postWithRejoin posts to Slack, recovering once from not_in_channel by
// joining the channel and retrying.
func (r *BridgedRoom) postWithRejoin(ctx context.Context, client SlackAPI, channelID string, opts []slack.MsgOption) (string, error) {
	_, ts, err := client.PostMessageContext(ctx, channelID, opts...)
	if err == nil {
		return ts, nil
	}
	if !isNotInChannel(err) {
		return "", err
	}
	r.log.Info().Str("channel_id", channelID).Msg("Not in channel, joining and retrying")
	if _, _, _, err := client.JoinConversationContext(ctx, channelID); err != nil {
		return "", fmt.Errorf("failed to join channel: %w", err)
	}
	_, ts, err = client.PostMessageContext(ctx, channelID, opts...)
	return ts, err
}

func (r *BridgedRoom) sendMatrixFile(ctx context.Context, evt *event.Event, content *event.MessageEventContent) {
	ident, ok := r.resolveSlackIdentity(ctx, evt.Sender)
	if !ok || ident.client == nil {
		r.log.Debug().Msg("No Slack client available for file upload")
		return
	}
	uri, err := content.URL.Parse()
	if err != nil {
		r.log.Warn().Err(err).Msg("Invalid media URL")
		return
	}
	data, err := r.bridge.Matrix.DownloadMedia(ctx, uri)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to download Matrix media")
		return
	}

	filename := content.Body
	if filename == "" {
		filename = "upload"
	}
	params := slack.UploadFileV2Parameters{
		Reader:          bytes.NewReader(data),
		FileSize:        len(data),
		Filename:        filename,
		Channel:         r.SlackChannelID(),
		ThreadTimestamp: r.resolveOutboundThreadTS(ctx, evt, content),
	}
	if _, err := ident.client.UploadFileV2Context(ctx, params); err != nil {
		r.log.Error().Err(err).Msg("Failed to upload file to Slack")
		return
	}
	r.recordActivity(ctx, evt.Sender, ident.slackUserID)
}

func (r *BridgedRoom) handleMatrixEdit(ctx context.Context, evt *event.Event, content *event.MessageEventContent) {
	target := content.RelatesTo.GetReplaceID()
	entry, err := r.bridge.Store.GetEventByMatrixID(ctx, r.matrixRoomID, target)
	if err != nil || entry == nil {
		r.log.Warn().Err(err).Str("target", string(target)).Msg("No mapping for edited message")
		return
	}
	edited := content.NewContent
	if edited == nil {
		edited = content
	}
	text := matrixfmt.Parse(edited)

	ident, ok := r.resolveSlackIdentity(ctx, evt.Sender)
	if !ok || ident.client == nil {
		r.log.Debug().Msg("No Slack client available for edit")
		return
	}
	if _, _, _, err := ident.client.UpdateMessageContext(ctx, entry.SlackChannelID, entry.SlackTS, slack.MsgOptionText(text, false)); err != nil {
		r.log.Error().Err(err).Str("ts", entry.SlackTS).Msg("Failed to update Slack message")
		return
	}
	r.recordActivity(ctx, evt.Sender, ident.slackUserID)
}

// HandleMatrixRedaction deletes the Slack counterpart of a redacted message
// or reaction.
func (r *BridgedRoom) HandleMatrixRedaction(ctx context.Context, evt *event.Event) {
	target := evt.Redacts
	if target == "" {
		return
	}

	if entry, err := r.bridge.Store.GetEventByMatrixID(ctx, r.matrixRoomID, target); err == nil && entry != nil {
		ident, ok := r.resolveSlackIdentity(ctx, evt.Sender)
		if !ok || ident.client == nil {
			r.log.Debug().Msg("No Slack client available for delete")
			return
		}
		if _, _, err := ident.client.DeleteMessageContext(ctx, entry.SlackChannelID, entry.SlackTS); err != nil {
			r.log.Error().Err(err).Str("ts", entry.SlackTS).Msg("Failed to delete Slack message")
			return
		}
		r.recent.Add(entry.SlackTS)
		if err := r.bridge.Store.DeleteEventByMatrixID(ctx, r.matrixRoomID, target); err != nil {
			r.log.Warn().Err(err).Msg("Failed to delete event mapping")
		}
		return
	}

	if entry, err := r.bridge.Store.GetReactionByMatrixID(ctx, r.matrixRoomID, target); err == nil && entry != nil {
		ident, ok := r.resolveSlackIdentity(ctx, evt.Sender)
		if !ok || ident.client == nil {
			return
		}
		item := slack.NewRefToMessage(entry.SlackChannelID, entry.SlackMessageTS)
		if err := ident.client.RemoveReactionContext(ctx, entry.Reaction, item); err != nil {
			r.log.Error().Err(err).Str("reaction", entry.Reaction).Msg("Failed to remove Slack reaction")
			return
		}
		r.recent.Add(reactionDedupKey("remove", entry.Reaction, ident.slackUserID, entry.SlackMessageTS))
		if err := r.bridge.Store.DeleteReactionByMatrixID(ctx, r.matrixRoomID, target); err != nil {
			r.log.Warn().Err(err).Msg("Failed to delete reaction mapping")
		}
		return
	}

	// Cannot redact what cannot be located.
	r.log.Debug().Str("target", string(target)).Msg("No mapping for redaction target")
}

// HandleMatrixReaction relays an m.reaction to Slack.
func (r *BridgedRoom) HandleMatrixReaction(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || content == nil {
		return
	}
	rel := content.RelatesTo
	if rel.EventID == "" || rel.Key == "" {
		return
	}
	entry, err := r.bridge.Store.GetEventByMatrixID(ctx, r.matrixRoomID, rel.EventID)
	if err != nil || entry == nil {
		r.log.Warn().Err(err).Str("target", string(rel.EventID)).Msg("No mapping for reaction target")
		return
	}

	ident, ok := r.resolveSlackIdentity(ctx, evt.Sender)
	if !ok || ident.client == nil {
		r.log.Debug().Msg("No Slack client available for reaction")
		return
	}
	name := slackfmt.UnicodeToEmoji(rel.Key)
	item := slack.NewRefToMessage(entry.SlackChannelID, entry.SlackTS)
	if err := ident.client.AddReactionContext(ctx, name, item); err != nil {
		r.log.Error().Err(err).Str("reaction", name).Msg("Failed to add Slack reaction")
		return
	}
	r.recent.Add(reactionDedupKey("add", name, ident.slackUserID, entry.SlackTS))
	if err := r.bridge.Store.UpsertReaction(ctx, &ReactionEntry{
		MatrixRoomID:   r.matrixRoomID,
		MatrixEventID:  evt.ID,
		SlackChannelID: entry.SlackChannelID,
		SlackMessageTS: entry.SlackTS,
		SlackUserID:    ident.slackUserID,
		Reaction:       name,
	}); err != nil {
		r.log.Error().Err(err).Msg("Failed to store reaction mapping")
	}
	r.recordActivity(ctx, evt.Sender, ident.slackUserID)
}

// HandleMatrixTyping forwards typing notifications from real users.
func (r *BridgedRoom) HandleMatrixTyping(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.TypingEventContent)
	if !ok || content == nil {
		return
	}
	team := r.teamClient()
	if team == nil {
		return
	}
	for _, userID := range content.UserIDs {
		if !r.bridge.Matrix.IsBridgeUser(userID) {
			team.SendTyping(r.SlackChannelID())
			return
		}
	}
}

// matrixDisplayName derives a readable fallback name from a Matrix user ID
// for bot-relayed messages.
func matrixDisplayName(userID id.UserID) string {
	localpart, _, err := userID.Parse()
	if err != nil {
		return string(userID)
	}
	return localpart
}
