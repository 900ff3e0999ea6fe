// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/enshittification/matrix-appservice-slack/pkg/bridge/slackfmt"
)

const typingTimeout = 6 * time.Second

// OnSlackMessage is the entry point for inbound Slack messages, edits and
// deletes. Identity resolution and transcoding may overlap across rooms, but
// delivery into the Matrix room is serialized through the room queue, with a
// second dedup check immediately before delivery to close the echo race.
func (r *BridgedRoom) OnSlackMessage(msg SlackMessage) {
	team := r.teamClient()
	if team != nil && msg.User != "" && msg.User == team.BotUserID() {
		return
	}
	// Webhook echoes and other bots come back as bot_message with no user.
	if msg.SubType == "bot_message" {
		r.log.Debug().Str("bot_id", msg.BotID).Msg("Skipping bot message")
		return
	}

	// First dedup check. Edits are never self-echoes: the changed content
	// differs from what we sent, so they always pass. Deletes are identified
	// by the timestamp of the message they removed.
	dedupID := msg.Timestamp
	if msg.SubType == "message_deleted" {
		dedupID = msg.DeletedTS
	}
	if msg.SubType != "message_changed" && r.recent.Contains(dedupID) {
		r.log.Debug().Str("ts", dedupID).Msg("Suppressed echo of own message")
		return
	}

	switch msg.SubType {
	case "", "file_share", "me_message", "thread_broadcast":
		r.enqueueSlackMessage(msg)
	case "message_changed":
		r.enqueueSlackEdit(msg)
	case "message_deleted":
		r.enqueueSlackDelete(msg)
	default:
		r.log.Trace().Str("subtype", msg.SubType).Msg("Unhandled message subtype")
	}
}

func (r *BridgedRoom) enqueueSlackMessage(msg SlackMessage) {
	if msg.Text == "" && len(msg.Files) == 0 {
		r.log.Warn().Str("ts", msg.Timestamp).Msg("Dropping message with no deliverable content")
		return
	}

	// Ghost resolution may hit the network; it runs before the room chain so
	// only delivery itself is serialized.
	ctx := context.Background()
	intent := r.ghostForSlackUser(ctx, msg.User)

	r.queue.Enqueue("message", func(ctx context.Context) error {
		if r.recent.Contains(msg.Timestamp) {
			r.log.Debug().Str("ts", msg.Timestamp).Msg("Suppressed echo of own message (late)")
			return nil
		}
		if err := r.gate.Wait(ctx); err != nil {
			return err
		}
		return r.deliverSlackMessage(ctx, intent, msg)
	})
}

func (r *BridgedRoom) deliverSlackMessage(ctx context.Context, intent MatrixIntent, msg SlackMessage) error {
	if err := intent.EnsureJoined(ctx, r.matrixRoomID); err != nil {
		r.log.Warn().Err(err).Msg("Ghost failed to join room, using bot")
		intent = r.bridge.Matrix.BotIntent()
	}

	var firstEventID id.EventID
	if msg.Text != "" {
		content := r.slackTextToContent(ctx, msg.Text)
		if replyTo := r.resolveInboundThread(ctx, msg); replyTo != "" {
			content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: replyTo}}
		}
		eventID, err := intent.SendMessage(ctx, r.matrixRoomID, content)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		firstEventID = eventID
	}

	for _, file := range msg.Files {
		eventID, err := r.deliverSlackFile(ctx, intent, file)
		if err != nil {
			r.log.Warn().Err(err).Str("file_id", file.ID).Msg("Failed to relay file")
			continue
		}
		if firstEventID == "" {
			firstEventID = eventID
		}
	}

	if firstEventID == "" {
		return nil
	}
	if err := r.bridge.Store.UpsertEvent(ctx, &EventEntry{
		MatrixRoomID:   r.matrixRoomID,
		MatrixEventID:  firstEventID,
		SlackChannelID: msg.Channel,
		SlackTS:        msg.Timestamp,
	}); err != nil {
		// No cross-platform transaction exists: the send already succeeded,
		// so log the inconsistency and move on.
		r.log.Error().Err(err).Str("ts", msg.Timestamp).Msg("Failed to store event mapping")
	}
	r.recordActivity(ctx, intent.UserID(), msg.User)
	return nil
}

func (r *BridgedRoom) deliverSlackFile(ctx context.Context, intent MatrixIntent, file SlackFile) (id.EventID, error) {
	team := r.teamClient()
	if team == nil || team.API() == nil {
		return "", fmt.Errorf("no bot client to download file %s", file.ID)
	}
	var buf bytes.Buffer
	if err := team.API().GetFileContext(ctx, file.URLPrivate, &buf); err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}
	uri, err := r.bridge.Matrix.UploadMedia(ctx, buf.Bytes(), file.Mimetype)
	if err != nil {
		return "", fmt.Errorf("failed to upload to Matrix: %w", err)
	}

	msgType := event.MsgFile
	switch {
	case strings.HasPrefix(file.Mimetype, "image/"):
		msgType = event.MsgImage
	case strings.HasPrefix(file.Mimetype, "video/"):
		msgType = event.MsgVideo
	case strings.HasPrefix(file.Mimetype, "audio/"):
		msgType = event.MsgAudio
	}
	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    file.Name,
		URL:     uri.CUString(),
		Info: &event.FileInfo{
			MimeType: file.Mimetype,
			Size:     file.Size,
		},
	}
	return intent.SendMessage(ctx, r.matrixRoomID, content)
}

func (r *BridgedRoom) enqueueSlackEdit(msg SlackMessage) {
	ctx := context.Background()
	intent := r.ghostForSlackUser(ctx, msg.User)

	r.queue.Enqueue("edit", func(ctx context.Context) error {
		if err := r.gate.Wait(ctx); err != nil {
			return err
		}
		entry, err := r.bridge.Store.GetEventBySlackID(ctx, msg.Channel, msg.Timestamp)
		if err != nil || entry == nil {
			r.log.Warn().Err(err).Str("ts", msg.Timestamp).Msg("No mapping for edited message")
			return nil
		}
		content := r.slackTextToContent(ctx, msg.Text)
		content.SetEdit(entry.MatrixEventID)
		if err := intent.EnsureJoined(ctx, r.matrixRoomID); err != nil {
			intent = r.bridge.Matrix.BotIntent()
		}
		if _, err := intent.SendMessage(ctx, r.matrixRoomID, content); err != nil {
			return fmt.Errorf("failed to send edit: %w", err)
		}
		r.recordActivity(ctx, intent.UserID(), msg.User)
		return nil
	})
}

func (r *BridgedRoom) enqueueSlackDelete(msg SlackMessage) {
	r.queue.Enqueue("delete", func(ctx context.Context) error {
		entry, err := r.bridge.Store.GetEventBySlackID(ctx, msg.Channel, msg.DeletedTS)
		if err != nil || entry == nil {
			r.log.Warn().Err(err).Str("ts", msg.DeletedTS).Msg("No mapping for deleted message")
			return nil
		}
		// Redact as the deleting user's ghost; if that identity cannot act,
		// fall back to the bridge bot rather than failing silently.
		var redactErr error
		if msg.User != "" {
			ghost := r.bridge.Matrix.GhostIntent(r.SlackTeamID(), msg.User)
			redactErr = ghost.RedactEvent(ctx, r.matrixRoomID, entry.MatrixEventID)
		} else {
			redactErr = fmt.Errorf("deleter unknown")
		}
		if redactErr != nil {
			if err := r.bridge.Matrix.BotIntent().RedactEvent(ctx, r.matrixRoomID, entry.MatrixEventID); err != nil {
				return fmt.Errorf("failed to redact message: %w", err)
			}
		}
		if err := r.bridge.Store.DeleteEventByMatrixID(ctx, r.matrixRoomID, entry.MatrixEventID); err != nil {
			r.log.Warn().Err(err).Msg("Failed to delete event mapping")
		}
		return nil
	})
}

// OnSlackReaction relays reaction_added/reaction_removed into the room.
func (r *BridgedRoom) OnSlackReaction(reaction SlackReaction) {
	team := r.teamClient()
	if team != nil && reaction.User == team.BotUserID() {
		return
	}
	relType := "add"
	if reaction.Removed {
		relType = "remove"
	}
	key := reactionDedupKey(relType, reaction.Reaction, reaction.User, reaction.ItemTS)
	if r.recent.Contains(key) {
		r.log.Debug().Str("reaction", reaction.Reaction).Msg("Suppressed echo of own reaction")
		return
	}

	ctx := context.Background()
	intent := r.ghostForSlackUser(ctx, reaction.User)

	r.queue.Enqueue("reaction", func(ctx context.Context) error {
		if r.recent.Contains(key) {
			return nil
		}
		if reaction.Removed {
			return r.deliverSlackReactionRemove(ctx, reaction)
		}
		return r.deliverSlackReaction(ctx, intent, reaction)
	})
}

func (r *BridgedRoom) deliverSlackReaction(ctx context.Context, intent MatrixIntent, reaction SlackReaction) error {
	entry, err := r.bridge.Store.GetEventBySlackID(ctx, reaction.Channel, reaction.ItemTS)
	if err != nil || entry == nil {
		r.log.Warn().Err(err).Str("ts", reaction.ItemTS).Msg("No mapping for reaction target")
		return nil
	}
	if err := intent.EnsureJoined(ctx, r.matrixRoomID); err != nil {
		intent = r.bridge.Matrix.BotIntent()
	}
	eventID, err := intent.SendReaction(ctx, r.matrixRoomID, entry.MatrixEventID, slackfmt.EmojiToUnicode(reaction.Reaction))
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	if err := r.bridge.Store.UpsertReaction(ctx, &ReactionEntry{
		MatrixRoomID:   r.matrixRoomID,
		MatrixEventID:  eventID,
		SlackChannelID: reaction.Channel,
		SlackMessageTS: reaction.ItemTS,
		SlackUserID:    reaction.User,
		Reaction:       reaction.Reaction,
	}); err != nil {
		r.log.Error().Err(err).Msg("Failed to store reaction mapping")
	}
	r.recordActivity(ctx, intent.UserID(), reaction.User)
	return nil
}

func (r *BridgedRoom) deliverSlackReactionRemove(ctx context.Context, reaction SlackReaction) error {
	entry, err := r.bridge.Store.GetReactionBySlackID(ctx, reaction.Channel, reaction.ItemTS, reaction.User, reaction.Reaction)
	if err != nil || entry == nil {
		r.log.Warn().Err(err).Str("ts", reaction.ItemTS).Msg("No mapping for removed reaction")
		return nil
	}
	ghost := r.bridge.Matrix.GhostIntent(r.SlackTeamID(), reaction.User)
	if err := ghost.RedactEvent(ctx, r.matrixRoomID, entry.MatrixEventID); err != nil {
		if err := r.bridge.Matrix.BotIntent().RedactEvent(ctx, r.matrixRoomID, entry.MatrixEventID); err != nil {
			return fmt.Errorf("failed to redact reaction: %w", err)
		}
	}
	if err := r.bridge.Store.DeleteReactionBySlackID(ctx, reaction.Channel, reaction.ItemTS, reaction.User, reaction.Reaction); err != nil {
		r.log.Warn().Err(err).Msg("Failed to delete reaction mapping")
	}
	return nil
}

// OnSlackTyping relays a typing indicator. Typing is transient, so it skips
// the delivery queue entirely.
func (r *BridgedRoom) OnSlackTyping(typing SlackTyping) {
	team := r.teamClient()
	if team != nil && typing.User == team.BotUserID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), typingTimeout)
	defer cancel()
	ghost := r.bridge.Matrix.GhostIntent(r.SlackTeamID(), typing.User)
	if err := ghost.SendTyping(ctx, r.matrixRoomID, true, typingTimeout); err != nil {
		r.log.Debug().Err(err).Msg("Failed to send typing notification")
	}
}

// slackTextToContent transcodes Slack mrkdwn into Matrix message content,
// resolving <@U…> mentions to ghost pills.
func (r *BridgedRoom) slackTextToContent(ctx context.Context, text string) *event.MessageEventContent {
	parsed := slackfmt.Parse(text, r.mentionResolver(ctx))
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    parsed.Body,
	}
	if parsed.FormattedBody != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = parsed.FormattedBody
	}
	return content
}

// mentionResolver maps a Slack user ID to a display name and the ghost Matrix
// ID for pill rendering.
func (r *BridgedRoom) mentionResolver(ctx context.Context) slackfmt.MentionResolver {
	return func(slackUserID string) (string, string) {
		mxid := r.bridge.Matrix.GhostUserID(r.SlackTeamID(), slackUserID)
		name := slackUserID
		if team := r.teamClient(); team != nil && team.API() != nil {
			if user, err := team.API().GetUserInfoContext(ctx, slackUserID); err == nil {
				if user.Profile.DisplayName != "" {
					name = user.Profile.DisplayName
				} else if user.Name != "" {
					name = user.Name
				}
			}
		}
		return name, string(mxid)
	}
}
