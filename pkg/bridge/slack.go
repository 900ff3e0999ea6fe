// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"io"

	"github.com/slack-go/slack"
)

// SlackAPI is the subset of the Slack web API the bridge uses. *slack.Client
// satisfies it directly; tests substitute a recorder.
type SlackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	DeleteMessageContext(ctx context.Context, channel, messageTimestamp string) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	JoinConversationContext(ctx context.Context, channelID string) (*slack.Channel, string, []string, error)
	InviteUsersToConversationContext(ctx context.Context, channelID string, users ...string) (*slack.Channel, error)
	LeaveConversationContext(ctx context.Context, channelID string) (bool, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

var _ SlackAPI = (*slack.Client)(nil)

// isNotInChannel reports whether a Slack API error means the posting identity
// has not joined the target channel. This is the one transient error the
// bridge recovers from, by joining and retrying once.
func isNotInChannel(err error) bool {
	if err == nil {
		return false
	}
	var serr slack.SlackErrorResponse
	if errors.As(err, &serr) {
		return serr.Err == "not_in_channel"
	}
	return err.Error() == "not_in_channel"
}

// SlackMessage is the normalized form of a Slack message event, shared by the
// RTM listener and the Events API ingress.
type SlackMessage struct {
	TeamID  string
	Channel string
	User    string
	BotID   string

	Text            string
	Timestamp       string
	ThreadTimestamp string

	// SubType distinguishes plain messages from message_changed,
	// message_deleted and the join/leave notices Slack folds into the
	// message stream.
	SubType   string
	DeletedTS string

	Files []SlackFile
}

// SlackFile is one attachment carried by a Slack message.
type SlackFile struct {
	ID         string
	Name       string
	Mimetype   string
	URLPrivate string
	Size       int
}

// SlackReaction is the normalized form of a reaction_added/reaction_removed
// event.
type SlackReaction struct {
	TeamID    string
	Channel   string
	User      string
	Reaction  string
	ItemTS    string
	Removed   bool
	ItemUser  string
	EventTS   string
}

// SlackMemberChange is the normalized form of a member_joined_channel event.
// An empty Inviter means the join was unsolicited.
type SlackMemberChange struct {
	TeamID  string
	Channel string
	User    string
	Inviter string
}

// SlackTyping is a user_typing notification (RTM only).
type SlackTyping struct {
	Channel string
	User    string
}
