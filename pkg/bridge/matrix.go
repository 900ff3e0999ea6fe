// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixIntent is one Matrix identity (the bridge bot or a ghost) acting on
// the homeserver. Implementations wrap an appservice intent; tests inject
// recorders.
type MatrixIntent interface {
	UserID() id.UserID
	EnsureJoined(ctx context.Context, roomID id.RoomID) error
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	InviteUser(ctx context.Context, roomID id.RoomID, target id.UserID) error
	SendTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error
	SetDisplayName(ctx context.Context, name string) error
}

// MatrixAPI is the homeserver collaborator consumed by the bridge core.
type MatrixAPI interface {
	BotIntent() MatrixIntent
	GhostIntent(teamID, slackUserID string) MatrixIntent
	// UserIntent returns the intent for an already-derived bridge user ID.
	UserIntent(userID id.UserID) MatrixIntent
	BotUserID() id.UserID
	// IsBridgeUser reports whether the user is the bridge bot or one of its
	// ghosts. Events from such users are never reflected back to Slack.
	IsBridgeUser(userID id.UserID) bool
	GhostUserID(teamID, slackUserID string) id.UserID

	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error)
	UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURI, error)
}

// MatrixConnector implements MatrixAPI on top of a mautrix appservice.
type MatrixConnector struct {
	as          *appservice.AppService
	domain      string
	ghostPrefix string
}

var _ MatrixAPI = (*MatrixConnector)(nil)

func NewMatrixConnector(as *appservice.AppService, domain, ghostPrefix string) *MatrixConnector {
	if ghostPrefix == "" {
		ghostPrefix = "slack_"
	}
	return &MatrixConnector{as: as, domain: domain, ghostPrefix: ghostPrefix}
}

func (m *MatrixConnector) BotIntent() MatrixIntent {
	return &matrixIntent{intent: m.as.BotIntent()}
}

// GhostUserID derives the deterministic Matrix ID of the ghost representing a
// Slack user.
func (m *MatrixConnector) GhostUserID(teamID, slackUserID string) id.UserID {
	localpart := fmt.Sprintf("%s%s_%s", m.ghostPrefix, strings.ToLower(teamID), strings.ToLower(slackUserID))
	return id.NewUserID(localpart, m.domain)
}

func (m *MatrixConnector) GhostIntent(teamID, slackUserID string) MatrixIntent {
	return &matrixIntent{intent: m.as.Intent(m.GhostUserID(teamID, slackUserID))}
}

func (m *MatrixConnector) UserIntent(userID id.UserID) MatrixIntent {
	return &matrixIntent{intent: m.as.Intent(userID)}
}

func (m *MatrixConnector) BotUserID() id.UserID {
	return m.as.BotMXID()
}

func (m *MatrixConnector) IsBridgeUser(userID id.UserID) bool {
	if userID == m.as.BotMXID() {
		return true
	}
	localpart, homeserver, err := userID.Parse()
	if err != nil || homeserver != m.domain {
		return false
	}
	return strings.HasPrefix(localpart, m.ghostPrefix)
}

func (m *MatrixConnector) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	return m.as.BotClient().GetEvent(ctx, roomID, eventID)
}

func (m *MatrixConnector) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := m.as.BotClient().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

func (m *MatrixConnector) DownloadMedia(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	return m.as.BotClient().DownloadBytes(ctx, uri)
}

func (m *MatrixConnector) UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURI, error) {
	resp, err := m.as.BotClient().UploadBytes(ctx, data, mimeType)
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

// matrixIntent adapts an appservice IntentAPI to the narrow surface the
// bridge needs.
type matrixIntent struct {
	intent *appservice.IntentAPI
}

var _ MatrixIntent = (*matrixIntent)(nil)

func (i *matrixIntent) UserID() id.UserID {
	return i.intent.UserID
}

func (i *matrixIntent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	return i.intent.EnsureJoined(ctx, roomID)
}

func (i *matrixIntent) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *matrixIntent) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	content := event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     key,
		},
	}
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventReaction, &content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *matrixIntent) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := i.intent.RedactEvent(ctx, roomID, eventID)
	return err
}

func (i *matrixIntent) InviteUser(ctx context.Context, roomID id.RoomID, target id.UserID) error {
	_, err := i.intent.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: target})
	return err
}

func (i *matrixIntent) SendTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	_, err := i.intent.UserTyping(ctx, roomID, typing, timeout)
	return err
}

func (i *matrixIntent) SetDisplayName(ctx context.Context, name string) error {
	return i.intent.SetDisplayName(ctx, name)
}
