// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store implements the bridge's persistence layer on go.mau.fi/util/dbutil,
// backed by SQLite or Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/enshittification/matrix-appservice-slack/pkg/bridge"
)

// SQLStore implements bridge.Store.
type SQLStore struct {
	db *dbutil.Database
}

var _ bridge.Store = (*SQLStore)(nil)

// New opens the database and ensures the schema exists. dialect is "sqlite3"
// or "postgres".
func New(ctx context.Context, uri, dialect string, log zerolog.Logger) (*SQLStore, error) {
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, err
	}
	db.Log = dbutil.ZeroLogger(log)
	s := &SQLStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS room_pairing (
		matrix_room_id     TEXT PRIMARY KEY,
		inbound_id         TEXT NOT NULL UNIQUE,
		slack_channel_id   TEXT NOT NULL DEFAULT '',
		slack_channel_name TEXT NOT NULL DEFAULT '',
		slack_team_id      TEXT NOT NULL DEFAULT '',
		slack_type         TEXT NOT NULL DEFAULT 'unknown',
		is_private         BOOLEAN NOT NULL DEFAULT false,
		is_encrypted       BOOLEAN NOT NULL DEFAULT false,
		slack_webhook_uri  TEXT NOT NULL DEFAULT '',
		puppet_owner       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS event_mapping (
		matrix_room_id   TEXT NOT NULL,
		matrix_event_id  TEXT NOT NULL,
		slack_channel_id TEXT NOT NULL,
		slack_ts         TEXT NOT NULL,
		thread_tail      TEXT,
		PRIMARY KEY (slack_channel_id, slack_ts)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS event_mapping_matrix_idx
		ON event_mapping (matrix_room_id, matrix_event_id)`,
	`CREATE TABLE IF NOT EXISTS reaction_mapping (
		matrix_room_id   TEXT NOT NULL,
		matrix_event_id  TEXT NOT NULL,
		slack_channel_id TEXT NOT NULL,
		slack_message_ts TEXT NOT NULL,
		slack_user_id    TEXT NOT NULL,
		reaction         TEXT NOT NULL,
		PRIMARY KEY (slack_channel_id, slack_message_ts, slack_user_id, reaction)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS reaction_mapping_matrix_idx
		ON reaction_mapping (matrix_room_id, matrix_event_id)`,
	`CREATE TABLE IF NOT EXISTS puppet (
		team_id        TEXT NOT NULL,
		slack_user_id  TEXT NOT NULL,
		matrix_user_id TEXT NOT NULL,
		token          TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (team_id, slack_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_activity (
		team_id        TEXT NOT NULL,
		slack_user_id  TEXT NOT NULL,
		matrix_user_id TEXT NOT NULL,
		last_active    BIGINT NOT NULL,
		PRIMARY KEY (team_id, slack_user_id, matrix_user_id)
	)`,
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const (
	getEventByMatrixIDQuery = `
		SELECT matrix_room_id, matrix_event_id, slack_channel_id, slack_ts, thread_tail
		FROM event_mapping WHERE matrix_room_id=$1 AND matrix_event_id=$2
	`
	getEventBySlackIDQuery = `
		SELECT matrix_room_id, matrix_event_id, slack_channel_id, slack_ts, thread_tail
		FROM event_mapping WHERE slack_channel_id=$1 AND slack_ts=$2
	`
	upsertEventQuery = `
		INSERT INTO event_mapping (matrix_room_id, matrix_event_id, slack_channel_id, slack_ts, thread_tail)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (slack_channel_id, slack_ts) DO UPDATE
			SET matrix_room_id=excluded.matrix_room_id,
			    matrix_event_id=excluded.matrix_event_id,
			    thread_tail=excluded.thread_tail
	`
	deleteEventByMatrixIDQuery = `
		DELETE FROM event_mapping WHERE matrix_room_id=$1 AND matrix_event_id=$2
	`
)

func (s *SQLStore) scanEvent(row dbutil.Scannable) (*bridge.EventEntry, error) {
	var entry bridge.EventEntry
	err := row.Scan(
		&entry.MatrixRoomID, &entry.MatrixEventID,
		&entry.SlackChannelID, &entry.SlackTS,
		&dbutil.JSON{Data: &entry.ThreadTail},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLStore) GetEventByMatrixID(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*bridge.EventEntry, error) {
	return s.scanEvent(s.db.QueryRow(ctx, getEventByMatrixIDQuery, roomID, eventID))
}

func (s *SQLStore) GetEventBySlackID(ctx context.Context, channelID, ts string) (*bridge.EventEntry, error) {
	return s.scanEvent(s.db.QueryRow(ctx, getEventBySlackIDQuery, channelID, ts))
}

func (s *SQLStore) UpsertEvent(ctx context.Context, entry *bridge.EventEntry) error {
	_, err := s.db.Exec(ctx, upsertEventQuery,
		entry.MatrixRoomID, entry.MatrixEventID,
		entry.SlackChannelID, entry.SlackTS,
		dbutil.JSON{Data: entry.ThreadTail},
	)
	return err
}

func (s *SQLStore) DeleteEventByMatrixID(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := s.db.Exec(ctx, deleteEventByMatrixIDQuery, roomID, eventID)
	return err
}

const (
	getReactionByMatrixIDQuery = `
		SELECT matrix_room_id, matrix_event_id, slack_channel_id, slack_message_ts, slack_user_id, reaction
		FROM reaction_mapping WHERE matrix_room_id=$1 AND matrix_event_id=$2
	`
	getReactionBySlackIDQuery = `
		SELECT matrix_room_id, matrix_event_id, slack_channel_id, slack_message_ts, slack_user_id, reaction
		FROM reaction_mapping
		WHERE slack_channel_id=$1 AND slack_message_ts=$2 AND slack_user_id=$3 AND reaction=$4
	`
	upsertReactionQuery = `
		INSERT INTO reaction_mapping (matrix_room_id, matrix_event_id, slack_channel_id, slack_message_ts, slack_user_id, reaction)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slack_channel_id, slack_message_ts, slack_user_id, reaction) DO UPDATE
			SET matrix_room_id=excluded.matrix_room_id,
			    matrix_event_id=excluded.matrix_event_id
	`
	deleteReactionByMatrixIDQuery = `
		DELETE FROM reaction_mapping WHERE matrix_room_id=$1 AND matrix_event_id=$2
	`
	deleteReactionBySlackIDQuery = `
		DELETE FROM reaction_mapping
		WHERE slack_channel_id=$1 AND slack_message_ts=$2 AND slack_user_id=$3 AND reaction=$4
	`
)

func (s *SQLStore) scanReaction(row dbutil.Scannable) (*bridge.ReactionEntry, error) {
	var entry bridge.ReactionEntry
	err := row.Scan(
		&entry.MatrixRoomID, &entry.MatrixEventID,
		&entry.SlackChannelID, &entry.SlackMessageTS,
		&entry.SlackUserID, &entry.Reaction,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLStore) GetReactionByMatrixID(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*bridge.ReactionEntry, error) {
	return s.scanReaction(s.db.QueryRow(ctx, getReactionByMatrixIDQuery, roomID, eventID))
}

func (s *SQLStore) GetReactionBySlackID(ctx context.Context, channelID, ts, slackUserID, reaction string) (*bridge.ReactionEntry, error) {
	return s.scanReaction(s.db.QueryRow(ctx, getReactionBySlackIDQuery, channelID, ts, slackUserID, reaction))
}

func (s *SQLStore) UpsertReaction(ctx context.Context, entry *bridge.ReactionEntry) error {
	_, err := s.db.Exec(ctx, upsertReactionQuery,
		entry.MatrixRoomID, entry.MatrixEventID,
		entry.SlackChannelID, entry.SlackMessageTS,
		entry.SlackUserID, entry.Reaction,
	)
	return err
}

func (s *SQLStore) DeleteReactionByMatrixID(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := s.db.Exec(ctx, deleteReactionByMatrixIDQuery, roomID, eventID)
	return err
}

func (s *SQLStore) DeleteReactionBySlackID(ctx context.Context, channelID, ts, slackUserID, reaction string) error {
	_, err := s.db.Exec(ctx, deleteReactionBySlackIDQuery, channelID, ts, slackUserID, reaction)
	return err
}

const (
	getPuppetTokenBySlackIDQuery = `
		SELECT token FROM puppet WHERE team_id=$1 AND slack_user_id=$2
	`
	getPuppetMatrixUserQuery = `
		SELECT matrix_user_id FROM puppet WHERE team_id=$1 AND slack_user_id=$2
	`
	getPuppetTokenByMatrixIDQuery = `
		SELECT token FROM puppet WHERE team_id=$1 AND matrix_user_id=$2 LIMIT 1
	`
	upsertPuppetQuery = `
		INSERT INTO puppet (team_id, slack_user_id, matrix_user_id, token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, slack_user_id) DO UPDATE
			SET matrix_user_id=excluded.matrix_user_id,
			    token=excluded.token
	`
)

func (s *SQLStore) scanString(row dbutil.Scannable) (string, error) {
	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return value, nil
}

func (s *SQLStore) GetPuppetTokenBySlackID(ctx context.Context, teamID, slackUserID string) (string, error) {
	return s.scanString(s.db.QueryRow(ctx, getPuppetTokenBySlackIDQuery, teamID, slackUserID))
}

func (s *SQLStore) GetPuppetMatrixUser(ctx context.Context, teamID, slackUserID string) (id.UserID, error) {
	mxid, err := s.scanString(s.db.QueryRow(ctx, getPuppetMatrixUserQuery, teamID, slackUserID))
	return id.UserID(mxid), err
}

func (s *SQLStore) GetPuppetTokenByMatrixID(ctx context.Context, teamID string, userID id.UserID) (string, error) {
	return s.scanString(s.db.QueryRow(ctx, getPuppetTokenByMatrixIDQuery, teamID, userID))
}

// UpsertPuppet links a Slack user to a Matrix user and token. Not part of the
// bridge.Store interface; used by provisioning tooling.
func (s *SQLStore) UpsertPuppet(ctx context.Context, teamID, slackUserID string, userID id.UserID, token string) error {
	_, err := s.db.Exec(ctx, upsertPuppetQuery, teamID, slackUserID, userID, token)
	return err
}

const (
	upsertRoomQuery = `
		INSERT INTO room_pairing (
			matrix_room_id, inbound_id, slack_channel_id, slack_channel_name,
			slack_team_id, slack_type, is_private, is_encrypted,
			slack_webhook_uri, puppet_owner
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (matrix_room_id) DO UPDATE
			SET inbound_id=excluded.inbound_id,
			    slack_channel_id=excluded.slack_channel_id,
			    slack_channel_name=excluded.slack_channel_name,
			    slack_team_id=excluded.slack_team_id,
			    slack_type=excluded.slack_type,
			    is_private=excluded.is_private,
			    is_encrypted=excluded.is_encrypted,
			    slack_webhook_uri=excluded.slack_webhook_uri,
			    puppet_owner=excluded.puppet_owner
	`
	deleteRoomQuery  = `DELETE FROM room_pairing WHERE matrix_room_id=$1`
	getAllRoomsQuery = `
		SELECT matrix_room_id, inbound_id, slack_channel_id, slack_channel_name,
		       slack_team_id, slack_type, is_private, is_encrypted,
		       slack_webhook_uri, puppet_owner
		FROM room_pairing
	`
)

func (s *SQLStore) UpsertRoom(ctx context.Context, entry *bridge.RoomEntry) error {
	_, err := s.db.Exec(ctx, upsertRoomQuery,
		entry.MatrixRoomID, entry.InboundID,
		entry.SlackChannelID, entry.SlackChannelName,
		entry.SlackTeamID, string(entry.SlackType),
		entry.IsPrivate, entry.IsEncrypted,
		entry.SlackWebhookURI, entry.PuppetOwner,
	)
	return err
}

func (s *SQLStore) DeleteRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := s.db.Exec(ctx, deleteRoomQuery, roomID)
	return err
}

func (s *SQLStore) GetAllRooms(ctx context.Context) ([]*bridge.RoomEntry, error) {
	rows, err := s.db.Query(ctx, getAllRoomsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*bridge.RoomEntry
	for rows.Next() {
		var entry bridge.RoomEntry
		var slackType string
		if err := rows.Scan(
			&entry.MatrixRoomID, &entry.InboundID,
			&entry.SlackChannelID, &entry.SlackChannelName,
			&entry.SlackTeamID, &slackType,
			&entry.IsPrivate, &entry.IsEncrypted,
			&entry.SlackWebhookURI, &entry.PuppetOwner,
		); err != nil {
			return nil, err
		}
		entry.SlackType = bridge.ChannelType(slackType)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

const upsertActivityQuery = `
	INSERT INTO user_activity (team_id, slack_user_id, matrix_user_id, last_active)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (team_id, slack_user_id, matrix_user_id) DO UPDATE
		SET last_active=excluded.last_active
`

func (s *SQLStore) UpsertActivityMetrics(ctx context.Context, matrixUser id.UserID, teamID, slackUser string, when time.Time) error {
	_, err := s.db.Exec(ctx, upsertActivityQuery, teamID, slackUser, matrixUser, when.Unix())
	return err
}
