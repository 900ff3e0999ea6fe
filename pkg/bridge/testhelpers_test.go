// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// memoryStore is an in-memory Store for tests.
type memoryStore struct {
	mu sync.Mutex

	eventsBySlack  map[string]*EventEntry
	eventsByMatrix map[string]*EventEntry
	reactBySlack   map[string]*ReactionEntry
	reactByMatrix  map[string]*ReactionEntry

	puppetTokenBySlack  map[string]string
	puppetMatrixBySlack map[string]id.UserID
	puppetTokenByMatrix map[string]string

	rooms map[id.RoomID]*RoomEntry

	activityCalls int

	failUpsertEvent bool
	failUpsertRoom  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		eventsBySlack:       make(map[string]*EventEntry),
		eventsByMatrix:      make(map[string]*EventEntry),
		reactBySlack:        make(map[string]*ReactionEntry),
		reactByMatrix:       make(map[string]*ReactionEntry),
		puppetTokenBySlack:  make(map[string]string),
		puppetMatrixBySlack: make(map[string]id.UserID),
		puppetTokenByMatrix: make(map[string]string),
		rooms:               make(map[id.RoomID]*RoomEntry),
	}
}

func slackEventKey(channelID, ts string) string  { return channelID + "|" + ts }
func matrixEventKey(roomID id.RoomID, eventID id.EventID) string {
	return string(roomID) + "|" + string(eventID)
}
func reactionSlackKey(channelID, ts, user, reaction string) string {
	return strings.Join([]string{channelID, ts, user, reaction}, "|")
}

func (s *memoryStore) GetEventByMatrixID(_ context.Context, roomID id.RoomID, eventID id.EventID) (*EventEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.eventsByMatrix[matrixEventKey(roomID, eventID)]
	if entry == nil {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (s *memoryStore) GetEventBySlackID(_ context.Context, channelID, ts string) (*EventEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.eventsBySlack[slackEventKey(channelID, ts)]
	if entry == nil {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (s *memoryStore) UpsertEvent(_ context.Context, entry *EventEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsertEvent {
		return fmt.Errorf("store down")
	}
	cp := *entry
	s.eventsBySlack[slackEventKey(entry.SlackChannelID, entry.SlackTS)] = &cp
	s.eventsByMatrix[matrixEventKey(entry.MatrixRoomID, entry.MatrixEventID)] = &cp
	return nil
}

func (s *memoryStore) DeleteEventByMatrixID(_ context.Context, roomID id.RoomID, eventID id.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.eventsByMatrix[matrixEventKey(roomID, eventID)]
	if entry != nil {
		delete(s.eventsBySlack, slackEventKey(entry.SlackChannelID, entry.SlackTS))
	}
	delete(s.eventsByMatrix, matrixEventKey(roomID, eventID))
	return nil
}

func (s *memoryStore) GetReactionByMatrixID(_ context.Context, roomID id.RoomID, eventID id.EventID) (*ReactionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.reactByMatrix[matrixEventKey(roomID, eventID)]
	if entry == nil {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (s *memoryStore) GetReactionBySlackID(_ context.Context, channelID, ts, slackUserID, reaction string) (*ReactionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.reactBySlack[reactionSlackKey(channelID, ts, slackUserID, reaction)]
	if entry == nil {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (s *memoryStore) UpsertReaction(_ context.Context, entry *ReactionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.reactBySlack[reactionSlackKey(entry.SlackChannelID, entry.SlackMessageTS, entry.SlackUserID, entry.Reaction)] = &cp
	s.reactByMatrix[matrixEventKey(entry.MatrixRoomID, entry.MatrixEventID)] = &cp
	return nil
}

func (s *memoryStore) DeleteReactionByMatrixID(_ context.Context, roomID id.RoomID, eventID id.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.reactByMatrix[matrixEventKey(roomID, eventID)]
	if entry != nil {
		delete(s.reactBySlack, reactionSlackKey(entry.SlackChannelID, entry.SlackMessageTS, entry.SlackUserID, entry.Reaction))
	}
	delete(s.reactByMatrix, matrixEventKey(roomID, eventID))
	return nil
}

func (s *memoryStore) DeleteReactionBySlackID(_ context.Context, channelID, ts, slackUserID, reaction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.reactBySlack[reactionSlackKey(channelID, ts, slackUserID, reaction)]
	if entry != nil {
		delete(s.reactByMatrix, matrixEventKey(entry.MatrixRoomID, entry.MatrixEventID))
	}
	delete(s.reactBySlack, reactionSlackKey(channelID, ts, slackUserID, reaction))
	return nil
}

func (s *memoryStore) GetPuppetTokenBySlackID(_ context.Context, teamID, slackUserID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puppetTokenBySlack[teamID+"|"+slackUserID], nil
}

func (s *memoryStore) GetPuppetMatrixUser(_ context.Context, teamID, slackUserID string) (id.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puppetMatrixBySlack[teamID+"|"+slackUserID], nil
}

func (s *memoryStore) GetPuppetTokenByMatrixID(_ context.Context, teamID string, userID id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puppetTokenByMatrix[teamID+"|"+string(userID)], nil
}

func (s *memoryStore) addPuppet(teamID, slackUserID string, userID id.UserID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puppetTokenBySlack[teamID+"|"+slackUserID] = token
	s.puppetMatrixBySlack[teamID+"|"+slackUserID] = userID
	s.puppetTokenByMatrix[teamID+"|"+string(userID)] = token
}

func (s *memoryStore) UpsertRoom(_ context.Context, entry *RoomEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsertRoom {
		return fmt.Errorf("store down")
	}
	cp := *entry
	s.rooms[entry.MatrixRoomID] = &cp
	return nil
}

func (s *memoryStore) DeleteRoom(_ context.Context, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

func (s *memoryStore) GetAllRooms(_ context.Context) ([]*RoomEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*RoomEntry, 0, len(s.rooms))
	for _, entry := range s.rooms {
		cp := *entry
		entries = append(entries, &cp)
	}
	return entries, nil
}

func (s *memoryStore) UpsertActivityMetrics(_ context.Context, _ id.UserID, _, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityCalls++
	return nil
}

// sentMessage is one recorded intent send.
type sentMessage struct {
	roomID  id.RoomID
	content *event.MessageEventContent
	eventID id.EventID
}

// fakeIntent records Matrix intent calls.
type fakeIntent struct {
	mu     sync.Mutex
	userID id.UserID

	sendDelay time.Duration
	joinErr   error

	joins       []id.RoomID
	messages    []sentMessage
	reactions   []string
	redactions  []id.EventID
	invites     []id.UserID
	typingCalls int
	displayName string

	counter *atomic.Int64
}

func (f *fakeIntent) UserID() id.UserID { return f.userID }

func (f *fakeIntent) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, roomID)
	return nil
}

func (f *fakeIntent) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	eventID := id.EventID(fmt.Sprintf("$sent-%d", f.counter.Add(1)))
	f.messages = append(f.messages, sentMessage{roomID: roomID, content: content, eventID: eventID})
	return eventID, nil
}

func (f *fakeIntent) SendReaction(_ context.Context, _ id.RoomID, target id.EventID, key string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, string(target)+"|"+key)
	return id.EventID(fmt.Sprintf("$sent-%d", f.counter.Add(1))), nil
}

func (f *fakeIntent) RedactEvent(_ context.Context, _ id.RoomID, eventID id.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redactions = append(f.redactions, eventID)
	return nil
}

func (f *fakeIntent) InviteUser(_ context.Context, _ id.RoomID, target id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, target)
	return nil
}

func (f *fakeIntent) SendTyping(_ context.Context, _ id.RoomID, _ bool, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingCalls++
	return nil
}

func (f *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayName = name
	return nil
}

func (f *fakeIntent) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

func (f *fakeIntent) sentRedactions() []id.EventID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.EventID(nil), f.redactions...)
}

// fakeMatrix implements MatrixAPI with recorded per-identity intents.
type fakeMatrix struct {
	mu      sync.Mutex
	domain  string
	prefix  string
	bot     *fakeIntent
	ghosts  map[id.UserID]*fakeIntent
	events  map[id.EventID]*event.Event
	counter atomic.Int64
}

func newFakeMatrix() *fakeMatrix {
	m := &fakeMatrix{
		domain: "example.com",
		prefix: "slack_",
		ghosts: make(map[id.UserID]*fakeIntent),
		events: make(map[id.EventID]*event.Event),
	}
	m.bot = &fakeIntent{userID: id.NewUserID("slackbot", m.domain), counter: &m.counter}
	return m
}

func (m *fakeMatrix) BotIntent() MatrixIntent { return m.bot }

func (m *fakeMatrix) GhostUserID(teamID, slackUserID string) id.UserID {
	return id.NewUserID(m.prefix+strings.ToLower(teamID)+"_"+strings.ToLower(slackUserID), m.domain)
}

func (m *fakeMatrix) GhostIntent(teamID, slackUserID string) MatrixIntent {
	return m.intentFor(m.GhostUserID(teamID, slackUserID))
}

func (m *fakeMatrix) UserIntent(userID id.UserID) MatrixIntent {
	return m.intentFor(userID)
}

func (m *fakeMatrix) intentFor(userID id.UserID) *fakeIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ghost, ok := m.ghosts[userID]; ok {
		return ghost
	}
	ghost := &fakeIntent{userID: userID, counter: &m.counter}
	m.ghosts[userID] = ghost
	return ghost
}

func (m *fakeMatrix) BotUserID() id.UserID { return m.bot.userID }

func (m *fakeMatrix) IsBridgeUser(userID id.UserID) bool {
	if userID == m.bot.userID {
		return true
	}
	localpart, homeserver, err := userID.Parse()
	if err != nil || homeserver != m.domain {
		return false
	}
	return strings.HasPrefix(localpart, m.prefix)
}

func (m *fakeMatrix) GetEvent(_ context.Context, _ id.RoomID, eventID id.EventID) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s not found", eventID)
	}
	return evt, nil
}

func (m *fakeMatrix) addEvent(evt *event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[evt.ID] = evt
}

func (m *fakeMatrix) JoinedMembers(_ context.Context, _ id.RoomID) ([]id.UserID, error) {
	return nil, nil
}

func (m *fakeMatrix) DownloadMedia(_ context.Context, _ id.ContentURI) ([]byte, error) {
	return []byte("media-bytes"), nil
}

func (m *fakeMatrix) UploadMedia(_ context.Context, _ []byte, _ string) (id.ContentURI, error) {
	return id.ContentURI{Homeserver: m.domain, FileID: "uploaded"}, nil
}

// postedMessage is one recorded Slack API send.
type postedMessage struct {
	channelID string
	ts        string
}

// fakeSlackAPI records Slack web API calls and fails on demand.
type fakeSlackAPI struct {
	mu sync.Mutex

	authUserID string

	postErrs []error
	tsSeq    int

	posts     []postedMessage
	updates   []string
	deletes   []string
	reactAdd  []string
	reactRm   []string
	joins     []string
	userInfos map[string]*slack.User
	uploads   int
}

func newFakeSlackAPI(userID string) *fakeSlackAPI {
	return &fakeSlackAPI{authUserID: userID, userInfos: make(map[string]*slack.User)}
}

func (f *fakeSlackAPI) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: f.authUserID, TeamID: "T1"}, nil
}

func (f *fakeSlackAPI) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.postErrs) > 0 {
		err := f.postErrs[0]
		f.postErrs = f.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	f.tsSeq++
	ts := fmt.Sprintf("1700000000.%06d", f.tsSeq)
	f.posts = append(f.posts, postedMessage{channelID: channelID, ts: ts})
	return channelID, ts, nil
}

func (f *fakeSlackAPI) UpdateMessageContext(_ context.Context, channelID, timestamp string, _ ...slack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, channelID+"|"+timestamp)
	return channelID, timestamp, "", nil
}

func (f *fakeSlackAPI) DeleteMessageContext(_ context.Context, channel, messageTimestamp string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, channel+"|"+messageTimestamp)
	return channel, messageTimestamp, nil
}

func (f *fakeSlackAPI) AddReactionContext(_ context.Context, name string, item slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactAdd = append(f.reactAdd, name+"|"+item.Timestamp)
	return nil
}

func (f *fakeSlackAPI) RemoveReactionContext(_ context.Context, name string, item slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactRm = append(f.reactRm, name+"|"+item.Timestamp)
	return nil
}

func (f *fakeSlackAPI) JoinConversationContext(_ context.Context, channelID string) (*slack.Channel, string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, channelID)
	return nil, "", nil, nil
}

func (f *fakeSlackAPI) InviteUsersToConversationContext(_ context.Context, _ string, _ ...string) (*slack.Channel, error) {
	return nil, nil
}

func (f *fakeSlackAPI) LeaveConversationContext(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (f *fakeSlackAPI) GetUserInfoContext(_ context.Context, user string) (*slack.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.userInfos[user]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("user %s not found", user)
}

func (f *fakeSlackAPI) UploadFileV2Context(_ context.Context, _ slack.UploadFileV2Parameters) (*slack.FileSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return &slack.FileSummary{ID: "F1"}, nil
}

func (f *fakeSlackAPI) GetFileContext(_ context.Context, _ string, writer io.Writer) error {
	_, err := writer.Write([]byte("file-bytes"))
	return err
}

func (f *fakeSlackAPI) postedTimestamps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	timestamps := make([]string, len(f.posts))
	for i, post := range f.posts {
		timestamps[i] = post.ts
	}
	return timestamps
}

// testEnv bundles a bridge wired with fakes and one ready room.
type testEnv struct {
	bridge *Bridge
	store  *memoryStore
	matrix *fakeMatrix
	slack  *fakeSlackAPI
	team   *TeamClient
	room   *BridgedRoom
}

func newTestEnv(t *testing.T, entry *RoomEntry) *testEnv {
	t.Helper()
	st := newMemoryStore()
	matrix := newFakeMatrix()
	b := New(zerolog.Nop(), st, matrix)

	api := newFakeSlackAPI("UBOT")
	team := NewTeamClient(b, nil, ResolvedTeam{ID: "T1", Name: "testteam"})
	team.api = api
	team.botUserID = "UBOT"
	b.AddTeam(team)

	if entry == nil {
		entry = &RoomEntry{
			MatrixRoomID:   "!room:example.com",
			InboundID:      "inbound-1",
			SlackChannelID: "C1",
			SlackTeamID:    "T1",
			SlackType:      ChannelTypeChannel,
		}
	}
	room, err := NewBridgedRoom(b, entry, team)
	if err != nil {
		t.Fatalf("NewBridgedRoom: %v", err)
	}
	b.AddRoom(room)
	t.Cleanup(room.Stop)

	return &testEnv{bridge: b, store: st, matrix: matrix, slack: api, team: team, room: room}
}

// flushQueue waits until every task enqueued before the call has run.
func flushQueue(t *testing.T, r *BridgedRoom) {
	t.Helper()
	done := make(chan struct{})
	r.queue.Enqueue("flush", func(context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue flush timed out")
	}
}

func messageEvent(roomID id.RoomID, sender id.UserID, eventID id.EventID, body string) *event.Event {
	return &event.Event{
		ID:     eventID,
		RoomID: roomID,
		Sender: sender,
		Type:   event.EventMessage,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}
