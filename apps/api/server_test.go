package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/tenant-realtime/pkg/auth"
	"github.com/mahaj/tenant-realtime/pkg/db"
	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/snowflake"
)

type memRepo struct {
	mu            sync.Mutex
	messages      map[string]model.Message
	reactions     map[string]model.Reaction // message|user
	receipts      []model.Receipt
	conversations map[string][]model.Conversation
	notifications map[string]model.Notification
}

func newMemRepo() *memRepo {
	return &memRepo{
		messages:      make(map[string]model.Message),
		reactions:     make(map[string]model.Reaction),
		conversations: make(map[string][]model.Conversation),
		notifications: make(map[string]model.Notification),
	}
}

func (m *memRepo) InsertMessage(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

func (m *memRepo) Messages(_ context.Context, conversationID string, now time.Time) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && !msg.ExpiredAt(now) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memRepo) Message(_ context.Context, id string) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return msg, db.ErrNotFound
	}
	return msg, nil
}

func (m *memRepo) UpdateMessage(ctx context.Context, msg model.Message) error {
	return m.InsertMessage(ctx, msg)
}

func (m *memRepo) DeleteMessage(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, msg.ID)
	return nil
}

func (m *memRepo) Reaction(_ context.Context, messageID, userID string) (model.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reactions[messageID+"|"+userID]
	if !ok {
		return r, db.ErrNotFound
	}
	return r, nil
}

func (m *memRepo) UpsertReaction(_ context.Context, r model.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions[r.MessageID+"|"+r.UserID] = r
	return nil
}

func (m *memRepo) DeleteReaction(_ context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reactions, messageID+"|"+userID)
	return nil
}

func (m *memRepo) InsertReceipt(_ context.Context, r model.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, r)
	return nil
}

func (m *memRepo) UpsertConversation(_ context.Context, userID string, c model.Conversation, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[userID] = append(m.conversations[userID], c)
	return nil
}

func (m *memRepo) Conversations(_ context.Context, userID string) ([]model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Conversation(nil), m.conversations[userID]...), nil
}

func (m *memRepo) InsertNotification(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
	return nil
}

func (m *memRepo) Notifications(_ context.Context, userID string) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memRepo) MarkNotificationsRead(_ context.Context, userID string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var marked []string
	for id, n := range m.notifications {
		if n.UserID != userID || n.Read {
			continue
		}
		if len(ids) > 0 && !contains(ids, id) {
			continue
		}
		n.Read = true
		m.notifications[id] = n
		marked = append(marked, id)
	}
	return marked, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type recordingFeed struct {
	mu      sync.Mutex
	changes []model.Change
}

func (f *recordingFeed) Publish(_ context.Context, changes ...model.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, changes...)
	return nil
}

func (f *recordingFeed) take() []model.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.changes
	f.changes = nil
	return out
}

type staticPresence map[string]bool

func (p staticPresence) Online(_ context.Context, userID string) (bool, error) { return p[userID], nil }

type apiHarness struct {
	srv    *Server
	repo   *memRepo
	feed   *recordingFeed
	signer *auth.Signer
	h      http.Handler
	clock  *clock.Mock
}

func newAPI(t *testing.T) *apiHarness {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	ids, err := snowflake.NewNode(2, mock)
	require.NoError(t, err)
	a := &apiHarness{repo: newMemRepo(), feed: &recordingFeed{}, signer: auth.NewSigner("test"), clock: mock}
	a.srv = &Server{
		repo:     a.repo,
		feed:     a.feed,
		presence: staticPresence{"bob": true},
		signer:   a.signer,
		ids:      ids,
		files:    t.TempDir(),
		now:      mock.Now,
	}
	a.h = a.srv.Routes()
	return a
}

func (a *apiHarness) call(t *testing.T, user, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		tok, err := a.signer.GenerateToken(user, user+"-name")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func (a *apiHarness) send(t *testing.T, user, cid, text string) model.Message {
	t.Helper()
	rec := a.call(t, user, http.MethodPost, "/conversations/"+cid+"/messages", model.Message{Text: text, CorrelationID: "c-" + text})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m model.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestLogin(t *testing.T) {
	a := newAPI(t)
	rec := a.call(t, "", http.MethodPost, "/login", map[string]string{"user_id": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	claims, err := a.signer.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	rec = a.call(t, "", http.MethodPost, "/login", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	a := newAPI(t)
	rec := a.call(t, "", http.MethodGet, "/notifications", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInsertMessage_EchoesAndPublishes(t *testing.T) {
	a := newAPI(t)
	m := a.send(t, "alice", "dm:alice:bob", "hello")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "alice", m.SenderID)
	assert.Equal(t, "alice-name", m.SenderName)
	assert.Equal(t, "c-hello", m.CorrelationID)
	assert.Equal(t, model.DeliverySent, m.Delivery)

	changes := a.feed.take()
	require.Len(t, changes, 1)
	assert.Equal(t, model.RelationMessages, changes[0].Table)
	assert.Equal(t, model.ChangeInsert, changes[0].EventType)
	assert.Equal(t, m.ID, changes[0].New["id"])
	assert.Equal(t, "c-hello", changes[0].New["correlation_id"])

	rec := a.call(t, "bob", http.MethodGet, "/conversations/dm:alice:bob/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []model.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 1)
}

func TestDirectConversationIsPrivate(t *testing.T) {
	a := newAPI(t)
	a.send(t, "alice", "dm:alice:bob", "secret")
	a.feed.take()

	rec := a.call(t, "mallory", http.MethodGet, "/conversations/dm:alice:bob/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.call(t, "mallory", http.MethodPost, "/conversations/dm:alice:bob/messages", model.Message{Text: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.call(t, "alice", http.MethodGet, "/conversations/dm:broken/messages", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, a.feed.take())
}

func TestEphemeralLifetimeUsesServerClock(t *testing.T) {
	a := newAPI(t)
	clientNow := a.clock.Now().Add(-time.Hour) // skewed client clock
	at := clientNow.Add(30 * time.Second)
	rec := a.call(t, "alice", http.MethodPost, "/conversations/team/messages",
		model.Message{Text: "brief", CreatedAt: clientNow, AutoDeleteAt: &at})
	require.Equal(t, http.StatusCreated, rec.Code)
	var m model.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.NotNil(t, m.AutoDeleteAt)
	assert.Equal(t, 30*time.Second, m.AutoDeleteAt.Sub(m.CreatedAt))
}

func TestReact_ReplacesPreviousReaction(t *testing.T) {
	a := newAPI(t)
	m := a.send(t, "alice", "team", "vote")
	a.feed.take()

	path := "/conversations/team/messages/" + m.ID + "/reactions"
	require.Equal(t, http.StatusOK, a.call(t, "bob", http.MethodPut, path, ReactionRequest{Emoji: "👍"}).Code)
	first := a.feed.take()
	require.Len(t, first, 1)
	assert.Equal(t, model.ChangeInsert, first[0].EventType)

	require.Equal(t, http.StatusOK, a.call(t, "bob", http.MethodPut, path, ReactionRequest{Emoji: "🔥"}).Code)
	second := a.feed.take()
	require.Len(t, second, 2)
	assert.Equal(t, model.ChangeDelete, second[0].EventType)
	assert.Equal(t, first[0].New["id"], second[0].Old["id"])
	assert.Equal(t, "🔥", second[1].New["emoji"])

	assert.Equal(t, http.StatusBadRequest, a.call(t, "bob", http.MethodPut, path, ReactionRequest{Emoji: "🍕"}).Code)

	require.Equal(t, http.StatusNoContent, a.call(t, "bob", http.MethodDelete, path, nil).Code)
	removed := a.feed.take()
	require.Len(t, removed, 1)
	assert.Equal(t, model.ChangeDelete, removed[0].EventType)
	assert.Equal(t, http.StatusNotFound, a.call(t, "bob", http.MethodDelete, path, nil).Code)
}

func TestDeleteMessage_SenderOnly(t *testing.T) {
	a := newAPI(t)
	m := a.send(t, "alice", "team", "oops")
	a.feed.take()

	path := "/conversations/team/messages/" + m.ID
	assert.Equal(t, http.StatusForbidden, a.call(t, "bob", http.MethodDelete, path, nil).Code)
	assert.Empty(t, a.feed.take())

	require.Equal(t, http.StatusNoContent, a.call(t, "alice", http.MethodDelete, path, nil).Code)
	changes := a.feed.take()
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeDelete, changes[0].EventType)
	assert.Equal(t, m.ID, changes[0].Old["id"])
	assert.Equal(t, http.StatusNotFound, a.call(t, "alice", http.MethodDelete, path, nil).Code)
}

func TestUpdateMessage_DeliveryNeverRegresses(t *testing.T) {
	a := newAPI(t)
	m := a.send(t, "alice", "dm:alice:bob", "hi")
	path := "/conversations/dm:alice:bob/messages/" + m.ID

	rec := a.call(t, "bob", http.MethodPatch, path, MessagePatch{Delivery: model.DeliveryRead})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.call(t, "bob", http.MethodPatch, path, MessagePatch{Delivery: model.DeliverySent})
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.DeliveryRead, got.Delivery)

	text := "edited"
	assert.Equal(t, http.StatusForbidden, a.call(t, "bob", http.MethodPatch, path, MessagePatch{Text: &text}).Code)
	assert.Equal(t, http.StatusOK, a.call(t, "alice", http.MethodPatch, path, MessagePatch{Text: &text}).Code)
}

func TestReceipts(t *testing.T) {
	a := newAPI(t)
	m := a.send(t, "alice", "dm:alice:bob", "read me")
	own := a.send(t, "bob", "dm:alice:bob", "mine")
	a.feed.take()

	rec := a.call(t, "bob", http.MethodPost, "/conversations/dm:alice:bob/receipts",
		map[string][]string{"message_ids": {m.ID, own.ID, "missing"}})
	require.Equal(t, http.StatusNoContent, rec.Code)

	changes := a.feed.take()
	require.Len(t, changes, 2)
	assert.Equal(t, model.RelationReceipts, changes[0].Table)
	assert.Equal(t, model.RelationMessages, changes[1].Table)
	assert.Equal(t, "read", changes[1].New["delivery_state"])
	require.Len(t, a.repo.receipts, 1)
	assert.Equal(t, "bob", a.repo.receipts[0].UserID)
}

func TestTyping_PublishesWithoutStoring(t *testing.T) {
	a := newAPI(t)
	rec := a.call(t, "bob", http.MethodPut, "/conversations/team/typing", map[string]bool{"is_typing": true})
	require.Equal(t, http.StatusNoContent, rec.Code)
	changes := a.feed.take()
	require.Len(t, changes, 1)
	assert.Equal(t, model.RelationTyping, changes[0].Table)
	assert.Equal(t, true, changes[0].New["is_typing"])
	assert.Equal(t, "bob-name", changes[0].New["user_name"])
	assert.Empty(t, a.repo.messages)
}

func TestConversations(t *testing.T) {
	a := newAPI(t)
	rec := a.call(t, "alice", http.MethodPost, "/conversations", CreateConversationRequest{With: "bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	changes := a.feed.take()
	require.Len(t, changes, 2)
	assert.Equal(t, "alice", changes[0].New["user_id"])
	assert.Equal(t, "bob", changes[0].New["participant_id"])

	rec = a.call(t, "alice", http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var convs []model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "dm:alice:bob", convs[0].ID)
	assert.Equal(t, "bob", convs[0].ParticipantID)
	assert.True(t, convs[0].Online)

	rec = a.call(t, "alice", http.MethodPost, "/conversations", CreateConversationRequest{ID: "maintenance", Name: "Maintenance", Members: []string{"bob", "carol"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, a.feed.take(), 3)
}

func TestNotifications(t *testing.T) {
	a := newAPI(t)
	rec := a.call(t, "ops", http.MethodPost, "/notifications",
		CreateNotificationRequest{UserID: "alice", Kind: model.NotificationDocumentShare, Title: "Lease shared"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = a.call(t, "ops", http.MethodPost, "/notifications",
		CreateNotificationRequest{UserID: "alice", Kind: "gossip", Title: "?"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	a.feed.take()

	rec = a.call(t, "alice", http.MethodGet, "/notifications", nil)
	var ns []model.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ns))
	require.Len(t, ns, 1)

	require.Equal(t, http.StatusNoContent, a.call(t, "alice", http.MethodPost, "/notifications/read", map[string]interface{}{}).Code)
	changes := a.feed.take()
	require.Len(t, changes, 1)
	assert.Equal(t, true, changes[0].New["read"])

	require.Equal(t, http.StatusNoContent, a.call(t, "alice", http.MethodPost, "/notifications/read", map[string]interface{}{}).Code)
	assert.Empty(t, a.feed.take())
}

func TestUploadAndDownload(t *testing.T) {
	a := newAPI(t)
	tok, _ := a.signer.GenerateToken("alice", "")
	req := httptest.NewRequest(http.MethodPost, "/files?name=../../plan.png", bytes.NewBufferString("png-bytes"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Regexp(t, `^/files/[0-9a-f-]+-plan\.png$`, resp.URL)

	req = httptest.NewRequest(http.MethodGet, resp.URL, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
}
