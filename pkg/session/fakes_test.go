package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/realtime"
)

type fakeAuth struct{ user string }

func (a *fakeAuth) CurrentUserID() (string, bool) { return a.user, a.user != "" }

type fakeSub struct {
	relation string
	filter   realtime.Filter
	cb       realtime.Callback
}

// fakeSource records every subscribe and unsubscribe and delivers emitted
// changes synchronously to the matching live subscriptions.
type fakeSource struct {
	mu           sync.Mutex
	next         realtime.Handle
	live         map[realtime.Handle]fakeSub
	subscribed   []realtime.Handle
	unsubscribed []realtime.Handle
}

func newFakeSource() *fakeSource {
	return &fakeSource{live: make(map[realtime.Handle]fakeSub)}
}

func (f *fakeSource) Subscribe(relation string, filter realtime.Filter, cb realtime.Callback) (realtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.live[f.next] = fakeSub{relation: relation, filter: filter, cb: cb}
	f.subscribed = append(f.subscribed, f.next)
	return f.next, nil
}

func (f *fakeSource) Unsubscribe(h realtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h]; !ok {
		return realtime.ErrUnknownHandle
	}
	delete(f.live, h)
	f.unsubscribed = append(f.unsubscribed, h)
	return nil
}

func (f *fakeSource) emit(ch model.Change) {
	f.mu.Lock()
	var cbs []realtime.Callback
	for _, sub := range f.live {
		if sub.relation == ch.Table && sub.filter.Matches(&ch) {
			cbs = append(cbs, sub.cb)
		}
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ch)
	}
}

func (f *fakeSource) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type fakeDB struct {
	mu        sync.Mutex
	seq       int
	history   map[string][]model.Message
	inserted  []model.Message
	receipts  map[string][]string
	typing    []bool
	marked    [][]string
	insertErr error
	reactErr  error

	// typingEntered and typingRelease, when set, hold each SetTyping call
	// until typingRelease is closed.
	typingEntered chan struct{}
	typingRelease chan struct{}
}

func newFakeDB() *fakeDB {
	return &fakeDB{history: make(map[string][]model.Message), receipts: make(map[string][]string)}
}

func (d *fakeDB) ListConversations(context.Context) ([]model.Conversation, error) { return nil, nil }

func (d *fakeDB) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Message(nil), d.history[conversationID]...), nil
}

// InsertMessage echoes the message back under a server id, the way the api
// does.
func (d *fakeDB) InsertMessage(_ context.Context, m model.Message) (model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.insertErr != nil {
		return model.Message{}, d.insertErr
	}
	d.seq++
	m.ID = fmt.Sprintf("srv-%d", d.seq)
	m.Pending, m.Failed = false, false
	d.inserted = append(d.inserted, m)
	return m, nil
}

func (d *fakeDB) DeleteMessage(context.Context, string, string) error { return nil }

func (d *fakeDB) React(_ context.Context, conversationID, messageID, emoji string) (model.Reaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reactErr != nil {
		return model.Reaction{}, d.reactErr
	}
	d.seq++
	return model.Reaction{
		ID:             fmt.Sprintf("r-%d", d.seq),
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         "alice",
		Emoji:          emoji,
	}, nil
}

func (d *fakeDB) Unreact(context.Context, string, string) error { return nil }

func (d *fakeDB) MarkMessagesRead(_ context.Context, conversationID string, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receipts[conversationID] = append(d.receipts[conversationID], ids...)
	return nil
}

func (d *fakeDB) SetTyping(_ context.Context, _ string, typing bool) error {
	d.mu.Lock()
	entered, release := d.typingEntered, d.typingRelease
	d.mu.Unlock()
	if release != nil {
		entered <- struct{}{}
		<-release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typing = append(d.typing, typing)
	return nil
}

func (d *fakeDB) ListNotifications(context.Context) ([]model.Notification, error) { return nil, nil }

func (d *fakeDB) MarkNotificationsRead(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marked = append(d.marked, ids)
	return nil
}

type fakeUploader struct{}

func (fakeUploader) Upload(_ context.Context, name string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return "https://files.example/" + name, nil
}

type harness struct {
	s      *Session
	source *fakeSource
	db     *fakeDB
	clock  *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := &harness{source: newFakeSource(), db: newFakeDB(), clock: mock}
	s, err := New(context.Background(), Config{
		Auth:        &fakeAuth{user: "alice"},
		Persistence: h.db,
		Uploader:    fakeUploader{},
		Source:      h.source,
		Clock:       mock,
		DisplayName: "Alice",
	})
	require.NoError(t, err)
	h.s = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

func (d *fakeDB) receiptsFor(conversationID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.receipts[conversationID]...)
}

func (d *fakeDB) typingCalls() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.typing...)
}

func messageInsert(id, conversationID, sender, text string, at time.Time) model.Change {
	return model.Change{
		EventType: model.ChangeInsert,
		Table:     model.RelationMessages,
		New: model.Row{
			"id":              id,
			"conversation_id": conversationID,
			"sender_id":       sender,
			"text":            text,
			"created_at":      at.Format(time.RFC3339Nano),
		},
	}
}
