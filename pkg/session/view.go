package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/expiry"
	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/normalize"
	"github.com/mahaj/tenant-realtime/pkg/realtime"
	"github.com/mahaj/tenant-realtime/pkg/store"
	"github.com/mahaj/tenant-realtime/pkg/timer"
)

// viewRelations are subscribed, filtered to the conversation, for as long as
// a view is open. Messages and receipts come through the session.
var viewRelations = []string{
	model.RelationReactions,
	model.RelationTyping,
}

// ReceiptDelay batches receipts for messages that arrive while a view is
// open.
const ReceiptDelay = time.Second

const receiptKey = "receipt"

// View is one open conversation. Every subscription and timer it creates
// is released by Close.
type View struct {
	s  *Session
	id string

	timers *timer.Group

	mu      sync.Mutex
	handles []realtime.Handle
	shown   map[string]struct{}
	closed  bool
}

// Open subscribes to a conversation, loads its history and marks it read.
func (s *Session) Open(ctx context.Context, conversationID string) (*View, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id required")
	}
	if user, ok := s.auth.CurrentUserID(); !ok || user != s.self {
		return nil, ErrNoUser
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	v := &View{s: s, id: conversationID, timers: timer.NewGroup(s.clock), shown: make(map[string]struct{})}
	for _, relation := range viewRelations {
		h, err := s.source.Subscribe(relation, realtime.Eq("conversation_id", conversationID), s.dispatch)
		if err != nil {
			v.Close()
			return nil, errors.WithMessagef(err, "failed to subscribe %s for %s", relation, conversationID)
		}
		v.handles = append(v.handles, h)
	}

	history, err := s.db.ListMessages(ctx, conversationID)
	if err != nil {
		v.Close()
		return nil, errors.WithMessagef(err, "failed to load history for %s", conversationID)
	}
	for _, m := range history {
		s.apply(normalize.MessageAdded{Message: m})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		v.Close()
		return nil, ErrClosed
	}
	s.views[v] = struct{}{}
	s.mu.Unlock()

	s.store.Focus(conversationID)
	if err := v.MarkRead(ctx); err != nil {
		jww.WARN.Printf("[session] %v", err)
	}
	jww.DEBUG.Printf("[session] opened %s with %d messages", conversationID, len(history))
	return v, nil
}

func (v *View) ConversationID() string { return v.id }

func (v *View) Messages() []model.Message { return v.s.store.Messages(v.id) }

func (v *View) Conversation() (model.Conversation, bool) { return v.s.store.Conversation(v.id) }

func (v *View) TypingLabel() string { return v.s.typing.Label(v.id) }

// MarkRead clears the unread count and persists receipts for the inbound
// messages it newly marked.
func (v *View) MarkRead(ctx context.Context) error {
	ids := v.s.store.MarkRead(v.id)
	v.s.notify(v.id)
	v.s.notify("")
	if len(ids) == 0 {
		return nil
	}
	if err := v.s.db.MarkMessagesRead(ctx, v.id, ids); err != nil {
		return errors.WithMessagef(err, "failed to persist receipts for %s", v.id)
	}
	return nil
}

// readSoon persists receipts for newly arrived messages after
// ReceiptDelay, once per batch.
func (v *View) readSoon() {
	if v.timers.Active(receiptKey) {
		return
	}
	v.timers.Reset(receiptKey, ReceiptDelay, func() {
		if err := v.MarkRead(v.s.ctx); err != nil {
			jww.WARN.Printf("[session] %v", err)
		}
	})
}

func (v *View) Send(ctx context.Context, text string, attachments ...model.Attachment) (string, error) {
	return v.s.Send(ctx, v.id, draft(text, attachments))
}

// SendEphemeral sends a message that disappears lifetime after it is sent.
func (v *View) SendEphemeral(ctx context.Context, text string, lifetime time.Duration) (string, error) {
	d := draft(text, nil)
	d.Lifetime = lifetime
	return v.s.Send(ctx, v.id, d)
}

func (v *View) Keystroke() { v.s.Keystroke(v.id) }

// Show starts the countdown of a visible ephemeral message. It reports false
// for messages that are not counting down.
func (v *View) Show(messageID string, tick expiry.TickFunc) bool {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	v.shown[messageID] = struct{}{}
	v.mu.Unlock()
	return v.s.expiry.Show(messageID, tick)
}

func (v *View) Hide(messageID string) {
	v.mu.Lock()
	delete(v.shown, messageID)
	v.mu.Unlock()
	v.s.expiry.Hide(messageID)
}

// Clear empties the local copy of the conversation.
func (v *View) Clear() {
	v.s.follow(v.s.store.Clear(v.id))
	v.s.notify(v.id)
	v.s.notify("")
}

// Close unsubscribes every handle the view took and cancels its timers:
// countdowns, pending receipts, typing state and the expiry of the
// conversation's messages. Later calls are no-ops.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	handles := v.handles
	v.handles = nil
	shown := v.shown
	v.shown = nil
	v.mu.Unlock()

	var first error
	for _, h := range handles {
		if err := v.s.source.Unsubscribe(h); err != nil && first == nil {
			first = errors.WithMessagef(err, "failed to unsubscribe from %s", v.id)
		}
	}
	for id := range shown {
		v.s.expiry.Hide(id)
	}
	v.timers.Close()

	v.s.mu.Lock()
	delete(v.s.views, v)
	v.s.mu.Unlock()

	// Another view of the same conversation keeps its shared state.
	if v.s.view(v.id) == nil {
		v.s.typing.Forget(v.id)
		v.s.expiry.CancelConversation(v.id)
		v.s.store.Blur(v.id)
	}
	return first
}

func draft(text string, attachments []model.Attachment) store.Draft {
	return store.Draft{Text: text, Attachments: attachments}
}
