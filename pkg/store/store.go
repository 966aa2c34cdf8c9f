// Package store keeps the in-memory view of every open or recently viewed
// conversation and reconciles it with the change feed.
//
// The store is mutated only through ApplyLocalSend and Apply (plus the
// explicit user actions Clear, MarkRead, Archive and the send-failure
// markers). All mutation is serialized by one mutex, so feed callbacks,
// user input and timers may call in from any goroutine.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/normalize"
	"github.com/mahaj/tenant-realtime/pkg/snowflake"
)

// ReconcileWindow bounds how far apart an optimistic send and an echo
// without a correlation id may be and still collapse into one message.
const ReconcileWindow = 10 * time.Second

// Draft is a message composed locally and not yet confirmed.
type Draft struct {
	SenderName  string
	Text        string
	Attachments []model.Attachment
	// Lifetime > 0 makes the message ephemeral.
	Lifetime time.Duration
}

// Outcome describes what a mutation did, so that owners of per-message
// resources (expiry timers) can follow along.
type Outcome struct {
	ConversationID string
	Changed        bool
	// MessageID is the message added or updated.
	MessageID string
	// Replaced is the optimistic id that MessageID superseded.
	Replaced string
	Removed  []string
}

type conversation struct {
	info     model.Conversation
	messages []*model.Message // createdAt ascending
}

type reactionRef struct {
	messageID string
	userID    string
}

type Store struct {
	self  string
	clock clock.Clock
	ids   *snowflake.Node

	mu       sync.Mutex
	convs    map[string]*conversation
	archived map[string]bool
	where    map[string]string // message id -> conversation id
	refsByID map[string]reactionRef
	idsByRef map[reactionRef]string
	focused  string
}

// New returns an empty store for the user self.
func New(self string, c clock.Clock, ids *snowflake.Node) *Store {
	if c == nil {
		c = clock.New()
	}
	if ids == nil {
		ids, _ = snowflake.NewNode(0, c)
	}
	return &Store{
		self:     self,
		clock:    c,
		ids:      ids,
		convs:    make(map[string]*conversation),
		archived: make(map[string]bool),
		where:    make(map[string]string),
		refsByID: make(map[string]reactionRef),
		idsByRef: make(map[reactionRef]string),
	}
}

func (s *Store) Self() string { return s.self }

// Track registers a conversation loaded from the persistence layer.
func (s *Store) Track(c model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.join(c)
}

// ApplyLocalSend appends an optimistic message and returns its client id.
func (s *Store) ApplyLocalSend(conversationID string, d Draft) string {
	if conversationID == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	delete(s.archived, conversationID)
	conv := s.ensure(conversationID)

	m := &model.Message{
		ID:             s.ids.String("local-"),
		ConversationID: conversationID,
		SenderID:       s.self,
		SenderName:     d.SenderName,
		Text:           d.Text,
		Attachments:    append([]model.Attachment(nil), d.Attachments...),
		CreatedAt:      now,
		Delivery:       model.DeliverySent,
		CorrelationID:  uuid.NewString(),
		Pending:        true,
	}
	if d.Lifetime > 0 {
		at := now.Add(d.Lifetime)
		m.AutoDeleteAt = &at
	}
	conv.insert(m)
	s.where[m.ID] = conversationID
	s.refreshPreview(conv, now)
	return m.ID
}

// MarkSendFailed flags a pending optimistic message whose insert failed.
func (s *Store) MarkSendFailed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(id)
	if m == nil || !m.Pending {
		return false
	}
	m.Failed = true
	return true
}

// RetrySend clears the failure flag and returns the message to resend.
func (s *Store) RetrySend(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(id)
	if m == nil || !m.Failed {
		return model.Message{}, false
	}
	m.Failed = false
	return m.Clone(), true
}

// Apply folds one normalized event into the store. Events for unknown
// messages, and events the store has no use for, are no-ops.
func (s *Store) Apply(ev normalize.Event) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case normalize.MessageAdded:
		return s.addMessage(e.Message)
	case normalize.MessageUpdated:
		return s.updateMessage(e)
	case normalize.MessageRemoved:
		return s.removeMessage(e.ID)
	case normalize.ReactionChanged:
		return s.react(e)
	case normalize.ReceiptAdded:
		return s.receipt(e.Receipt)
	case normalize.PresenceChanged:
		return s.presence(e)
	case normalize.ConversationJoined:
		delete(s.archived, e.Conversation.ID)
		s.join(e.Conversation)
		return Outcome{ConversationID: e.Conversation.ID, Changed: true}
	}
	return Outcome{}
}

func (s *Store) addMessage(in model.Message) Outcome {
	if in.ID == "" || in.ConversationID == "" || s.archived[in.ConversationID] {
		return Outcome{}
	}
	now := s.clock.Now()
	if in.ExpiredAt(now) {
		if s.find(in.ID) != nil {
			return s.removeMessage(in.ID)
		}
		return Outcome{}
	}

	// At-least-once delivery: a repeated insert only carries progress.
	if m := s.find(in.ID); m != nil {
		prev := m.Delivery
		m.Delivery = m.Delivery.Advance(in.Delivery)
		conv := s.convs[m.ConversationID]
		s.refreshPreview(conv, now)
		return Outcome{ConversationID: m.ConversationID, MessageID: m.ID, Changed: prev != m.Delivery}
	}

	conv := s.ensure(in.ConversationID)
	if local := s.matchPending(conv, &in); local != nil {
		replaced := local.ID
		delete(s.where, replaced)
		conv.remove(local)

		local.ID = in.ID
		local.Pending = false
		local.Failed = false
		local.Delivery = local.Delivery.Advance(in.Delivery)
		if !in.CreatedAt.IsZero() {
			local.CreatedAt = in.CreatedAt
		}
		if len(in.Attachments) > 0 {
			local.Attachments = append([]model.Attachment(nil), in.Attachments...)
		}
		if in.AutoDeleteAt != nil {
			at := *in.AutoDeleteAt
			local.AutoDeleteAt = &at
		}
		conv.insert(local)
		s.where[local.ID] = conv.info.ID
		s.refreshPreview(conv, now)
		return Outcome{ConversationID: conv.info.ID, MessageID: local.ID, Replaced: replaced, Changed: true}
	}

	m := in.Clone()
	m.Pending, m.Failed = false, false
	if !m.Delivery.Valid() {
		m.Delivery = model.DeliverySent
	}
	conv.insert(&m)
	s.where[m.ID] = conv.info.ID
	if m.SenderID != s.self && s.focused != conv.info.ID {
		conv.info.UnreadCount++
	}
	s.refreshPreview(conv, now)
	return Outcome{ConversationID: conv.info.ID, MessageID: m.ID, Changed: true}
}

// matchPending finds the optimistic message an echo confirms. A correlation
// id on the echo is authoritative; only echoes without one fall back to
// matching sender, text and a creation time within ReconcileWindow.
func (s *Store) matchPending(conv *conversation, echo *model.Message) *model.Message {
	if echo.SenderID != s.self {
		return nil
	}
	var best *model.Message
	for _, m := range conv.messages {
		if !m.Pending {
			continue
		}
		if echo.CorrelationID != "" {
			if m.CorrelationID == echo.CorrelationID {
				return m
			}
			continue
		}
		if m.Text != echo.Text {
			continue
		}
		if d := m.CreatedAt.Sub(echo.CreatedAt); d > ReconcileWindow || d < -ReconcileWindow {
			continue
		}
		if best == nil || m.CreatedAt.Before(best.CreatedAt) {
			best = m
		}
	}
	return best
}

func (s *Store) updateMessage(e normalize.MessageUpdated) Outcome {
	m := s.find(e.ID)
	if m == nil {
		return Outcome{}
	}
	conv := s.convs[m.ConversationID]
	now := s.clock.Now()

	if e.Text != nil {
		m.Text = *e.Text
	}
	if e.Attachments != nil {
		m.Attachments = append([]model.Attachment(nil), e.Attachments...)
	}
	m.Delivery = m.Delivery.Advance(e.Delivery)
	if e.AutoDeleteAt != nil {
		at := *e.AutoDeleteAt
		m.AutoDeleteAt = &at
		if m.ExpiredAt(now) {
			return s.removeMessage(m.ID)
		}
	}
	s.refreshPreview(conv, now)
	return Outcome{ConversationID: conv.info.ID, MessageID: m.ID, Changed: true}
}

func (s *Store) removeMessage(id string) Outcome {
	m := s.find(id)
	if m == nil {
		return Outcome{}
	}
	conv := s.convs[m.ConversationID]
	conv.remove(m)
	s.forget(m)
	s.refreshPreview(conv, s.clock.Now())
	return Outcome{ConversationID: conv.info.ID, Changed: true, Removed: []string{id}}
}

func (s *Store) react(e normalize.ReactionChanged) Outcome {
	r := e.Reaction
	ref := reactionRef{messageID: r.MessageID, userID: r.UserID}
	if e.Removed && (ref.messageID == "" || ref.userID == "") {
		var ok bool
		if ref, ok = s.refsByID[r.ID]; !ok {
			return Outcome{}
		}
	}
	m := s.find(ref.messageID)
	if m == nil {
		return Outcome{}
	}

	if e.Removed {
		// A stale reaction id must not remove the user's newer reaction.
		if r.ID != "" && s.idsByRef[ref] != "" && s.idsByRef[ref] != r.ID {
			delete(s.refsByID, r.ID)
			return Outcome{}
		}
		delete(m.Reactions, ref.userID)
		delete(s.refsByID, s.idsByRef[ref])
		delete(s.idsByRef, ref)
		return Outcome{ConversationID: m.ConversationID, MessageID: m.ID, Changed: true}
	}

	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	m.Reactions[ref.userID] = r.Emoji
	if old, ok := s.idsByRef[ref]; ok {
		delete(s.refsByID, old)
	}
	if r.ID != "" {
		s.idsByRef[ref] = r.ID
		s.refsByID[r.ID] = ref
	}
	return Outcome{ConversationID: m.ConversationID, MessageID: m.ID, Changed: true}
}

func (s *Store) receipt(r model.Receipt) Outcome {
	m := s.find(r.MessageID)
	if m == nil || m.SenderID != s.self || r.UserID == s.self {
		return Outcome{}
	}
	prev := m.Delivery
	m.Delivery = m.Delivery.Advance(model.DeliveryRead)
	s.refreshPreview(s.convs[m.ConversationID], s.clock.Now())
	return Outcome{ConversationID: m.ConversationID, MessageID: m.ID, Changed: prev != m.Delivery}
}

func (s *Store) presence(e normalize.PresenceChanged) Outcome {
	var out Outcome
	for _, conv := range s.convs {
		if conv.info.Kind == model.KindDirect && conv.info.ParticipantID == e.UserID && conv.info.Online != e.Online {
			conv.info.Online = e.Online
			out = Outcome{ConversationID: conv.info.ID, Changed: true}
		}
	}
	return out
}

// Clear empties one conversation's messages and preview.
func (s *Store) Clear(conversationID string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clear(conversationID)
}

func (s *Store) clear(conversationID string) Outcome {
	conv, ok := s.convs[conversationID]
	if !ok {
		return Outcome{}
	}
	removed := make([]string, 0, len(conv.messages))
	for _, m := range conv.messages {
		s.forget(m)
		removed = append(removed, m.ID)
	}
	conv.messages = nil
	conv.info.Preview = model.Preview{}
	return Outcome{ConversationID: conversationID, Changed: true, Removed: removed}
}

// MarkRead resets the unread count and marks inbound messages read. It
// returns the ids it newly marked, for receipts to be persisted. Read state
// of self-sent messages only ever comes from receipts.
func (s *Store) MarkRead(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	conv.info.UnreadCount = 0
	var marked []string
	for _, m := range conv.messages {
		if m.SenderID == s.self || m.Delivery == model.DeliveryRead {
			continue
		}
		m.Delivery = model.DeliveryRead
		marked = append(marked, m.ID)
	}
	return marked
}

// Archive removes a conversation from the local view (archive, leave or
// block). Later feed events for it are ignored until it is joined again.
func (s *Store) Archive(conversationID string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.clear(conversationID)
	delete(s.convs, conversationID)
	s.archived[conversationID] = true
	if s.focused == conversationID {
		s.focused = ""
	}
	out.ConversationID = conversationID
	out.Changed = true
	return out
}

// Focus marks the conversation on screen; inbound messages to it do not
// count as unread.
func (s *Store) Focus(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = conversationID
}

func (s *Store) Blur(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focused == conversationID {
		s.focused = ""
	}
}

// Messages returns the renderable messages of a conversation, createdAt
// ascending, with expired ephemeral messages left out.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	now := s.clock.Now()
	out := make([]model.Message, 0, len(conv.messages))
	for _, m := range conv.messages {
		if m.ExpiredAt(now) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

func (s *Store) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.find(id)
	if m == nil || m.ExpiredAt(s.clock.Now()) {
		return model.Message{}, false
	}
	return m.Clone(), true
}

func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return model.Conversation{}, false
	}
	return copyConversation(conv.info), true
}

// Conversations returns the active conversations, latest activity first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, copyConversation(conv.info))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Preview.At.Equal(out[j].Preview.At) {
			return out[i].Preview.At.After(out[j].Preview.At)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnreadTotal sums unread counts across direct and group conversations.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, conv := range s.convs {
		total += conv.info.UnreadCount
	}
	return total
}

func (s *Store) find(id string) *model.Message {
	convID, ok := s.where[id]
	if !ok {
		return nil
	}
	conv, ok := s.convs[convID]
	if !ok {
		return nil
	}
	for _, m := range conv.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *Store) forget(m *model.Message) {
	delete(s.where, m.ID)
	for user := range m.Reactions {
		ref := reactionRef{messageID: m.ID, userID: user}
		delete(s.refsByID, s.idsByRef[ref])
		delete(s.idsByRef, ref)
	}
}

func (s *Store) ensure(id string) *conversation {
	if conv, ok := s.convs[id]; ok {
		return conv
	}
	info := model.Conversation{ID: id, Kind: model.KindGroup}
	if a, b, ok := model.DirectParticipants(id); ok {
		info.Kind = model.KindDirect
		info.ParticipantID = a
		if a == s.self {
			info.ParticipantID = b
		}
	}
	conv := &conversation{info: info}
	s.convs[id] = conv
	return conv
}

func (s *Store) join(c model.Conversation) {
	if c.ID == "" {
		return
	}
	conv := s.ensure(c.ID)
	base := conv.info
	conv.info = copyConversation(c)
	if conv.info.Kind == "" {
		conv.info.Kind = base.Kind
	}
	if conv.info.Kind == model.KindDirect && conv.info.ParticipantID == "" {
		conv.info.ParticipantID = base.ParticipantID
	}
	// Locally derived state wins over what the loader saw.
	if !base.Preview.At.IsZero() {
		conv.info.Preview = base.Preview
	}
	if base.UnreadCount > conv.info.UnreadCount {
		conv.info.UnreadCount = base.UnreadCount
	}
	conv.info.Online = conv.info.Online || base.Online
}

func (s *Store) refreshPreview(conv *conversation, now time.Time) {
	conv.info.Preview = model.Preview{}
	for i := len(conv.messages) - 1; i >= 0; i-- {
		m := conv.messages[i]
		if m.ExpiredAt(now) {
			continue
		}
		text := m.Text
		if text == "" && len(m.Attachments) > 0 {
			text = "[" + string(m.Attachments[0].Kind) + "]"
		}
		self := m.SenderID == s.self
		conv.info.Preview = model.Preview{
			Text:            text,
			At:              m.CreatedAt,
			SenderIsSelf:    self,
			ReadByRecipient: self && m.Delivery == model.DeliveryRead,
		}
		return
	}
}

// insert places m after every message created at or before it, so equal
// timestamps keep arrival order.
func (c *conversation) insert(m *model.Message) {
	i := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].CreatedAt.After(m.CreatedAt)
	})
	c.messages = append(c.messages, nil)
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
}

func (c *conversation) remove(m *model.Message) {
	for i, cur := range c.messages {
		if cur == m {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

func copyConversation(c model.Conversation) model.Conversation {
	if c.Members != nil {
		c.Members = append([]string(nil), c.Members...)
	}
	return c
}
