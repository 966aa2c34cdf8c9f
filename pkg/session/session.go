// Package session is the process-wide context for one signed-in user. It is
// built once from its collaborators, owns the store, typing tracker,
// expirer and badge aggregator, and routes the change feed into them.
package session

import (
	"context"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/badge"
	"github.com/mahaj/tenant-realtime/pkg/expiry"
	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/normalize"
	"github.com/mahaj/tenant-realtime/pkg/realtime"
	"github.com/mahaj/tenant-realtime/pkg/snowflake"
	"github.com/mahaj/tenant-realtime/pkg/store"
	"github.com/mahaj/tenant-realtime/pkg/typing"
)

var (
	// ErrNoUser is returned when the auth collaborator has no signed-in user.
	// Nothing is subscribed in that state.
	ErrNoUser = errors.New("no signed-in user")

	// ErrTransient marks a collaborator failure caused by connectivity. The
	// operation may be retried.
	ErrTransient = errors.New("transient network failure")

	// ErrPermissionDenied marks an operation the collaborator refused. No
	// local state is changed for it.
	ErrPermissionDenied = errors.New("permission denied")

	ErrClosed = errors.New("session closed")
)

type Auth interface {
	CurrentUserID() (string, bool)
}

// Persistence is the CRUD surface over the tenant's relations. Every call
// may fail and may block on the network.
type Persistence interface {
	badge.Marker
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	InsertMessage(ctx context.Context, m model.Message) (model.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	React(ctx context.Context, conversationID, messageID, emoji string) (model.Reaction, error)
	Unreact(ctx context.Context, conversationID, messageID string) error
	MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string) error
	SetTyping(ctx context.Context, conversationID string, typing bool) error
	ListNotifications(ctx context.Context) ([]model.Notification, error)
}

type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// Listener is told which conversation's renderable state changed. An empty
// id means session-wide state (conversation list, badge).
type Listener func(conversationID string)

type Config struct {
	Auth        Auth
	Persistence Persistence
	Uploader    Uploader
	Source      realtime.Source
	Clock       clock.Clock
	// Node distinguishes client ids minted by concurrent sessions of the
	// same user.
	Node        int64
	DisplayName string
	OnUpdate    Listener
}

type Session struct {
	self   string
	name   string
	auth   Auth
	db     Persistence
	files  Uploader
	source realtime.Source
	clock  clock.Clock
	notify Listener

	store  *store.Store
	typing *typing.Tracker
	expiry *expiry.Expirer
	badge  *badge.Aggregator

	ctx    context.Context
	cancel context.CancelFunc
	pub    *typingPublisher

	mu      sync.Mutex
	handles []realtime.Handle
	views   map[*View]struct{}
	closed  bool
}

// New builds the session for the current user and subscribes the
// session-wide relations: conversations, messages, receipts, presence and
// the user's notifications. Messages are followed in every conversation so
// unread counts and the badge stay current without an open view.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Auth == nil || cfg.Persistence == nil || cfg.Source == nil {
		return nil, errors.New("session requires auth, persistence and realtime collaborators")
	}
	self, ok := cfg.Auth.CurrentUserID()
	if !ok || self == "" {
		return nil, ErrNoUser
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	ids, err := snowflake.NewNode(cfg.Node, c)
	if err != nil {
		return nil, err
	}
	notify := cfg.OnUpdate
	if notify == nil {
		notify = func(string) {}
	}

	s := &Session{
		self:   self,
		name:   cfg.DisplayName,
		auth:   cfg.Auth,
		db:     cfg.Persistence,
		files:  cfg.Uploader,
		source: cfg.Source,
		clock:  c,
		notify: notify,
		views:  make(map[*View]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pub = newTypingPublisher(cfg.Persistence)
	go s.pub.run(s.ctx)
	s.store = store.New(self, c, ids)
	s.typing = typing.New(self, c, s.pub.publish)
	s.typing.OnChange(func(conversationID string) { s.notify(conversationID) })
	s.expiry = expiry.New(c, func(conversationID, messageID string) {
		s.apply(normalize.MessageRemoved{ConversationID: conversationID, ID: messageID})
	})
	s.badge = badge.New(s.store, cfg.Persistence)

	subs := []struct {
		relation string
		filter   realtime.Filter
	}{
		{model.RelationConversations, realtime.Filter{}},
		{model.RelationMessages, realtime.Filter{}},
		{model.RelationReceipts, realtime.Filter{}},
		{model.RelationPresence, realtime.Filter{}},
		{model.RelationNotifications, realtime.Eq("user_id", self)},
	}
	for _, sub := range subs {
		h, err := s.source.Subscribe(sub.relation, sub.filter, s.dispatch)
		if err != nil {
			s.Close()
			return nil, errors.WithMessagef(err, "failed to subscribe %s", sub.relation)
		}
		s.handles = append(s.handles, h)
	}

	convs, err := s.db.ListConversations(ctx)
	if err != nil {
		jww.WARN.Printf("[session] loading conversations: %v", err)
	}
	for _, conv := range convs {
		s.store.Track(conv)
	}
	ns, err := s.db.ListNotifications(ctx)
	if err != nil {
		jww.WARN.Printf("[session] loading notifications: %v", err)
	}
	s.badge.Load(ns)

	jww.INFO.Printf("[session] started for %s", self)
	return s, nil
}

func (s *Session) Self() string { return s.self }

func (s *Session) Store() *store.Store { return s.store }

func (s *Session) Typing() *typing.Tracker { return s.typing }

func (s *Session) Expiry() *expiry.Expirer { return s.expiry }

func (s *Session) Badge() *badge.Aggregator { return s.badge }

// dispatch is the callback for every subscription the session and its views
// hold. Changes that do not normalize are dropped.
func (s *Session) dispatch(ch model.Change) {
	ev, err := normalize.Normalize(ch)
	if err != nil {
		jww.WARN.Printf("[session] dropped change: %v", err)
		return
	}
	s.apply(ev)
}

func (s *Session) apply(ev normalize.Event) {
	out := s.store.Apply(ev)
	s.follow(out)
	s.typing.Apply(ev)
	badged := s.badge.Apply(ev)
	if added, ok := ev.(normalize.MessageAdded); ok && out.Changed && out.Replaced == "" && added.Message.SenderID != s.self {
		if v := s.view(out.ConversationID); v != nil {
			v.readSoon()
		}
	}

	if out.Changed {
		s.notify(out.ConversationID)
	}
	if out.Changed || badged {
		s.notify("")
	}
}

// follow keeps expiry timers in step with the messages a mutation touched.
func (s *Session) follow(out store.Outcome) {
	if out.Replaced != "" {
		s.expiry.Cancel(out.Replaced)
	}
	for _, id := range out.Removed {
		s.expiry.Cancel(id)
	}
	if out.MessageID == "" {
		return
	}
	if m, ok := s.store.Message(out.MessageID); ok && m.AutoDeleteAt != nil {
		s.expiry.Track(m.ConversationID, m.ID, *m.AutoDeleteAt)
	}
}

// Send shows the draft immediately and persists it. It returns the local
// id in every case; on failure the message stays in the list marked failed
// and can be passed to Retry.
func (s *Session) Send(ctx context.Context, conversationID string, d store.Draft) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if d.SenderName == "" {
		d.SenderName = s.name
	}
	id := s.store.ApplyLocalSend(conversationID, d)
	if id == "" {
		return "", errors.New("conversation id required")
	}
	s.follow(store.Outcome{ConversationID: conversationID, MessageID: id})
	s.notify(conversationID)
	s.notify("")

	m, ok := s.store.Message(id)
	if !ok {
		return id, nil
	}
	return id, s.persist(ctx, m)
}

// Retry resends a message previously marked failed.
func (s *Session) Retry(ctx context.Context, id string) error {
	m, ok := s.store.RetrySend(id)
	if !ok {
		return errors.Errorf("message %s is not a failed send", id)
	}
	s.notify(m.ConversationID)
	return s.persist(ctx, m)
}

func (s *Session) persist(ctx context.Context, m model.Message) error {
	if m.ExpiredAt(s.clock.Now()) {
		return nil
	}
	echo, err := s.db.InsertMessage(ctx, m)
	if err != nil {
		s.store.MarkSendFailed(m.ID)
		s.notify(m.ConversationID)
		jww.WARN.Printf("[session] send to %s failed: %v", m.ConversationID, err)
		return errors.WithMessagef(err, "failed to send message to %s", m.ConversationID)
	}
	if echo.CorrelationID == "" {
		echo.CorrelationID = m.CorrelationID
	}
	s.apply(normalize.MessageAdded{Message: echo})
	return nil
}

// Unsend deletes one of the user's messages. The local copy goes only once
// the collaborator accepts the delete.
func (s *Session) Unsend(ctx context.Context, conversationID, messageID string) error {
	if err := s.db.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return errors.WithMessagef(err, "failed to delete message %s", messageID)
	}
	s.apply(normalize.MessageRemoved{ConversationID: conversationID, ID: messageID})
	return nil
}

// React sets the user's reaction on a message, replacing any earlier one.
func (s *Session) React(ctx context.Context, conversationID, messageID, emoji string) error {
	if !model.ValidReaction(emoji) {
		return errors.Errorf("unsupported reaction %q", emoji)
	}
	r, err := s.db.React(ctx, conversationID, messageID, emoji)
	if err != nil {
		return errors.WithMessagef(err, "failed to react to %s", messageID)
	}
	s.apply(normalize.ReactionChanged{Reaction: r})
	return nil
}

func (s *Session) Unreact(ctx context.Context, conversationID, messageID string) error {
	if err := s.db.Unreact(ctx, conversationID, messageID); err != nil {
		return errors.WithMessagef(err, "failed to remove reaction on %s", messageID)
	}
	s.apply(normalize.ReactionChanged{
		Reaction: model.Reaction{ConversationID: conversationID, MessageID: messageID, UserID: s.self},
		Removed:  true,
	})
	return nil
}

// Keystroke records local typing in a conversation.
func (s *Session) Keystroke(conversationID string) {
	if s.isClosed() {
		return
	}
	s.typing.Keystroke(conversationID)
}

// view returns an open view of conversationID, if any.
func (s *Session) view(conversationID string) *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.views {
		if v.id == conversationID {
			return v
		}
	}
	return nil
}

// Upload stores a file and returns it as an attachment for a Draft.
func (s *Session) Upload(ctx context.Context, name string, r io.Reader) (model.Attachment, error) {
	if s.files == nil {
		return model.Attachment{}, errors.New("no file storage configured")
	}
	cr := &countingReader{r: r}
	url, err := s.files.Upload(ctx, name, cr)
	if err != nil {
		return model.Attachment{}, errors.WithMessagef(err, "failed to upload %s", name)
	}
	kind := model.AttachmentFile
	if strings.HasPrefix(mime.TypeByExtension(filepath.Ext(name)), "image/") {
		kind = model.AttachmentImage
	}
	return model.Attachment{Kind: kind, URL: url, Name: name, ByteSize: cr.n}, nil
}

// Archive drops a conversation from the local view.
func (s *Session) Archive(conversationID string) {
	s.follow(s.store.Archive(conversationID))
	s.typing.Forget(conversationID)
	s.notify(conversationID)
	s.notify("")
}

func (s *Session) MarkNotificationRead(ctx context.Context, id string) error {
	err := s.badge.MarkRead(ctx, id)
	s.notify("")
	return err
}

func (s *Session) MarkAllNotificationsRead(ctx context.Context) error {
	err := s.badge.MarkAllRead(ctx)
	s.notify("")
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears down every open view, the session-wide subscriptions and all
// timers. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	views := make([]*View, 0, len(s.views))
	for v := range s.views {
		views = append(views, v)
	}
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	var first error
	for _, v := range views {
		if err := v.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, h := range handles {
		if err := s.source.Unsubscribe(h); err != nil && first == nil {
			first = errors.WithMessage(err, "failed to unsubscribe")
		}
	}
	s.typing.Close()
	s.expiry.Close()
	s.pub.stop()
	s.cancel()
	jww.INFO.Printf("[session] closed for %s", s.self)
	return first
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
