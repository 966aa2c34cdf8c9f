package db

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"

	"github.com/mahaj/tenant-realtime/pkg/model"
)

const historyLimit = 200

const messageColumns = `conversation_id, created_at, id, sender_id, sender_name, text, attachments, delivery_state, auto_delete_at, correlation_id`

func scanMessage(scan func(dest ...interface{}) error) (model.Message, error) {
	var (
		m           model.Message
		attachments string
		delivery    string
		autoDelete  time.Time
	)
	if err := scan(&m.ConversationID, &m.CreatedAt, &m.ID, &m.SenderID, &m.SenderName, &m.Text,
		&attachments, &delivery, &autoDelete, &m.CorrelationID); err != nil {
		return m, err
	}
	m.Delivery = model.DeliveryState(delivery)
	if !autoDelete.IsZero() {
		at := autoDelete
		m.AutoDeleteAt = &at
	}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return m, errors.WithMessagef(err, "bad attachments on message %s", m.ID)
		}
	}
	return m, nil
}

// InsertMessage writes a message and its id lookup row.
func (s *Session) InsertMessage(ctx context.Context, m model.Message) error {
	attachments := ""
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return errors.WithMessage(err, "failed to encode attachments")
		}
		attachments = string(b)
	}
	var autoDelete interface{}
	if m.AutoDeleteAt != nil {
		autoDelete = *m.AutoDeleteAt
	}

	batch := s.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.CreatedAt, m.ID, m.SenderID, m.SenderName, m.Text,
		attachments, string(m.Delivery), autoDelete, m.CorrelationID)
	batch.Query(`INSERT INTO messages_by_id (id, conversation_id, created_at) VALUES (?, ?, ?)`,
		m.ID, m.ConversationID, m.CreatedAt)
	return errors.WithMessagef(s.ExecuteBatch(batch), "failed to insert message %s", m.ID)
}

// Messages returns the latest messages of a conversation, oldest first.
// Messages past their auto-delete deadline are left out.
func (s *Session) Messages(ctx context.Context, conversationID string, now time.Time) ([]model.Message, error) {
	iter := s.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID, historyLimit).WithContext(ctx).Iter()
	scanner := iter.Scanner()

	var messages []model.Message
	for scanner.Next() {
		m, err := scanMessage(scanner.Scan)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read messages of %s", conversationID)
		}
		if m.ExpiredAt(now) {
			continue
		}
		messages = append(messages, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithMessagef(err, "failed to iterate messages of %s", conversationID)
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].CreatedAt.Before(messages[j].CreatedAt) })
	return messages, nil
}

func (s *Session) Message(ctx context.Context, id string) (model.Message, error) {
	var conversationID string
	var createdAt time.Time
	err := s.Query(`SELECT conversation_id, created_at FROM messages_by_id WHERE id = ?`, id).
		WithContext(ctx).Scan(&conversationID, &createdAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, errors.WithMessagef(err, "failed to look up message %s", id)
	}

	q := s.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND created_at = ? AND id = ?`,
		conversationID, createdAt, id).WithContext(ctx)
	m, err := scanMessage(q.Scan)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, errors.WithMessagef(err, "failed to read message %s", id)
	}
	return m, nil
}

// UpdateMessage rewrites the mutable columns of an existing message.
func (s *Session) UpdateMessage(ctx context.Context, m model.Message) error {
	var autoDelete interface{}
	if m.AutoDeleteAt != nil {
		autoDelete = *m.AutoDeleteAt
	}
	err := s.Query(`UPDATE messages SET text = ?, delivery_state = ?, auto_delete_at = ? WHERE conversation_id = ? AND created_at = ? AND id = ?`,
		m.Text, string(m.Delivery), autoDelete, m.ConversationID, m.CreatedAt, m.ID).WithContext(ctx).Exec()
	return errors.WithMessagef(err, "failed to update message %s", m.ID)
}

func (s *Session) DeleteMessage(ctx context.Context, m model.Message) error {
	batch := s.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM messages WHERE conversation_id = ? AND created_at = ? AND id = ?`,
		m.ConversationID, m.CreatedAt, m.ID)
	batch.Query(`DELETE FROM messages_by_id WHERE id = ?`, m.ID)
	batch.Query(`DELETE FROM message_reactions WHERE message_id = ?`, m.ID)
	return errors.WithMessagef(s.ExecuteBatch(batch), "failed to delete message %s", m.ID)
}

// Reaction returns the user's current reaction on a message.
func (s *Session) Reaction(ctx context.Context, messageID, userID string) (model.Reaction, error) {
	r := model.Reaction{MessageID: messageID, UserID: userID}
	err := s.Query(`SELECT id, conversation_id, emoji FROM message_reactions WHERE message_id = ? AND user_id = ?`,
		messageID, userID).WithContext(ctx).Scan(&r.ID, &r.ConversationID, &r.Emoji)
	if errors.Is(err, gocql.ErrNotFound) {
		return r, ErrNotFound
	}
	return r, errors.WithMessagef(err, "failed to read reaction on %s", messageID)
}

// UpsertReaction stores r as the user's only reaction on the message.
func (s *Session) UpsertReaction(ctx context.Context, r model.Reaction) error {
	err := s.Query(`INSERT INTO message_reactions (message_id, user_id, id, conversation_id, emoji) VALUES (?, ?, ?, ?, ?)`,
		r.MessageID, r.UserID, r.ID, r.ConversationID, r.Emoji).WithContext(ctx).Exec()
	return errors.WithMessagef(err, "failed to store reaction on %s", r.MessageID)
}

func (s *Session) DeleteReaction(ctx context.Context, messageID, userID string) error {
	err := s.Query(`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ?`, messageID, userID).
		WithContext(ctx).Exec()
	return errors.WithMessagef(err, "failed to delete reaction on %s", messageID)
}

func (s *Session) Reactions(ctx context.Context, messageID string) ([]model.Reaction, error) {
	iter := s.Query(`SELECT message_id, user_id, id, conversation_id, emoji FROM message_reactions WHERE message_id = ?`,
		messageID).WithContext(ctx).Iter()
	var out []model.Reaction
	var r model.Reaction
	for iter.Scan(&r.MessageID, &r.UserID, &r.ID, &r.ConversationID, &r.Emoji) {
		out = append(out, r)
	}
	return out, errors.WithMessagef(iter.Close(), "failed to iterate reactions of %s", messageID)
}

func (s *Session) InsertReceipt(ctx context.Context, r model.Receipt) error {
	err := s.Query(`INSERT INTO message_receipts (message_id, user_id, conversation_id, read_at) VALUES (?, ?, ?, ?)`,
		r.MessageID, r.UserID, r.ConversationID, r.ReadAt).WithContext(ctx).Exec()
	return errors.WithMessagef(err, "failed to store receipt on %s", r.MessageID)
}

// UpsertConversation records that userID is a member of c.
func (s *Session) UpsertConversation(ctx context.Context, userID string, c model.Conversation, at time.Time) error {
	err := s.Query(`INSERT INTO user_conversations (user_id, conversation_id, kind, name, icon, other_user_id, members, last_updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, c.ID, string(c.Kind), c.Name, c.Icon, c.ParticipantID, c.Members, at).WithContext(ctx).Exec()
	return errors.WithMessagef(err, "failed to store conversation %s for %s", c.ID, userID)
}

// Touch moves a conversation's last activity forward.
func (s *Session) Touch(ctx context.Context, userID, conversationID string, at time.Time) error {
	err := s.Query(`UPDATE user_conversations SET last_updated = ? WHERE user_id = ? AND conversation_id = ?`,
		at, userID, conversationID).WithContext(ctx).Exec()
	return errors.WithMessagef(err, "failed to touch conversation %s", conversationID)
}

// Conversations lists a user's conversations with their unread counters,
// latest activity first.
func (s *Session) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	iter := s.Query(`SELECT conversation_id, kind, name, icon, other_user_id, members, last_updated FROM user_conversations WHERE user_id = ?`,
		userID).WithContext(ctx).Iter()

	type row struct {
		conv model.Conversation
		at   time.Time
	}
	var rows []row
	var (
		r    row
		kind string
	)
	for iter.Scan(&r.conv.ID, &kind, &r.conv.Name, &r.conv.Icon, &r.conv.ParticipantID, &r.conv.Members, &r.at) {
		r.conv.Kind = model.ConversationKind(kind)
		rows = append(rows, r)
		r = row{}
	}
	if err := iter.Close(); err != nil {
		return nil, errors.WithMessagef(err, "failed to iterate conversations of %s", userID)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].at.After(rows[j].at) })
	out := make([]model.Conversation, 0, len(rows))
	for _, r := range rows {
		// Fetch unread count for this conversation
		var count int64
		if err := s.Query(`SELECT unread_count FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`,
			userID, r.conv.ID).WithContext(ctx).Scan(&count); err == nil {
			r.conv.UnreadCount = int(count)
		}
		r.conv.Preview.At = r.at
		out = append(out, r.conv)
	}
	return out, nil
}

func (s *Session) IncrementUnread(ctx context.Context, userID, conversationID string) error {
	err := s.Query(`UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).WithContext(ctx).Exec()
	return errors.WithMessagef(err, "failed to count unread for %s", userID)
}

// ResetUnread zeroes a counter. Deleting the row is the only way to reset a
// Scylla counter.
func (s *Session) ResetUnread(ctx context.Context, userID, conversationID string) error {
	err := s.Query(`DELETE FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).WithContext(ctx).Exec()
	return errors.WithMessagef(err, "failed to reset unread count for %s", userID)
}

func (s *Session) InsertNotification(ctx context.Context, n model.Notification) error {
	err := s.Query(`INSERT INTO notifications (user_id, id, kind, title, body, created_at, read) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, n.ID, string(n.Kind), n.Title, n.Body, n.CreatedAt, n.Read).WithContext(ctx).Exec()
	return errors.WithMessagef(err, "failed to store notification %s", n.ID)
}

// Notifications lists a user's notifications, newest first.
func (s *Session) Notifications(ctx context.Context, userID string) ([]model.Notification, error) {
	iter := s.Query(`SELECT id, kind, title, body, created_at, read FROM notifications WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var out []model.Notification
	n := model.Notification{UserID: userID}
	var kind string
	for iter.Scan(&n.ID, &kind, &n.Title, &n.Body, &n.CreatedAt, &n.Read) {
		n.Kind = model.NotificationKind(kind)
		out = append(out, n)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.WithMessagef(err, "failed to iterate notifications of %s", userID)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MarkNotificationsRead flags ids read. It returns the ids that were
// unread before.
func (s *Session) MarkNotificationsRead(ctx context.Context, userID string, ids []string) ([]string, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	all, err := s.Notifications(ctx, userID)
	if err != nil {
		return nil, err
	}
	var marked []string
	for _, n := range all {
		if n.Read || (len(ids) > 0 && !wanted[n.ID]) {
			continue
		}
		if err := s.Query(`UPDATE notifications SET read = true WHERE user_id = ? AND id = ?`, userID, n.ID).
			WithContext(ctx).Exec(); err != nil {
			return marked, errors.WithMessagef(err, "failed to mark notification %s read", n.ID)
		}
		marked = append(marked, n.ID)
	}
	return marked, nil
}
