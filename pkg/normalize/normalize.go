// Package normalize reduces raw row-level change notifications to the closed
// set of domain events in events.go.
package normalize

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/mahaj/tenant-realtime/pkg/model"
)

var (
	// ErrUnknownChange is returned for table/eventType pairs with no mapping.
	ErrUnknownChange = errors.New("unknown change")
	// ErrMalformed is returned when a known change lacks what it needs.
	ErrMalformed = errors.New("malformed change")
)

// DropError describes why a change was dropped. It unwraps to
// ErrUnknownChange or ErrMalformed.
type DropError struct {
	Table     string
	EventType model.ChangeType
	Reason    string
	kind      error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("%v: %s %s: %s", e.kind, e.EventType, e.Table, e.Reason)
}

func (e *DropError) Unwrap() error { return e.kind }
func (e *DropError) Cause() error  { return e.kind }

func unknown(c model.Change) error {
	return &DropError{Table: c.Table, EventType: c.EventType, Reason: "no mapping", kind: ErrUnknownChange}
}

func malformed(c model.Change, format string, args ...any) error {
	return &DropError{Table: c.Table, EventType: c.EventType, Reason: fmt.Sprintf(format, args...), kind: ErrMalformed}
}

// Normalize maps one change to its domain event. It has no side effects; a
// non-nil error means the change should be logged and dropped.
func Normalize(c model.Change) (Event, error) {
	switch c.Table {
	case model.RelationMessages:
		return messageEvent(c)
	case model.RelationTyping:
		return typingEvent(c)
	case model.RelationReactions:
		return reactionEvent(c)
	case model.RelationReceipts:
		return receiptEvent(c)
	case model.RelationNotifications:
		return notificationEvent(c)
	case model.RelationPresence:
		return presenceEvent(c)
	case model.RelationConversations:
		return conversationEvent(c)
	}
	return nil, unknown(c)
}

func messageEvent(c model.Change) (Event, error) {
	switch c.EventType {
	case model.ChangeInsert:
		var m model.Message
		if err := c.New.Decode(&m); err != nil {
			return nil, malformed(c, "decode: %v", err)
		}
		if m.ID == "" || m.ConversationID == "" {
			return nil, malformed(c, "missing id or conversation_id")
		}
		if !m.Delivery.Valid() {
			m.Delivery = model.DeliverySent
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = c.CommitTimestamp
		}
		return MessageAdded{Message: m}, nil

	case model.ChangeUpdate:
		row := c.Record()
		id := str(row, "id")
		if id == "" {
			id = str(c.Old, "id")
		}
		if id == "" {
			return nil, malformed(c, "missing id")
		}
		ev := MessageUpdated{ConversationID: str(row, "conversation_id"), ID: id}
		if _, ok := row["text"]; ok {
			text := str(row, "text")
			ev.Text = &text
		}
		if d := model.DeliveryState(str(row, "delivery_state")); d.Valid() {
			ev.Delivery = d
		}
		var partial struct {
			Attachments  []model.Attachment `json:"attachments"`
			AutoDeleteAt *time.Time         `json:"auto_delete_at"`
		}
		if err := row.Decode(&partial); err != nil {
			return nil, malformed(c, "decode: %v", err)
		}
		ev.Attachments = partial.Attachments
		ev.AutoDeleteAt = partial.AutoDeleteAt
		return ev, nil

	case model.ChangeDelete:
		row := c.Record()
		id := str(row, "id")
		if id == "" {
			return nil, malformed(c, "missing id")
		}
		return MessageRemoved{ConversationID: str(row, "conversation_id"), ID: id}, nil
	}
	return nil, unknown(c)
}

func typingEvent(c model.Change) (Event, error) {
	var t model.TypingRow
	row := c.Record()
	if err := row.Decode(&t); err != nil {
		return nil, malformed(c, "decode: %v", err)
	}
	if t.ConversationID == "" || t.UserID == "" {
		return nil, malformed(c, "missing conversation_id or user_id")
	}
	switch c.EventType {
	case model.ChangeInsert, model.ChangeUpdate:
		if !t.IsTyping {
			return TypingStopped{ConversationID: t.ConversationID, UserID: t.UserID}, nil
		}
		at := t.UpdatedAt
		if at.IsZero() {
			at = c.CommitTimestamp
		}
		return TypingStarted{Signal: model.TypingSignal{
			ConversationID: t.ConversationID,
			UserID:         t.UserID,
			UserName:       t.UserName,
			LastSeenAt:     at,
		}}, nil
	case model.ChangeDelete:
		return TypingStopped{ConversationID: t.ConversationID, UserID: t.UserID}, nil
	}
	return nil, unknown(c)
}

func reactionEvent(c model.Change) (Event, error) {
	var r model.Reaction
	if err := c.Record().Decode(&r); err != nil {
		return nil, malformed(c, "decode: %v", err)
	}
	switch c.EventType {
	case model.ChangeInsert, model.ChangeUpdate:
		if r.MessageID == "" || r.UserID == "" {
			return nil, malformed(c, "missing message_id or user_id")
		}
		if !model.ValidReaction(r.Emoji) {
			return nil, malformed(c, "emoji %q outside palette", r.Emoji)
		}
		return ReactionChanged{Reaction: r}, nil
	case model.ChangeDelete:
		if r.ID == "" && (r.MessageID == "" || r.UserID == "") {
			return nil, malformed(c, "missing id")
		}
		return ReactionChanged{Reaction: r, Removed: true}, nil
	}
	return nil, unknown(c)
}

func receiptEvent(c model.Change) (Event, error) {
	if c.EventType != model.ChangeInsert && c.EventType != model.ChangeUpdate {
		return nil, unknown(c)
	}
	var r model.Receipt
	if err := c.New.Decode(&r); err != nil {
		return nil, malformed(c, "decode: %v", err)
	}
	if r.MessageID == "" || r.UserID == "" {
		return nil, malformed(c, "missing message_id or user_id")
	}
	if r.ReadAt.IsZero() {
		r.ReadAt = c.CommitTimestamp
	}
	return ReceiptAdded{Receipt: r}, nil
}

func notificationEvent(c model.Change) (Event, error) {
	var n model.Notification
	if err := c.Record().Decode(&n); err != nil {
		return nil, malformed(c, "decode: %v", err)
	}
	if n.ID == "" {
		return nil, malformed(c, "missing id")
	}
	switch c.EventType {
	case model.ChangeInsert, model.ChangeUpdate:
		if n.Read {
			return NotificationRead{ID: n.ID}, nil
		}
		return NotificationAdded{Notification: n}, nil
	case model.ChangeDelete:
		return NotificationRead{ID: n.ID}, nil
	}
	return nil, unknown(c)
}

func presenceEvent(c model.Change) (Event, error) {
	var p model.PresenceRow
	if err := c.Record().Decode(&p); err != nil {
		return nil, malformed(c, "decode: %v", err)
	}
	if p.UserID == "" {
		return nil, malformed(c, "missing user_id")
	}
	switch c.EventType {
	case model.ChangeInsert, model.ChangeUpdate:
		return PresenceChanged{UserID: p.UserID, Online: p.Online}, nil
	case model.ChangeDelete:
		return PresenceChanged{UserID: p.UserID, Online: false}, nil
	}
	return nil, unknown(c)
}

func conversationEvent(c model.Change) (Event, error) {
	if c.EventType != model.ChangeInsert {
		return nil, unknown(c)
	}
	var conv model.Conversation
	if err := c.New.Decode(&conv); err != nil {
		return nil, malformed(c, "decode: %v", err)
	}
	if conv.ID == "" {
		return nil, malformed(c, "missing id")
	}
	if conv.Kind != model.KindGroup {
		conv.Kind = model.KindDirect
	}
	return ConversationJoined{Conversation: conv}, nil
}

func str(row model.Row, key string) string {
	if row == nil {
		return ""
	}
	s, _ := row[key].(string)
	return s
}
