package model

import "time"

type NotificationKind string

const (
	NotificationDocumentShare NotificationKind = "document_share"
	NotificationTaskUpdate    NotificationKind = "task_update"
	NotificationRepairTicket  NotificationKind = "repair_ticket"
	NotificationBilling       NotificationKind = "billing"
)

func (k NotificationKind) Valid() bool {
	switch k {
	case NotificationDocumentShare, NotificationTaskUpdate, NotificationRepairTicket, NotificationBilling:
		return true
	}
	return false
}

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Read      bool             `json:"read"`
}

type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

type Reaction struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
}

// Receipt records that UserID has read MessageID.
type Receipt struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

// TypingRow is the typing_indicators record shape.
type TypingRow struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PresenceRow is the presence record shape.
type PresenceRow struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
