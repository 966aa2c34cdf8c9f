package model

import (
	"fmt"
	"strings"
	"time"
)

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

type Preview struct {
	Text            string    `json:"text"`
	At              time.Time `json:"at"`
	SenderIsSelf    bool      `json:"sender_is_self"`
	ReadByRecipient bool      `json:"read_by_recipient"`
}

type Conversation struct {
	ID   string           `json:"id"`
	Kind ConversationKind `json:"kind"`

	// Direct conversations.
	ParticipantID   string `json:"participant_id,omitempty"`
	ParticipantName string `json:"participant_name,omitempty"`
	Online          bool   `json:"online,omitempty"`

	// Group conversations.
	Name    string   `json:"name,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	Members []string `json:"members,omitempty"`

	Preview     Preview `json:"preview"`
	UnreadCount int     `json:"unread_count"`
}

// DirectID returns the canonical id of the direct conversation between two
// users, independent of argument order: "dm:<lower>:<higher>".
func DirectID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%s:%s", a, b)
}

// DirectParticipants splits a direct conversation id into its two user ids.
func DirectParticipants(conversationID string) (string, string, bool) {
	if !strings.HasPrefix(conversationID, "dm:") {
		return "", "", false
	}
	parts := strings.Split(conversationID, ":")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// IsMember reports whether userID may read conversationID. Direct
// conversations are restricted to their two participants; group membership
// is enforced by the members list when it is known.
func (c *Conversation) IsMember(userID string) bool {
	if a, b, ok := DirectParticipants(c.ID); ok {
		return userID == a || userID == b
	}
	if len(c.Members) == 0 {
		return true
	}
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}
