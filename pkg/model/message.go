package model

import "time"

type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

func (s DeliveryState) rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known delivery states.
func (s DeliveryState) Valid() bool { return s.rank() > 0 }

// Advance returns the further along of s and next. Delivery state never
// moves backwards, so a stale update is absorbed.
func (s DeliveryState) Advance(next DeliveryState) DeliveryState {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentFile     AttachmentKind = "file"
	AttachmentLocation AttachmentKind = "location"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Attachment struct {
	Kind        AttachmentKind `json:"kind"`
	URL         string         `json:"url,omitempty"`
	Name        string         `json:"name,omitempty"`
	ByteSize    int64          `json:"byte_size,omitempty"`
	Coordinates *Coordinates   `json:"coordinates,omitempty"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name,omitempty"`
	Text           string        `json:"text,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Delivery       DeliveryState `json:"delivery_state"`
	AutoDeleteAt   *time.Time    `json:"auto_delete_at,omitempty"`
	CorrelationID  string        `json:"correlation_id,omitempty"`

	// Pending is set on optimistic sends until the server echo arrives.
	Pending bool `json:"-"`
	// Failed is set when the insert behind an optimistic send was rejected.
	Failed bool `json:"-"`

	// Reactions maps user id to that user's single active emoji.
	Reactions map[string]string `json:"-"`
}

// ExpiredAt reports whether an ephemeral message must no longer render at now.
func (m *Message) ExpiredAt(now time.Time) bool {
	return m.AutoDeleteAt != nil && !m.AutoDeleteAt.After(now)
}

// ReactionCounts aggregates the per-user reactions into emoji -> count.
func (m *Message) ReactionCounts() map[string]int {
	counts := make(map[string]int, len(m.Reactions))
	for _, emoji := range m.Reactions {
		counts[emoji]++
	}
	return counts
}

// Clone returns a deep copy safe to hand out of the store.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.AutoDeleteAt != nil {
		at := *m.AutoDeleteAt
		m.AutoDeleteAt = &at
	}
	if m.Reactions != nil {
		r := make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = v
		}
		m.Reactions = r
	}
	return m
}

// ReactionPalette is the fixed set of emoji a user can react with.
var ReactionPalette = []string{"👍", "❤️", "😂", "😮", "😢", "🔥"}

func ValidReaction(emoji string) bool {
	for _, e := range ReactionPalette {
		if e == emoji {
			return true
		}
	}
	return false
}
