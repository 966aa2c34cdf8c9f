package normalize

import (
	"time"

	"github.com/mahaj/tenant-realtime/pkg/model"
)

// Event is the closed set of domain events the feed is reduced to. Consumers
// switch on the concrete type and ignore arms they do not handle.
type Event interface {
	event()
}

type MessageAdded struct {
	Message model.Message
}

// MessageUpdated carries only the fields present on the update row; nil
// means "unchanged".
type MessageUpdated struct {
	ConversationID string
	ID             string
	Text           *string
	Attachments    []model.Attachment
	Delivery       model.DeliveryState
	AutoDeleteAt   *time.Time
}

// MessageRemoved may arrive with only ID when the feed omits the old row.
type MessageRemoved struct {
	ConversationID string
	ID             string
}

type TypingStarted struct {
	Signal model.TypingSignal
}

type TypingStopped struct {
	ConversationID string
	UserID         string
}

// ReactionChanged replaces UserID's reaction on MessageID. Removed reactions
// may carry only ReactionID.
type ReactionChanged struct {
	Reaction model.Reaction
	Removed  bool
}

type ReceiptAdded struct {
	Receipt model.Receipt
}

type NotificationAdded struct {
	Notification model.Notification
}

type NotificationRead struct {
	ID string
}

type PresenceChanged struct {
	UserID string
	Online bool
}

type ConversationJoined struct {
	Conversation model.Conversation
}

func (MessageAdded) event()       {}
func (MessageUpdated) event()     {}
func (MessageRemoved) event()     {}
func (TypingStarted) event()      {}
func (TypingStopped) event()      {}
func (ReactionChanged) event()    {}
func (ReceiptAdded) event()       {}
func (NotificationAdded) event()  {}
func (NotificationRead) event()   {}
func (PresenceChanged) event()    {}
func (ConversationJoined) event() {}
