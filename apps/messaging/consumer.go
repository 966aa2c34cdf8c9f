package main

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/model"
)

// Projections are the per-user read models the projector maintains.
// *db.Session implements it.
type Projections interface {
	UpsertConversation(ctx context.Context, userID string, c model.Conversation, at time.Time) error
	Touch(ctx context.Context, userID, conversationID string, at time.Time) error
	Conversations(ctx context.Context, userID string) ([]model.Conversation, error)
	IncrementUnread(ctx context.Context, userID, conversationID string) error
	ResetUnread(ctx context.Context, userID, conversationID string) error
}

// Projector keeps conversation lists and unread counters in step with the
// change feed.
type Projector struct {
	db Projections
}

func NewProjector(db Projections) *Projector {
	return &Projector{db: db}
}

// Handle applies one change. Failures are logged; the feed moves on.
func (p *Projector) Handle(ctx context.Context, c model.Change) {
	switch {
	case c.Table == model.RelationMessages && c.EventType == model.ChangeInsert:
		var m model.Message
		if err := c.New.Decode(&m); err != nil || m.ConversationID == "" || m.SenderID == "" {
			jww.WARN.Printf("Skipping undecodable message insert: %v", err)
			return
		}
		p.messageInserted(ctx, m)

	case c.Table == model.RelationReceipts && c.EventType == model.ChangeInsert:
		var r model.Receipt
		if err := c.New.Decode(&r); err != nil || r.UserID == "" {
			jww.WARN.Printf("Skipping undecodable receipt: %v", err)
			return
		}
		if err := p.db.ResetUnread(ctx, r.UserID, r.ConversationID); err != nil {
			jww.ERROR.Printf("%v", err)
		}
	}
}

func (p *Projector) messageInserted(ctx context.Context, m model.Message) {
	at := m.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	// Direct: both sides get the conversation row, the recipient an unread.
	if a, b, ok := model.DirectParticipants(m.ConversationID); ok {
		for _, pair := range [][2]string{{a, b}, {b, a}} {
			c := model.Conversation{ID: m.ConversationID, Kind: model.KindDirect, ParticipantID: pair[1], Members: []string{a, b}}
			if err := p.db.UpsertConversation(ctx, pair[0], c, at); err != nil {
				jww.ERROR.Printf("Failed to update conversation for %s: %v", pair[0], err)
			}
		}
		recipient := a
		if recipient == m.SenderID {
			recipient = b
		}
		if err := p.db.IncrementUnread(ctx, recipient, m.ConversationID); err != nil {
			jww.ERROR.Printf("%v", err)
		}
		return
	}

	members, err := p.members(ctx, m.SenderID, m.ConversationID)
	if err != nil {
		jww.ERROR.Printf("Failed to resolve members of %s: %v", m.ConversationID, err)
		return
	}
	for _, member := range members {
		if err := p.db.Touch(ctx, member, m.ConversationID, at); err != nil {
			jww.ERROR.Printf("%v", err)
		}
		if member == m.SenderID {
			continue
		}
		if err := p.db.IncrementUnread(ctx, member, m.ConversationID); err != nil {
			jww.ERROR.Printf("%v", err)
		}
	}
}

// members reads a group's member list from the sender's copy of it.
func (p *Projector) members(ctx context.Context, sender, conversationID string) ([]string, error) {
	conversations, err := p.db.Conversations(ctx, sender)
	if err != nil {
		return nil, err
	}
	for _, c := range conversations {
		if c.ID == conversationID {
			if len(c.Members) == 0 {
				return []string{sender}, nil
			}
			return c.Members, nil
		}
	}
	return []string{sender}, nil
}
