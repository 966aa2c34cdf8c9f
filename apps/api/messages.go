package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/backend"
	"github.com/mahaj/tenant-realtime/pkg/model"
)

// ListMessages returns the conversation history, oldest first.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	messages, err := s.repo.Messages(r.Context(), cid, s.now())
	if err != nil {
		storageError(w, err, "retrieve history")
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// InsertMessage stores a message from the caller and echoes the stored row,
// correlation id included.
func (s *Server) InsertMessage(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	var in model.Message
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		http.Error(w, "text or attachments required", http.StatusBadRequest)
		return
	}

	now := s.now().UTC()
	m := model.Message{
		ID:             s.ids.String(""),
		ConversationID: chi.URLParam(r, "cid"),
		SenderID:       claims.UserID,
		SenderName:     in.SenderName,
		Text:           in.Text,
		Attachments:    in.Attachments,
		CreatedAt:      now,
		Delivery:       model.DeliverySent,
		CorrelationID:  in.CorrelationID,
	}
	if m.SenderName == "" {
		m.SenderName = claims.DisplayName
	}
	if in.AutoDeleteAt != nil {
		// Keep the lifetime the sender chose, measured from the server clock.
		lifetime := in.AutoDeleteAt.Sub(in.CreatedAt)
		if in.CreatedAt.IsZero() || lifetime <= 0 {
			lifetime = in.AutoDeleteAt.Sub(now)
		}
		if lifetime <= 0 {
			http.Error(w, "auto_delete_at is in the past", http.StatusBadRequest)
			return
		}
		at := now.Add(lifetime)
		m.AutoDeleteAt = &at
	}

	if err := s.repo.InsertMessage(r.Context(), m); err != nil {
		storageError(w, err, "save message")
		return
	}
	s.publish(r.Context(), change(model.ChangeInsert, model.RelationMessages, m))
	jww.DEBUG.Printf("Message %s saved to %s", m.ID, m.ConversationID)
	writeJSON(w, http.StatusCreated, m)
}

type MessagePatch struct {
	Text         *string             `json:"text,omitempty"`
	Delivery     model.DeliveryState `json:"delivery_state,omitempty"`
	AutoDeleteAt *time.Time          `json:"auto_delete_at,omitempty"`
}

// UpdateMessage edits text (sender only) or advances delivery state
// (recipients only). Delivery never moves backwards.
func (s *Server) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	m, ok := s.loadMessage(w, r)
	if !ok {
		return
	}
	var patch MessagePatch
	if !decode(w, r, &patch) {
		return
	}

	row := model.Row{"id": m.ID, "conversation_id": m.ConversationID}
	if patch.Text != nil || patch.AutoDeleteAt != nil {
		if m.SenderID != claims.UserID {
			http.Error(w, "Only the sender can edit a message", http.StatusForbidden)
			return
		}
		if patch.Text != nil {
			m.Text = *patch.Text
			row["text"] = m.Text
		}
		if patch.AutoDeleteAt != nil {
			at := patch.AutoDeleteAt.UTC()
			m.AutoDeleteAt = &at
			row["auto_delete_at"] = at
		}
	}
	if patch.Delivery != "" {
		if !patch.Delivery.Valid() {
			http.Error(w, "unknown delivery_state", http.StatusBadRequest)
			return
		}
		if m.SenderID == claims.UserID {
			http.Error(w, "Delivery state is set by recipients", http.StatusForbidden)
			return
		}
		m.Delivery = m.Delivery.Advance(patch.Delivery)
		row["delivery_state"] = string(m.Delivery)
	}

	if err := s.repo.UpdateMessage(r.Context(), m); err != nil {
		storageError(w, err, "update message")
		return
	}
	s.publish(r.Context(), model.Change{EventType: model.ChangeUpdate, Table: model.RelationMessages, New: row})
	writeJSON(w, http.StatusOK, m)
}

// DeleteMessage unsends one of the caller's messages.
func (s *Server) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	m, ok := s.loadMessage(w, r)
	if !ok {
		return
	}
	if m.SenderID != claims.UserID {
		http.Error(w, "Only the sender can delete a message", http.StatusForbidden)
		return
	}
	if err := s.repo.DeleteMessage(r.Context(), m); err != nil {
		storageError(w, err, "delete message")
		return
	}
	s.publish(r.Context(), model.Change{EventType: model.ChangeDelete, Table: model.RelationMessages,
		Old: model.Row{"id": m.ID, "conversation_id": m.ConversationID}})
	w.WriteHeader(http.StatusNoContent)
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// React sets the caller's one reaction on a message. A previous reaction
// is withdrawn on the feed before the new one is announced.
func (s *Server) React(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	var req ReactionRequest
	if !decode(w, r, &req) {
		return
	}
	if !model.ValidReaction(req.Emoji) {
		http.Error(w, "unsupported reaction", http.StatusBadRequest)
		return
	}
	m, ok := s.loadMessage(w, r)
	if !ok {
		return
	}

	prev, prevErr := s.repo.Reaction(r.Context(), m.ID, claims.UserID)
	reaction := model.Reaction{
		ID:             uuid.NewString(),
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		UserID:         claims.UserID,
		Emoji:          req.Emoji,
	}
	if err := s.repo.UpsertReaction(r.Context(), reaction); err != nil {
		storageError(w, err, "save reaction")
		return
	}

	var changes []model.Change
	if prevErr == nil && prev.ID != "" {
		changes = append(changes, change(model.ChangeDelete, model.RelationReactions, prev))
	}
	changes = append(changes, change(model.ChangeInsert, model.RelationReactions, reaction))
	s.publish(r.Context(), changes...)
	writeJSON(w, http.StatusOK, reaction)
}

func (s *Server) Unreact(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	m, ok := s.loadMessage(w, r)
	if !ok {
		return
	}
	prev, err := s.repo.Reaction(r.Context(), m.ID, claims.UserID)
	if err != nil {
		storageError(w, err, "load reaction")
		return
	}
	if err := s.repo.DeleteReaction(r.Context(), m.ID, claims.UserID); err != nil {
		storageError(w, err, "delete reaction")
		return
	}
	s.publish(r.Context(), change(model.ChangeDelete, model.RelationReactions, prev))
	w.WriteHeader(http.StatusNoContent)
}

// Receipts records that the caller read inbound messages and moves their
// delivery state to read.
func (s *Server) Receipts(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	cid := chi.URLParam(r, "cid")
	var req backend.ReceiptsRequest
	if !decode(w, r, &req) {
		return
	}

	now := s.now().UTC()
	var changes []model.Change
	for _, id := range req.MessageIDs {
		m, err := s.repo.Message(r.Context(), id)
		if err != nil {
			jww.WARN.Printf("Receipt for unknown message %s: %v", id, err)
			continue
		}
		if m.ConversationID != cid || m.SenderID == claims.UserID {
			continue
		}
		receipt := model.Receipt{ConversationID: cid, MessageID: id, UserID: claims.UserID, ReadAt: now}
		if err := s.repo.InsertReceipt(r.Context(), receipt); err != nil {
			storageError(w, err, "save receipt")
			return
		}
		changes = append(changes, change(model.ChangeInsert, model.RelationReceipts, receipt))

		if next := m.Delivery.Advance(model.DeliveryRead); next != m.Delivery {
			m.Delivery = next
			if err := s.repo.UpdateMessage(r.Context(), m); err != nil {
				storageError(w, err, "update message")
				return
			}
			changes = append(changes, model.Change{EventType: model.ChangeUpdate, Table: model.RelationMessages,
				New: model.Row{"id": m.ID, "conversation_id": cid, "delivery_state": string(m.Delivery)}})
		}
	}
	if len(changes) > 0 {
		s.publish(r.Context(), changes...)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Typing relays the caller's typing state. Nothing is stored.
func (s *Server) Typing(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	var req backend.TypingRequest
	if !decode(w, r, &req) {
		return
	}
	row := model.TypingRow{
		ConversationID: chi.URLParam(r, "cid"),
		UserID:         claims.UserID,
		UserName:       claims.DisplayName,
		IsTyping:       req.IsTyping,
		UpdatedAt:      s.now().UTC(),
	}
	s.publish(r.Context(), change(model.ChangeUpdate, model.RelationTyping, row))
	w.WriteHeader(http.StatusNoContent)
}

// loadMessage fetches {mid} and checks it belongs to {cid}.
func (s *Server) loadMessage(w http.ResponseWriter, r *http.Request) (model.Message, bool) {
	m, err := s.repo.Message(r.Context(), chi.URLParam(r, "mid"))
	if err != nil {
		storageError(w, err, "load message")
		return m, false
	}
	if m.ConversationID != chi.URLParam(r, "cid") {
		http.Error(w, "Not found", http.StatusNotFound)
		return m, false
	}
	return m, true
}
