package main

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mahaj/tenant-realtime/pkg/backend"
	"github.com/mahaj/tenant-realtime/pkg/model"
)

func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	ns, err := s.repo.Notifications(r.Context(), claims.UserID)
	if err != nil {
		storageError(w, err, "list notifications")
		return
	}
	if ns == nil {
		ns = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, ns)
}

type CreateNotificationRequest struct {
	UserID string                 `json:"user_id"`
	Kind   model.NotificationKind `json:"kind"`
	Title  string                 `json:"title"`
	Body   string                 `json:"body,omitempty"`
}

// CreateNotification is how tenant workflows (document shares, task and
// repair updates, billing) raise a notification for a user.
func (s *Server) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req CreateNotificationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Title == "" || !req.Kind.Valid() {
		http.Error(w, "user_id, title and a known kind are required", http.StatusBadRequest)
		return
	}
	n := model.Notification{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Title:     req.Title,
		Body:      req.Body,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.InsertNotification(r.Context(), n); err != nil {
		storageError(w, err, "save notification")
		return
	}
	s.publish(r.Context(), change(model.ChangeInsert, model.RelationNotifications, n))
	writeJSON(w, http.StatusCreated, n)
}

// MarkNotificationsRead marks the given ids, or all of the caller's
// notifications when none are given.
func (s *Server) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	var req backend.NotificationsReadRequest
	if !decode(w, r, &req) {
		return
	}
	marked, err := s.repo.MarkNotificationsRead(r.Context(), claims.UserID, req.IDs)
	if err != nil {
		storageError(w, err, "mark notifications read")
		return
	}
	changes := make([]model.Change, 0, len(marked))
	for _, id := range marked {
		changes = append(changes, model.Change{EventType: model.ChangeUpdate, Table: model.RelationNotifications,
			New: model.Row{"id": id, "user_id": claims.UserID, "read": true}})
	}
	if len(changes) > 0 {
		s.publish(r.Context(), changes...)
	}
	w.WriteHeader(http.StatusNoContent)
}
