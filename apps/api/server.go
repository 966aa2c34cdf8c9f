package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/auth"
	"github.com/mahaj/tenant-realtime/pkg/db"
	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/snowflake"
)

// Repository is the storage the api writes through. *db.Session implements
// it.
type Repository interface {
	InsertMessage(ctx context.Context, m model.Message) error
	Messages(ctx context.Context, conversationID string, now time.Time) ([]model.Message, error)
	Message(ctx context.Context, id string) (model.Message, error)
	UpdateMessage(ctx context.Context, m model.Message) error
	DeleteMessage(ctx context.Context, m model.Message) error
	Reaction(ctx context.Context, messageID, userID string) (model.Reaction, error)
	UpsertReaction(ctx context.Context, r model.Reaction) error
	DeleteReaction(ctx context.Context, messageID, userID string) error
	InsertReceipt(ctx context.Context, r model.Receipt) error
	UpsertConversation(ctx context.Context, userID string, c model.Conversation, at time.Time) error
	Conversations(ctx context.Context, userID string) ([]model.Conversation, error)
	InsertNotification(ctx context.Context, n model.Notification) error
	Notifications(ctx context.Context, userID string) ([]model.Notification, error)
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) ([]string, error)
}

// Publisher puts committed changes on the feed.
type Publisher interface {
	Publish(ctx context.Context, changes ...model.Change) error
}

type PresenceLookup interface {
	Online(ctx context.Context, userID string) (bool, error)
}

type Server struct {
	repo     Repository
	feed     Publisher
	presence PresenceLookup
	signer   *auth.Signer
	ids      *snowflake.Node
	files    string
	now      func() time.Time
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"}, // Allow all for dev, or specific origin
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "X-CSRF-Token", "Authorization"},
		MaxAge:         300,
	}))

	// Public endpoint
	r.Post("/login", s.Login)

	// Protected endpoints
	r.Group(func(r chi.Router) {
		r.Use(s.signer.Middleware)

		r.Get("/conversations", s.ListConversations)
		r.Post("/conversations", s.CreateConversation)
		r.Route("/conversations/{cid}", func(r chi.Router) {
			r.Use(s.conversationAccess)
			r.Get("/messages", s.ListMessages)
			r.Post("/messages", s.InsertMessage)
			r.Patch("/messages/{mid}", s.UpdateMessage)
			r.Delete("/messages/{mid}", s.DeleteMessage)
			r.Put("/messages/{mid}/reactions", s.React)
			r.Delete("/messages/{mid}/reactions", s.Unreact)
			r.Post("/receipts", s.Receipts)
			r.Put("/typing", s.Typing)
		})

		r.Get("/notifications", s.ListNotifications)
		r.Post("/notifications", s.CreateNotification)
		r.Post("/notifications/read", s.MarkNotificationsRead)

		r.Get("/presence/{uid}", s.Presence)

		r.Post("/files", s.Upload)
		r.Get("/files/{name}", s.Download)
	})
	return r
}

// conversationAccess limits a direct conversation to its two participants.
// Other conversation ids are tenant-wide groups.
func (s *Server) conversationAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.FromContext(r.Context())
		cid := chi.URLParam(r, "cid")
		if a, b, ok := model.DirectParticipants(cid); ok {
			if claims.UserID != a && claims.UserID != b {
				http.Error(w, "Unauthorized to access this DM", http.StatusForbidden)
				return
			}
		} else if len(cid) > 3 && cid[:3] == "dm:" {
			http.Error(w, "Invalid DM channel format", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// publish logs feed failures; the write already committed and clients
// reconcile from their own responses.
func (s *Server) publish(ctx context.Context, changes ...model.Change) {
	for i := range changes {
		if changes[i].CommitTimestamp.IsZero() {
			changes[i].CommitTimestamp = s.now().UTC()
		}
	}
	if err := s.feed.Publish(ctx, changes...); err != nil {
		jww.ERROR.Printf("Failed to publish %d changes: %v", len(changes), err)
	}
}

func change(t model.ChangeType, table string, v interface{}) model.Change {
	row, err := model.ToRow(v)
	if err != nil {
		jww.ERROR.Printf("Failed to encode %s row: %v", table, err)
	}
	c := model.Change{EventType: t, Table: table}
	if t == model.ChangeDelete {
		c.Old = row
	} else {
		c.New = row
	}
	return c
}

func claimsOf(r *http.Request) *auth.Claims {
	claims, _ := auth.FromContext(r.Context())
	return claims
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		jww.WARN.Printf("Failed to write response: %v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// storageError answers a repository failure.
func storageError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	jww.ERROR.Printf("Failed to %s: %v", what, err)
	http.Error(w, "Failed to "+what, http.StatusInternalServerError)
}
