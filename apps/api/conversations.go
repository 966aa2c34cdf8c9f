package main

import (
	"net/http"
	"strings"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/model"
)

// ListConversations returns the caller's conversations with unread counts
// and, for direct ones, the other participant's presence.
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	conversations, err := s.repo.Conversations(r.Context(), claims.UserID)
	if err != nil {
		storageError(w, err, "list conversations")
		return
	}
	for i := range conversations {
		c := &conversations[i]
		a, b, ok := model.DirectParticipants(c.ID)
		if !ok {
			continue
		}
		c.Kind = model.KindDirect
		if c.ParticipantID == "" {
			c.ParticipantID = a
			if a == claims.UserID {
				c.ParticipantID = b
			}
		}
		if online, err := s.presence.Online(r.Context(), c.ParticipantID); err == nil {
			c.Online = online
		} else {
			jww.WARN.Printf("Failed to fetch presence for %s: %v", c.ParticipantID, err)
		}
	}
	if conversations == nil {
		conversations = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

type CreateConversationRequest struct {
	// With starts a direct conversation with that user.
	With string `json:"with,omitempty"`

	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	Members []string `json:"members,omitempty"`
}

// CreateConversation opens a direct conversation or a group and announces it
// to every member.
func (s *Server) CreateConversation(w http.ResponseWriter, r *http.Request) {
	claims := claimsOf(r)
	var req CreateConversationRequest
	if !decode(w, r, &req) {
		return
	}

	var c model.Conversation
	switch {
	case req.With != "":
		if req.With == claims.UserID {
			http.Error(w, "cannot start a conversation with yourself", http.StatusBadRequest)
			return
		}
		c = model.Conversation{
			ID:      model.DirectID(claims.UserID, req.With),
			Kind:    model.KindDirect,
			Members: []string{claims.UserID, req.With},
		}
	case req.ID != "" && !strings.HasPrefix(req.ID, "dm:"):
		c = model.Conversation{ID: req.ID, Kind: model.KindGroup, Name: req.Name, Icon: req.Icon}
		c.Members = appendUnique(req.Members, claims.UserID)
	default:
		http.Error(w, "with or a group id is required", http.StatusBadRequest)
		return
	}

	now := s.now().UTC()
	var changes []model.Change
	for _, member := range c.Members {
		mine := c
		if c.Kind == model.KindDirect {
			mine.ParticipantID = c.Members[0]
			if mine.ParticipantID == member {
				mine.ParticipantID = c.Members[1]
			}
		}
		if err := s.repo.UpsertConversation(r.Context(), member, mine, now); err != nil {
			storageError(w, err, "save conversation")
			return
		}
		row, _ := model.ToRow(mine)
		row["user_id"] = member
		changes = append(changes, model.Change{EventType: model.ChangeInsert, Table: model.RelationConversations, New: row})
	}
	s.publish(r.Context(), changes...)
	writeJSON(w, http.StatusCreated, c)
}

func appendUnique(list []string, v string) []string {
	out := make([]string, 0, len(list)+1)
	seen := make(map[string]bool, len(list)+1)
	for _, s := range append(list, v) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
