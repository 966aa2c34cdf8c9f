package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/backend"
)

// OnlineUsersKey is the Redis set of users with at least one live gateway
// connection. The gateway maintains it.
const OnlineUsersKey = "presence:online"

type redisPresence struct {
	redis *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceLookup {
	return &redisPresence{redis: rdb}
}

func (p *redisPresence) Online(ctx context.Context, userID string) (bool, error) {
	return p.redis.SIsMember(ctx, OnlineUsersKey, userID).Result()
}

func (s *Server) Presence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "uid")
	online, err := s.presence.Online(r.Context(), userID)
	if err != nil {
		jww.ERROR.Printf("Failed to fetch presence for %s: %v", userID, err)
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, backend.PresenceResponse{UserID: userID, Online: online})
}
