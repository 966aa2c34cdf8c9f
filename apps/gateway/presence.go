package main

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// onlineUsersKey must match the api's presence lookup.
const onlineUsersKey = "presence:online"

type redisPresence struct {
	redis *redis.Client
}

func NewRedisPresence(rdb *redis.Client) Presence {
	return &redisPresence{redis: rdb}
}

func (p *redisPresence) Add(ctx context.Context, userID string) error {
	return p.redis.SAdd(ctx, onlineUsersKey, userID).Err()
}

func (p *redisPresence) Remove(ctx context.Context, userID string) error {
	return p.redis.SRem(ctx, onlineUsersKey, userID).Err()
}
