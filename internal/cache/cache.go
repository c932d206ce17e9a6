// Package cache holds short-lived encoded records in front of the store.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache stores byte values under string keys. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Config selects and sizes a cache backend.
type Config struct {
	Type string // "memory" or "redis"
	Size int
	TTL  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// New builds the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(cfg.Size, cfg.TTL), nil
	case "redis":
		return NewRedis(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
}
