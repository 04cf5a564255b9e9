package cache

import (
	"context"
	"time"
)

// Cache defines the cache operations used by repositories and settings.
type Cache interface {
	BasicOps
	HashOps
	PubSubOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key; a missing key yields "" and no error
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair; a ttl of 0 means no expiration
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error
}

// HashOps defines hash operations
type HashOps interface {
	HSet(ctx context.Context, key, field string, value interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// PubSubOps defines publish/subscribe operations
type PubSubOps interface {
	Publish(ctx context.Context, channel string, payload string) error

	// Subscribe delivers payloads published on channel until ctx is done.
	// The returned channel is closed when the subscription ends.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
}
