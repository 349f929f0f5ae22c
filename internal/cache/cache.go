// Package cache provides caching infrastructure for RepoPilot.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// Client defines the cache interface.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// CacheKey generates a cache key from components.
func CacheKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

// ResponseKey hashes (repo_id, question, commit_hash) into a response cache key.
func ResponseKey(repoID, question, commitHash string) string {
	sum := sha256.Sum256([]byte(repoID + "|" + question + "|" + commitHash))
	return hex.EncodeToString(sum[:])
}

// RoutingKey hashes a normalized question into a routing cache key.
func RoutingKey(question string) string {
	sum := sha256.Sum256([]byte(question))
	return hex.EncodeToString(sum[:])
}
