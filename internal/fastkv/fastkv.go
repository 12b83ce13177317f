// Package fastkv defines the narrow capability the chunk-session manager,
// the capability-token service, and background cleanup need from a fast
// key/value store: hash, set and capped-list operations, TTL management,
// named scripted atomic updates, and key enumeration. Production is backed by
// Redis (see redis.go); unit tests run against the in-memory fake in
// memory.go. Neither caller depends on *redis.Client directly.
package fastkv

import (
	"context"
	"time"
)

// Script is a pre-compiled scripted atomic update, identified by a name
// unique within the process. Implementations decide how to realize it
// (Lua EVAL for Redis, a mutex-guarded function for the in-memory fake).
type Script interface {
	// Run executes the script against the given keys and args, returning
	// whatever the script produces (implementation-defined shape).
	Run(ctx context.Context, keys []string, args ...interface{}) (interface{}, error)
}

// KV is the fast-store capability. Every method that mutates session,
// token, progress, or index state must be atomic at the single-key level;
// FastKV implementations never expose a read-then-write race to callers.
type KV interface {
	// Hash operations back session records, progress hashes, and token
	// bindings.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Set operations back completed/failed chunk indices and per-user
	// token indices.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Capped list operations back the per-file/per-user download event
	// streams.
	LPushCapped(ctx context.Context, key string, cap int, value string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// TTL management. Expire refreshes a sliding-window TTL; TTL reports
	// the remaining time (negative if absent/persistent).
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Exists reports whether key has any data (hash, set, or list).
	Exists(ctx context.Context, key string) (bool, error)

	// Del removes a key and all its data, regardless of type.
	Del(ctx context.Context, keys ...string) error

	// Scan enumerates keys matching pattern, used by background cleanup
	// to find expired sessions without a secondary index.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// RunScript executes a named scripted atomic update. The set of valid
	// names and their semantics are owned by the caller (chunk.go defines
	// "chunk_complete"); implementations just need to honor atomicity.
	RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error)
}
