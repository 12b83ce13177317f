package fastkv

import (
	"context"
	"fmt"
	"time"

	"github.com/ovasabi-labs/filehub/pkg/redis"
	"github.com/ovasabi-labs/filehub/pkg/utils"
)

// opTimeout bounds every fast-store round trip; the store is in-memory
// and local, so anything slower is treated as a failure rather than
// allowed to stall an upload worker.
const opTimeout = time.Second

func withOpTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return utils.ContextWithCustomTimeout(ctx, opTimeout)
}

// chunkCompleteLua records one chunk's success atomically: add idx to the
// completed set, remove it from the failed set, set status, refresh the
// session TTL, and recompute the completion percentage, all in one round
// trip so two sockets uploading distinct chunk indices never race on a
// read-modify-write of a serialised array.
//
// KEYS[1] = chunk_uploaded:<session>  (set)
// KEYS[2] = chunk_failed:<session>    (set)
// KEYS[3] = chunk_session:<session>   (hash, field "status")
// KEYS[4] = chunk_progress:<session>  (hash, fields "percent","completed")
// ARGV[1] = idx (string)
// ARGV[2] = total_chunks
// ARGV[3] = ttl seconds
// ARGV[4] = status value to set ("uploading")
const chunkCompleteLua = `
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'status', ARGV[4])
local completed = redis.call('SCARD', KEYS[1])
local total = tonumber(ARGV[2])
local pct = 0
if total > 0 then
  pct = math.floor((completed * 100) / total)
end
redis.call('HSET', KEYS[4], 'percent', tostring(pct), 'completed', tostring(completed))
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
redis.call('EXPIRE', KEYS[3], ARGV[3])
redis.call('EXPIRE', KEYS[4], ARGV[3])
return {completed, pct}
`

// queueDrainLua reads and deletes a parked-notification list in one
// atomic step, so an event parked between a separate read and delete can
// never be silently discarded.
//
// KEYS[1] = notify_queue:<user> (list)
const queueDrainLua = `
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`

// Redis adapts pkg/redis.Cache to the KV capability. It owns the
// compiled Lua scripts for the "chunk_complete" and "queue_drain" atomic
// updates; any other script name is a programmer error.
type Redis struct {
	cache   *redis.Cache
	scripts map[string]*redis.Script
}

// NewRedis wraps an already-connected cache.
func NewRedis(cache *redis.Cache) *Redis {
	return &Redis{
		cache: cache,
		scripts: map[string]*redis.Script{
			"chunk_complete": redis.NewScript(chunkCompleteLua),
			"queue_drain":    redis.NewScript(queueDrainLua),
		},
	}
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	m := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.HSetFields(ctx, key, m)
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.HGetAll(ctx, key)
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	v, err := r.cache.HGet(ctx, key, field)
	if err != nil {
		return "", false, nil //nolint:nilerr // miss, not failure; HGetAll-style callers check the bool
	}
	return v, true, nil
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.HIncrBy(ctx, key, field, incr)
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.HDel(ctx, key, fields...)
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.SAdd(ctx, key, args...)
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.SRem(ctx, key, args...)
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.SMembers(ctx, key)
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.SIsMember(ctx, key, member)
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.SCard(ctx, key)
}

func (r *Redis) LPushCapped(ctx context.Context, key string, cap int, value string) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.LPushCapped(ctx, key, cap, value)
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.LRange(ctx, key, start, stop)
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.Expire(ctx, key, ttl)
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.TTL(ctx, key)
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.Exists(ctx, key)
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.Del(ctx, keys...)
}

func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.Keys(ctx, pattern)
}

func (r *Redis) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	s, ok := r.scripts[name]
	if !ok {
		return nil, fmt.Errorf("fastkv: unknown script %q", name)
	}
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()
	return r.cache.Run(ctx, s, keys, args...)
}
