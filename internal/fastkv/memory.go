package fastkv

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// entry is the in-memory representation of one key's hash fields, set
// members, or list elements, plus an optional absolute expiry.
type entry struct {
	hash    map[string]string
	set     map[string]struct{}
	list    []string
	expires time.Time // zero means no TTL
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Memory is an in-process fake of KV for unit tests. It implements the
// same atomicity guarantees the Redis-backed store relies on (a single
// mutex serialises every operation, which is stronger than Redis needs
// but never weaker).
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

// NewMemory creates an empty in-memory fast store. clock defaults to
// time.Now; tests that need deterministic TTL behaviour can override it.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{data: make(map[string]*entry), now: clock}
}

func (m *Memory) getLocked(key string) *entry {
	e, ok := m.data[key]
	if ok && e.expired(m.now()) {
		delete(m.data, key)
		ok = false
	}
	if !ok {
		return nil
	}
	return e
}

func (m *Memory) ensureLocked(key string) *entry {
	e := m.getLocked(key)
	if e == nil {
		e = &entry{}
		m.data[key] = e
	}
	return e
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensureLocked(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil || e.hash == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil || e.hash == nil {
		return "", false, nil
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, incr int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensureLocked(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	cur, _ := strconv.ParseInt(e.hash[field], 10, 64)
	cur += incr
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil || e.hash == nil {
		return nil
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensureLocked(key)
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	for _, mem := range members {
		e.set[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil || e.set == nil {
		return nil
	}
	for _, mem := range members {
		delete(e.set, mem)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil || e.set == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for k := range e.set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil || e.set == nil {
		return false, nil
	}
	_, ok := e.set[member]
	return ok, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.set)), nil
}

func (m *Memory) LPushCapped(_ context.Context, key string, cap int, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensureLocked(key)
	e.list = append([]string{value}, e.list...)
	if len(e.list) > cap {
		e.list = e.list[:cap]
	}
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil || len(e.list) == 0 {
		return nil, nil
	}
	n := int64(len(e.list))
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil {
		return nil
	}
	e.expires = m.now().Add(ttl)
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getLocked(key)
	if e == nil {
		return -2 * time.Second, nil
	}
	if e.expires.IsZero() {
		return -1 * time.Second, nil
	}
	return e.expires.Sub(m.now()), nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key) != nil, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []string
	for k, e := range m.data {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RunScript implements the "chunk_complete" and "queue_drain" atomic
// updates; the mutex held for the whole operation gives them the same
// linearisability Redis's EVAL provides.
func (m *Memory) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	switch name {
	case "chunk_complete":
		return m.runChunkComplete(keys, args...)
	case "queue_drain":
		return m.runQueueDrain(keys[0])
	default:
		panic("fastkv: unknown script " + name)
	}
}

// runQueueDrain reads and deletes a list in one step, so a concurrent
// push can never land between the read and the delete.
func (m *Memory) runQueueDrain(key string) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []interface{}
	if e := m.getLocked(key); e != nil {
		for _, v := range e.list {
			items = append(items, v)
		}
	}
	delete(m.data, key)
	return items, nil
}

// keys: [uploaded-set, failed-set, session-hash, progress-hash]
// args: [idx, totalChunks, ttlSeconds, status]
func (m *Memory) runChunkComplete(keys []string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, _ := args[0].(string)
	total, _ := strconv.Atoi(toStr(args[1]))
	ttlSeconds, _ := strconv.Atoi(toStr(args[2]))
	status, _ := args[3].(string)

	uploadedKey, failedKey, sessionKey, progressKey := keys[0], keys[1], keys[2], keys[3]

	uploaded := m.ensureLocked(uploadedKey)
	if uploaded.set == nil {
		uploaded.set = make(map[string]struct{})
	}
	uploaded.set[idx] = struct{}{}

	if failed := m.getLocked(failedKey); failed != nil && failed.set != nil {
		delete(failed.set, idx)
	}

	session := m.ensureLocked(sessionKey)
	if session.hash == nil {
		session.hash = make(map[string]string)
	}
	session.hash["status"] = status

	completed := len(uploaded.set)
	pct := 0
	if total > 0 {
		pct = (completed * 100) / total
	}
	progress := m.ensureLocked(progressKey)
	if progress.hash == nil {
		progress.hash = make(map[string]string)
	}
	progress.hash["percent"] = strconv.Itoa(pct)
	progress.hash["completed"] = strconv.Itoa(completed)

	ttl := time.Duration(ttlSeconds) * time.Second
	for _, k := range []string{uploadedKey, failedKey, sessionKey, progressKey} {
		if e := m.getLocked(k); e != nil {
			e.expires = m.now().Add(ttl)
		}
	}

	return []interface{}{int64(completed), int64(pct)}, nil
}

func toStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

var _ KV = (*Memory)(nil)
var _ KV = (*Redis)(nil)
