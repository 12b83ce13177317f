// Package cleanup runs the core's two background sweeps: reaping chunk
// sessions that reached a terminal state or outlived the session TTL
// (plus file records no attachment references), and draining the
// parked notification queue for users who were offline when an event
// fired. Each sweep is a single ticker-driven goroutine, started from
// main and stopped by context cancellation.
package cleanup

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovasabi-labs/filehub/internal/chunk"
	"github.com/ovasabi-labs/filehub/internal/fastkv"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/wsupload"
)

const sessionKeyPrefix = "chunk_session:"

// notifyQueueKey is the capped per-user parked-event list fed by Runner's
// Park method when a fanout target has no live socket.
func notifyQueueKey(userID string) string { return "notify_queue:" + userID }

const notifyQueueCap = 200

// Runner owns both sweeps. chunkBlobs removes a session's on-disk chunk
// tree; fs reaps file records orphaned by every attachment being removed.
type Runner struct {
	kv         fastkv.KV
	chunkBlobs chunk.BlobStore
	fs         *store.FileStore
	hub        *wsupload.Hub

	sessionTTL      time.Duration
	unreferencedAge time.Duration
	log             *zap.Logger
}

// New creates a Runner. hub may be nil if the deployment has no
// notification queue to drain (the session sweep still runs).
func New(kv fastkv.KV, chunkBlobs chunk.BlobStore, fs *store.FileStore, hub *wsupload.Hub, sessionTTL, unreferencedAge time.Duration, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		kv: kv, chunkBlobs: chunkBlobs, fs: fs, hub: hub,
		sessionTTL: sessionTTL, unreferencedAge: unreferencedAge,
		log: log.With(zap.String("module", "cleanup")),
	}
}

// Run starts both sweeps on their own tickers and blocks until ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context, sessionSweepInterval, queueDrainInterval time.Duration) {
	sessionTicker := time.NewTicker(sessionSweepInterval)
	defer sessionTicker.Stop()
	queueTicker := time.NewTicker(queueDrainInterval)
	defer queueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionTicker.C:
			r.sweepSessions(ctx)
		case <-queueTicker.C:
			r.drainQueue(ctx)
		}
	}
}

// sweepSessions finds chunk sessions that are either in a terminal state
// or have outlived the session TTL without completing, removes their
// on-disk chunk tree, and deletes their fast-store keys; it then reaps
// file records left unreferenced by every message detaching from them.
func (r *Runner) sweepSessions(ctx context.Context) {
	keys, err := r.kv.Scan(ctx, sessionKeyPrefix+"*")
	if err != nil {
		r.log.Warn("session sweep scan failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		id := strings.TrimPrefix(key, sessionKeyPrefix)
		fields, err := r.kv.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		if !r.shouldReap(fields) {
			continue
		}
		if err := r.chunkBlobs.RemoveSession(ctx, id); err != nil {
			r.log.Warn("session sweep chunk removal failed", zap.String("session_id", id), zap.Error(err))
		}
		if err := r.kv.Del(ctx,
			key,
			"chunk_uploaded:"+id,
			"chunk_failed:"+id,
			"chunk_progress:"+id,
		); err != nil {
			r.log.Warn("session sweep key delete failed", zap.String("session_id", id), zap.Error(err))
		}
	}

	if r.fs == nil || r.unreferencedAge <= 0 {
		return
	}
	ids, err := r.fs.FindUnreferenced(ctx, r.unreferencedAge)
	if err != nil {
		r.log.Warn("unreferenced sweep failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := r.fs.Purge(ctx, id); err != nil {
			r.log.Warn("unreferenced purge failed", zap.String("file_id", id), zap.Error(err))
		}
	}
}

func (r *Runner) shouldReap(fields map[string]string) bool {
	switch fields["status"] {
	case string(chunk.StatusCompleted), string(chunk.StatusFailed), string(chunk.StatusCancelled):
		return true
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return true // unparsable bookkeeping is itself a reason to reclaim it
	}
	return time.Since(createdAt) > r.sessionTTL
}

// Park records an event for userID that could not be delivered live
// because the user had no connected socket at fanout time. The queue is
// capped so a permanently offline user cannot grow it without bound.
func (r *Runner) Park(ctx context.Context, userID string, evt wsupload.Event) {
	raw, err := encodeEvent(evt)
	if err != nil {
		r.log.Warn("park encode failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := r.kv.LPushCapped(ctx, notifyQueueKey(userID), notifyQueueCap, raw); err != nil {
		r.log.Warn("park enqueue failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// drainQueue redelivers parked events to any user who has since
// reconnected; events for users still offline are left in place for a
// later pass.
func (r *Runner) drainQueue(ctx context.Context) {
	if r.hub == nil {
		return
	}
	keys, err := r.kv.Scan(ctx, "notify_queue:*")
	if err != nil {
		r.log.Warn("queue drain scan failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		userID := strings.TrimPrefix(key, "notify_queue:")
		if !r.hub.Online(userID) {
			continue
		}
		// read+delete in one scripted step: a Park landing between a
		// separate LRange and Del would be silently discarded.
		res, err := r.kv.RunScript(ctx, "queue_drain", []string{key})
		if err != nil {
			r.log.Warn("queue drain read failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		items, ok := res.([]interface{})
		if !ok {
			continue
		}
		// the list is pushed newest-first; walk it backwards so events
		// redeliver in the order they were parked.
		for i := len(items) - 1; i >= 0; i-- {
			raw, ok := items[i].(string)
			if !ok {
				continue
			}
			evt, err := decodeEvent(raw)
			if err != nil {
				continue
			}
			r.hub.Notify(userID, evt)
		}
	}
}

func encodeEvent(evt wsupload.Event) (string, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeEvent(raw string) (wsupload.Event, error) {
	var evt wsupload.Event
	err := json.Unmarshal([]byte(raw), &evt)
	return evt, err
}
