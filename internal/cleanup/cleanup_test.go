package cleanup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ovasabi-labs/filehub/internal/chunk"
	"github.com/ovasabi-labs/filehub/internal/fastkv"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/wsupload"
)

func TestSweepSessions_ReapsTerminalAndStaleSessions(t *testing.T) {
	ctx := context.Background()
	kv := fastkv.NewMemory(time.Now)
	chunkBlobs := chunk.NewLocalBlobStore(t.TempDir())
	idx := store.NewMemIndex()
	fs := store.New(store.NewLocalBlobStore(t.TempDir()), idx, func() (string, error) { return "id", nil }, nil)

	require.NoError(t, kv.HSet(ctx, "chunk_session:terminal", map[string]string{
		"status": string(chunk.StatusCompleted), "created_at": time.Now().Format(time.RFC3339Nano),
	}))
	require.NoError(t, kv.HSet(ctx, "chunk_session:stale", map[string]string{
		"status": string(chunk.StatusUploading), "created_at": time.Now().Add(-2 * time.Hour).Format(time.RFC3339Nano),
	}))
	require.NoError(t, kv.HSet(ctx, "chunk_session:fresh", map[string]string{
		"status": string(chunk.StatusUploading), "created_at": time.Now().Format(time.RFC3339Nano),
	}))

	r := New(kv, chunkBlobs, fs, nil, time.Hour, 0, nil)
	r.sweepSessions(ctx)

	keys, err := kv.Scan(ctx, "chunk_session:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"chunk_session:fresh"}, keys)
}

func TestSweepSessions_PurgesUnreferencedFiles(t *testing.T) {
	ctx := context.Background()
	kv := fastkv.NewMemory(time.Now)
	chunkBlobs := chunk.NewLocalBlobStore(t.TempDir())
	idx := store.NewMemIndex()
	fs := store.New(store.NewLocalBlobStore(t.TempDir()), idx, func() (string, error) { return "id-1", nil }, nil)

	res, err := fs.Put(ctx, []byte("orphaned"), "text/plain", "o.txt", "user-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	r := New(kv, chunkBlobs, fs, nil, time.Hour, time.Millisecond, nil)
	r.sweepSessions(ctx)

	_, err = idx.Get(ctx, res.Record.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestParkAndDrainQueue_KeepsEventsForOfflineUsers(t *testing.T) {
	ctx := context.Background()
	kv := fastkv.NewMemory(time.Now)
	chunkBlobs := chunk.NewLocalBlobStore(t.TempDir())
	hub := wsupload.New(nil, nil, "test-secret", nil)
	r := New(kv, chunkBlobs, nil, hub, time.Hour, 0, nil)

	payload, err := json.Marshal(map[string]string{"file_id": "f1"})
	require.NoError(t, err)
	evt := wsupload.Event{Type: wsupload.EventFileUploaded, Payload: payload}

	r.Park(ctx, "offline-user", evt)
	r.Park(ctx, "online-user", evt)

	// neither user has a live socket, so nothing should be delivered yet.
	r.drainQueue(ctx)
	keys, err := kv.Scan(ctx, "notify_queue:*")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	items, err := kv.LRange(ctx, "notify_queue:offline-user", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 1)
}
