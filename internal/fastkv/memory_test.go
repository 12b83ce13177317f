package fastkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunScript_ChunkComplete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Now)

	require.NoError(t, m.SAdd(ctx, "chunk_failed:s1", "2"))

	res, err := m.RunScript(ctx, "chunk_complete",
		[]string{"chunk_uploaded:s1", "chunk_failed:s1", "chunk_session:s1", "chunk_progress:s1"},
		"2", 4, 60, "uploading",
	)
	require.NoError(t, err)
	arr, ok := res.([]interface{})
	require.True(t, ok)
	require.Equal(t, int64(1), arr[0]) // completed
	require.Equal(t, int64(25), arr[1]) // percent

	// success clears the index from the failed set.
	failed, err := m.SIsMember(ctx, "chunk_failed:s1", "2")
	require.NoError(t, err)
	require.False(t, failed)

	status, ok, err := m.HGet(ctx, "chunk_session:s1", "status")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "uploading", status)
}

func TestRunScript_QueueDrainReadsAndDeletesAtomically(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Now)

	require.NoError(t, m.LPushCapped(ctx, "notify_queue:u1", 10, "first"))
	require.NoError(t, m.LPushCapped(ctx, "notify_queue:u1", 10, "second"))

	res, err := m.RunScript(ctx, "queue_drain", []string{"notify_queue:u1"})
	require.NoError(t, err)
	items, ok := res.([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"second", "first"}, items) // newest-first, LPUSH order

	// the key is gone; a second drain sees nothing.
	exists, err := m.Exists(ctx, "notify_queue:u1")
	require.NoError(t, err)
	require.False(t, exists)

	res, err = m.RunScript(ctx, "queue_drain", []string{"notify_queue:u1"})
	require.NoError(t, err)
	require.Empty(t, res)
}
