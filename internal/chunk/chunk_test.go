package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovasabi-labs/filehub/internal/fastkv"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/validate"
	"github.com/ovasabi-labs/filehub/pkg/utils"
)

func newTestService(t *testing.T) *Service {
	kv := fastkv.NewMemory(time.Now)
	blobs := NewLocalBlobStore(t.TempDir())
	fs := store.New(store.NewLocalBlobStore(t.TempDir()), store.NewMemIndex(), utils.NewUUID, nil)
	return New(kv, blobs, fs, validate.DefaultConfig(), 1048576, func() int64 { return 1024 * 1024 }, utils.NewUUID, nil)
}

func splitChunks(data []byte, size int64) [][]byte {
	var out [][]byte
	for i := int64(0); i < int64(len(data)); i += size {
		end := i + size
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		out = append(out, data[i:end])
	}
	return out
}

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestChunkedHappyPath(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	data := make([]byte, 3*1048576)
	for i := range data {
		data[i] = byte(i % 251)
	}
	chunks := splitChunks(data, 1048576)
	require.Len(t, chunks, 3)

	sess, err := s.Initiate(ctx, "movie.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.TotalChunks)

	// upload in reverse order; chunk order must not matter
	for _, idx := range []int{2, 1, 0} {
		p, err := s.UploadChunk(ctx, sess.ID, idx, chunks[idx], hashOf(chunks[idx]), "user-1")
		require.NoError(t, err)
		t.Logf("idx=%d percent=%d", idx, p.Percent)
	}

	progress, err := s.Progress(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Percent)
	assert.Equal(t, 3, progress.Completed)

	put, err := s.Complete(ctx, sess.ID, hashOf(data), "user-1")
	require.NoError(t, err)
	assert.True(t, put.IsNew)
	assert.Equal(t, hashOf(data), put.Record.Checksum)
}

func TestUploadChunk_IdempotentNoOp(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	data := make([]byte, 1048576)
	sess, err := s.Initiate(ctx, "a.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	_, err = s.UploadChunk(ctx, sess.ID, 0, data, hashOf(data), "user-1")
	require.NoError(t, err)

	p, err := s.UploadChunk(ctx, sess.ID, 0, data, hashOf(data), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Completed)
}

func TestUploadChunk_HashMismatch(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	data := make([]byte, 1048576)
	sess, err := s.Initiate(ctx, "a.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	_, err = s.UploadChunk(ctx, sess.ID, 0, data, "deadbeef", "user-1")
	assert.Error(t, err)

	progress, err := s.Progress(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	assert.Contains(t, progress.Failed, 0)
}

func TestCancelAndRevive(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	data := make([]byte, 2*1048576)
	sess, err := s.Initiate(ctx, "a.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, sess.ID, "user-1"))

	chunks := splitChunks(data, 1048576)
	p, err := s.UploadChunk(ctx, sess.ID, 0, chunks[0], hashOf(chunks[0]), "user-1")
	require.NoError(t, err, "upload within grace window should revive the session")
	assert.Equal(t, 1, p.Completed)
}

func TestComplete_MissingChunks(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	data := make([]byte, 2*1048576)
	sess, err := s.Initiate(ctx, "a.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	chunks := splitChunks(data, 1048576)
	_, err = s.UploadChunk(ctx, sess.ID, 0, chunks[0], hashOf(chunks[0]), "user-1")
	require.NoError(t, err)

	_, err = s.Complete(ctx, sess.ID, "", "user-1")
	require.Error(t, err)
	var incomplete *ErrIncomplete
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{1}, incomplete.Missing)
}

func TestInitiate_BelowThresholdRejected(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	_, err := s.Initiate(ctx, "tiny.bin", "application/octet-stream", 100, "user-1")
	assert.Error(t, err)
}

func TestUploadChunk_WrongOwnerForbidden(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	data := make([]byte, 1048576)
	sess, err := s.Initiate(ctx, "a.bin", "application/octet-stream", int64(len(data)), "user-1")
	require.NoError(t, err)

	_, err = s.UploadChunk(ctx, sess.ID, 0, data, hashOf(data), "someone-else")
	assert.ErrorIs(t, err, ErrForbidden)
}
