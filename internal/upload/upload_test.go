package upload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ovasabi-labs/filehub/internal/fastkv"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/token"
	"github.com/ovasabi-labs/filehub/internal/validate"
)

func newTestService(t *testing.T, thumb ThumbnailFunc) (*Service, *store.FileStore) {
	t.Helper()
	idx := store.NewMemIndex()
	blobs := store.NewLocalBlobStore(t.TempDir())
	seq := 0
	fs := store.New(blobs, idx, func() (string, error) {
		seq++
		return "file-" + time.Now().Format("150405.000000") + "-" + string(rune('a'+seq)), nil
	}, nil)
	kv := fastkv.NewMemory(time.Now)
	tokens := token.New(kv, nil)
	return New(fs, validate.DefaultConfig(), tokens, thumb, DefaultThreshold, nil), fs
}

func TestUpload_HappyPath(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)

	res, err := svc.Upload(ctx, []byte("hello world"), "text/plain", "hello.txt", "user-1")
	require.NoError(t, err)
	require.True(t, res.IsNew)
	require.NotEmpty(t, res.Token)
	require.Equal(t, int64(len("hello world")), res.Record.Size)
}

func TestUpload_RejectsInvalidName(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)

	_, err := svc.Upload(ctx, []byte("data"), "text/plain", "bad/name.txt", "user-1")
	require.Error(t, err)
}

func TestUpload_RejectsDisallowedMIME(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)

	_, err := svc.Upload(ctx, []byte("data"), "application/x-msdownload", "a.exe", "user-1")
	require.Error(t, err)
}

func TestUpload_FiresThumbnailOnlyForNewRecords(t *testing.T) {
	ctx := context.Background()
	calls := make(chan string, 2)
	thumb := func(_ context.Context, r *store.Record, _ []byte) (string, error) {
		calls <- r.ID
		return "", nil
	}
	svc, _ := newTestService(t, thumb)

	res, err := svc.Upload(ctx, []byte("first upload"), "text/plain", "a.txt", "user-1")
	require.NoError(t, err)

	select {
	case id := <-calls:
		require.Equal(t, res.Record.ID, id)
	case <-time.After(time.Second):
		t.Fatal("thumbnail hook was not invoked for a new record")
	}

	// a second upload of the same bytes defers to the first record and must
	// not fire the hook again.
	res2, err := svc.Upload(ctx, []byte("first upload"), "text/plain", "b.txt", "user-1")
	require.NoError(t, err)
	require.False(t, res2.IsNew)
	select {
	case id := <-calls:
		t.Fatalf("thumbnail hook fired for a dedup hit: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpload_ThresholdDefaultsWhenNonPositive(t *testing.T) {
	idx := store.NewMemIndex()
	blobs := store.NewLocalBlobStore(t.TempDir())
	fs := store.New(blobs, idx, func() (string, error) { return "id", nil }, nil)
	kv := fastkv.NewMemory(time.Now)
	tokens := token.New(kv, nil)

	svc := New(fs, validate.DefaultConfig(), tokens, nil, 0, nil)
	require.Equal(t, int64(DefaultThreshold), svc.Threshold())
}
