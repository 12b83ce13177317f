package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*FileStore, *MemIndex) {
	t.Helper()
	idx := NewMemIndex()
	blobs := NewLocalBlobStore(t.TempDir())
	seq := 0
	newID := func() (string, error) {
		seq++
		return "file-" + time.Now().Format("150405") + "-" + string(rune('a'+seq)), nil
	}
	return New(blobs, idx, newID, nil), idx
}

func TestPut_NewFileThenDedupHit(t *testing.T) {
	ctx := context.Background()
	fs, idx := newTestStore(t)

	res, err := fs.Put(ctx, []byte("hello world"), "text/plain", "hello.txt", "user-1")
	require.NoError(t, err)
	require.True(t, res.IsNew)

	// dedup only matches scan_status=clean; mark it clean to exercise the
	// hit path.
	idx.records[res.Record.ID].ScanStatus = ScanClean

	res2, err := fs.Put(ctx, []byte("hello world"), "text/plain", "hello-again.txt", "user-2")
	require.NoError(t, err)
	require.False(t, res2.IsNew)
	require.Equal(t, res.Record.ID, res2.Record.ID)
}

func TestPut_SecondUploadOfPendingRecordDefersToWinner(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestStore(t)

	// the first record is still scan-pending, so the clean-only dedup
	// lookup misses; the unique index rejects the second insert and Put
	// re-selects the surviving row instead of failing.
	res, err := fs.Put(ctx, []byte("raced bytes"), "text/plain", "a.txt", "user-1")
	require.NoError(t, err)
	require.True(t, res.IsNew)

	res2, err := fs.Put(ctx, []byte("raced bytes"), "text/plain", "b.txt", "user-2")
	require.NoError(t, err)
	require.False(t, res2.IsNew)
	require.Equal(t, res.Record.ID, res2.Record.ID)
}

func TestPut_DifferentMIMESameBytesNotDeduped(t *testing.T) {
	ctx := context.Background()
	fs, idx := newTestStore(t)

	res, err := fs.Put(ctx, []byte("same bytes"), "text/plain", "a.txt", "user-1")
	require.NoError(t, err)
	r := idx.records[res.Record.ID]
	r.ScanStatus = ScanClean

	res2, err := fs.Put(ctx, []byte("same bytes"), "application/octet-stream", "a.bin", "user-1")
	require.NoError(t, err)
	require.True(t, res2.IsNew)
	require.NotEqual(t, res.Record.ID, res2.Record.ID)
}

func TestGet_InactiveRecordNotFound(t *testing.T) {
	ctx := context.Background()
	fs, idx := newTestStore(t)

	res, err := fs.Put(ctx, []byte("data"), "text/plain", "a.txt", "user-1")
	require.NoError(t, err)
	require.NoError(t, fs.SoftDelete(ctx, res.Record.ID, "user-1"))

	_, err = fs.Get(ctx, res.Record.ID)
	require.Error(t, err)

	// the blob row still exists in memindex, just inactive.
	r, err := idx.Get(ctx, res.Record.ID)
	require.NoError(t, err)
	require.False(t, r.Active)
}

func TestSoftDelete_WrongOwnerRejected(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestStore(t)

	res, err := fs.Put(ctx, []byte("data"), "text/plain", "a.txt", "user-1")
	require.NoError(t, err)

	err = fs.SoftDelete(ctx, res.Record.ID, "user-2")
	require.Error(t, err)
}

func TestListByUser_Pagination(t *testing.T) {
	ctx := context.Background()
	fs, idx := newTestStore(t)

	for i := 0; i < 5; i++ {
		res, err := fs.Put(ctx, []byte{byte(i), byte(i + 1)}, "application/octet-stream", "f", "user-1")
		require.NoError(t, err)
		r := idx.records[res.Record.ID]
		r.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
	}

	page1, cursor, err := fs.ListByUser(ctx, "user-1", 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, cursor)

	page2, _, err := fs.ListByUser(ctx, "user-1", 2, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotEqual(t, page1[0].ID, page2[0].ID)
}

func TestLinkMessages_TooManyRejected(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestStore(t)

	as := make([]*Attachment, 21)
	for i := range as {
		as[i] = &Attachment{MessageID: "m", FileID: "f", Active: true}
	}
	errs := fs.LinkMessages(ctx, as)
	require.Len(t, errs, 21)
	for _, err := range errs {
		require.Error(t, err)
	}
}

func TestFindUnreferenced_ExcludesAttached(t *testing.T) {
	ctx := context.Background()
	fs, idx := newTestStore(t)

	res, err := fs.Put(ctx, []byte("orphan"), "text/plain", "o.txt", "user-1")
	require.NoError(t, err)
	idx.records[res.Record.ID].CreatedAt = time.Now().Add(-48 * time.Hour)

	res2, err := fs.Put(ctx, []byte("attached"), "text/plain", "b.txt", "user-1")
	require.NoError(t, err)
	idx.records[res2.Record.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, fs.LinkMessage(ctx, &Attachment{MessageID: "m", FileID: res2.Record.ID, Active: true}))

	ids, err := fs.FindUnreferenced(ctx, time.Hour)
	require.NoError(t, err)
	require.Contains(t, ids, res.Record.ID)
	require.NotContains(t, ids, res2.Record.ID)
}

func TestPurge_RemovesBlobAndRecord(t *testing.T) {
	ctx := context.Background()
	fs, idx := newTestStore(t)

	res, err := fs.Put(ctx, []byte("gone soon"), "text/plain", "g.txt", "user-1")
	require.NoError(t, err)

	require.NoError(t, fs.Purge(ctx, res.Record.ID))
	_, err = idx.Get(ctx, res.Record.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// Purge on an already-absent id is a no-op, not an error.
	require.NoError(t, fs.Purge(ctx, res.Record.ID))
}
