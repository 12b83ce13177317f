package chunk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore is the narrow on-disk capability the session manager needs for
// chunk bytes, separate from the durable file blob tree. Chunks live
// under <root>/chunks/<session-id>/chunk_####.
type BlobStore interface {
	WriteChunk(ctx context.Context, sessionID string, idx int, data []byte) error
	OpenChunk(ctx context.Context, sessionID string, idx int) (io.ReadCloser, error)
	RemoveSession(ctx context.Context, sessionID string) error
}

// LocalBlobStore writes chunk files under root/chunks/<session>/chunk_####.
type LocalBlobStore struct {
	root string
}

// NewLocalBlobStore creates a chunk blob store rooted at root.
func NewLocalBlobStore(root string) *LocalBlobStore {
	return &LocalBlobStore{root: filepath.Clean(root)}
}

func (s *LocalBlobStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, "chunks", sessionID)
}

func chunkName(idx int) string {
	return fmt.Sprintf("chunk_%04d", idx)
}

func (s *LocalBlobStore) WriteChunk(_ context.Context, sessionID string, idx int, data []byte) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("chunk: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, chunkName(idx))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("chunk: write %s: %w", tmp, err)
	}
	// rename is the idempotent-overwrite path for two clients racing the
	// same index: the later writer simply replaces the file, which is
	// safe because both passed the same per-chunk hash check.
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("chunk: rename %s: %w", tmp, err)
	}
	return nil
}

func (s *LocalBlobStore) OpenChunk(_ context.Context, sessionID string, idx int) (io.ReadCloser, error) {
	path := filepath.Join(s.sessionDir(sessionID), chunkName(idx))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunk: open %s: %w", path, err)
	}
	return f, nil
}

func (s *LocalBlobStore) RemoveSession(_ context.Context, sessionID string) error {
	dir := s.sessionDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("chunk: remove session dir %s: %w", dir, err)
	}
	return nil
}

var _ BlobStore = (*LocalBlobStore)(nil)
