package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ovasabi-labs/filehub/pkg/graceful"
)

// FileStore composes a BlobStore and an Index into the store's
// operations: Put (dedup-aware write), Get, ReadBytes, SoftDelete,
// FindUnreferenced.
type FileStore struct {
	blobs BlobStore
	index Index
	newID func() (string, error)
	clock func() time.Time
	log   *zap.Logger
}

// New creates a FileStore. newID mints file ids (uuid.NewUUID in
// production); clock defaults to time.Now.
func New(blobs BlobStore, index Index, newID func() (string, error), log *zap.Logger) *FileStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileStore{blobs: blobs, index: index, newID: newID, clock: time.Now, log: log.With(zap.String("module", "store"))}
}

// PutResult reports whether Put wrote a new blob or returned a dedup hit.
type PutResult struct {
	Record *Record
	IsNew  bool
}

// Put computes the checksum over the full buffer, looks up (checksum,
// mime) among active clean records, and either returns the existing
// record unchanged or allocates a new id, writes the blob, and inserts a
// scan-pending record.
func (s *FileStore) Put(ctx context.Context, buf []byte, mime, originalName, uploaderUserID string) (*PutResult, error) {
	sum := sha256.Sum256(buf)
	checksum := hex.EncodeToString(sum[:])

	existing, err := s.index.FindActiveByChecksum(ctx, checksum, mime)
	if err == nil {
		return &PutResult{Record: existing, IsNew: false}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, graceful.WrapErr(ctx, codes.Internal, "dedup lookup failed", err)
	}

	id, err := s.newID()
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "id generation failed", err)
	}

	relPath, err := s.blobs.Write(ctx, BlobFile, id, mime, bytes.NewReader(buf))
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "blob write failed", err)
	}

	now := s.clock()
	r := &Record{
		ID:             id,
		Checksum:       checksum,
		MIME:           mime,
		OriginalName:   originalName,
		Size:           int64(len(buf)),
		Path:           relPath,
		UploaderUserID: uploaderUserID,
		Active:         true,
		ScanStatus:     ScanPending,
		Processed:      false,
		LastAccessedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.index.Insert(ctx, r); err != nil {
		if errors.Is(err, ErrDedupRace) {
			// Someone else's insert won the unique partial index race
			// between our lookup and our insert; discard our blob and
			// defer to the surviving row, which may still be scan-pending.
			if rmErr := s.blobs.Remove(ctx, relPath); rmErr != nil {
				s.log.Warn("failed to remove losing blob after dedup race", zap.String("path", relPath), zap.Error(rmErr))
			}
			winner, findErr := s.index.FindActiveByChecksumAny(ctx, checksum, mime)
			if findErr != nil {
				return nil, graceful.WrapErr(ctx, codes.Internal, "re-select after dedup race failed", findErr)
			}
			return &PutResult{Record: winner, IsNew: false}, nil
		}
		if rmErr := s.blobs.Remove(ctx, relPath); rmErr != nil {
			s.log.Warn("failed to remove orphaned blob after insert failure", zap.String("path", relPath), zap.Error(rmErr))
		}
		return nil, graceful.WrapErr(ctx, codes.Internal, "record insert failed", err)
	}

	return &PutResult{Record: r, IsNew: true}, nil
}

// Get returns an active record, touching its last-accessed timestamp.
// The touch is best-effort: a failure is logged, never surfaced.
func (s *FileStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := s.index.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, graceful.WrapErr(ctx, codes.NotFound, "file not found", err)
	}
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "get record failed", err)
	}
	if !r.Active {
		return nil, graceful.WrapErr(ctx, codes.NotFound, "file not found", ErrNotFound)
	}
	if err := s.index.TouchAccess(ctx, id, s.clock()); err != nil {
		s.log.Warn("touch access failed", zap.String("id", id), zap.Error(err))
	}
	return r, nil
}

// ReadBytes opens the blob backing an active record. Callers must Close
// the handle; FileStore does not hold it open across the call.
func (s *FileStore) ReadBytes(ctx context.Context, r *Record) (io.ReadCloser, error) {
	rc, err := s.blobs.Open(ctx, r.Path)
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "blob open failed", err)
	}
	return rc, nil
}

// RecordDownload bumps the record's download counter. Best-effort
// telemetry: callers log a failure and keep serving.
func (s *FileStore) RecordDownload(ctx context.Context, id string) error {
	return s.index.IncrementDownloads(ctx, id)
}

// SoftDelete marks a record inactive; only the uploader may do so. The
// blob is retained and reclaimed later by the background sweep.
func (s *FileStore) SoftDelete(ctx context.Context, id, userID string) error {
	if err := s.index.SoftDelete(ctx, id, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return graceful.WrapErr(ctx, codes.NotFound, "file not found or not owned by caller", err)
		}
		return graceful.WrapErr(ctx, codes.Internal, "soft delete failed", err)
	}
	return nil
}

// FindUnreferenced returns ids of records older than age with no active
// attachment, feeding the background reaping sweep.
func (s *FileStore) FindUnreferenced(ctx context.Context, age time.Duration) ([]string, error) {
	ids, err := s.index.FindUnreferenced(ctx, age)
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "find unreferenced failed", err)
	}
	return ids, nil
}

// Purge permanently removes an unreferenced record's blob and index row.
// Only the reaping sweep calls this; callers are expected to have
// already confirmed the record is unreferenced via FindUnreferenced.
func (s *FileStore) Purge(ctx context.Context, id string) error {
	r, err := s.index.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return graceful.WrapErr(ctx, codes.Internal, "purge: get record failed", err)
	}
	if err := s.blobs.Remove(ctx, r.Path); err != nil {
		s.log.Warn("purge blob remove failed", zap.String("file_id", id), zap.Error(err))
	}
	if err := s.index.Purge(ctx, id); err != nil {
		return graceful.WrapErr(ctx, codes.Internal, "purge: index delete failed", err)
	}
	return nil
}

// ListByUser lists a user's active files with cursor pagination.
func (s *FileStore) ListByUser(ctx context.Context, userID string, limit int, cursor *Cursor) ([]*Record, *Cursor, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	recs, next, err := s.index.ListByUser(ctx, userID, limit, cursor)
	if err != nil {
		return nil, nil, graceful.WrapErr(ctx, codes.Internal, "list failed", err)
	}
	return recs, next, nil
}

// LinkMessage attaches a file to a message, delegating visibility
// decisions to the message domain. It mints the
// attachment's id if the caller left it blank, mirroring Put's id
// allocation for the same reason: the durable index's primary key is not
// database-generated.
func (s *FileStore) LinkMessage(ctx context.Context, a *Attachment) error {
	if a.ID == "" {
		id, err := s.newID()
		if err != nil {
			return graceful.WrapErr(ctx, codes.Internal, "attachment id generation failed", err)
		}
		a.ID = id
	}
	if err := s.index.InsertAttachment(ctx, a); err != nil {
		return graceful.WrapErr(ctx, codes.Internal, "link message failed", err)
	}
	return nil
}

// LinkMessages attaches up to 20 files to messages in one call, returning
// a per-item result array mirroring the batch-upload contract.
func (s *FileStore) LinkMessages(ctx context.Context, as []*Attachment) []error {
	if len(as) > 20 {
		err := fmt.Errorf("store: too many attachments in one batch: %d > 20", len(as))
		out := make([]error, len(as))
		for i := range out {
			out[i] = err
		}
		return out
	}
	idErrs := make([]error, len(as))
	var anyIDErr bool
	for i, a := range as {
		if a.ID == "" {
			id, err := s.newID()
			if err != nil {
				idErrs[i] = graceful.WrapErr(ctx, codes.Internal, "attachment id generation failed", err)
				anyIDErr = true
				continue
			}
			a.ID = id
		}
	}
	if !anyIDErr {
		return s.index.InsertAttachments(ctx, as)
	}
	// At least one id mint failed; insert the rest individually so one
	// uuid failure doesn't block every other attachment in the batch.
	out := make([]error, len(as))
	for i, a := range as {
		if idErrs[i] != nil {
			out[i] = idErrs[i]
			continue
		}
		out[i] = s.index.InsertAttachment(ctx, a)
	}
	return out
}

// AttachmentsForMessage lists active attachments for a message.
func (s *FileStore) AttachmentsForMessage(ctx context.Context, messageID string) ([]*Attachment, error) {
	as, err := s.index.AttachmentsForMessage(ctx, messageID)
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "list attachments failed", err)
	}
	return as, nil
}

// Index exposes the underlying Index for components (background cleanup)
// that need direct access beyond the Put/Get/SoftDelete surface above.
func (s *FileStore) Index() Index { return s.index }
