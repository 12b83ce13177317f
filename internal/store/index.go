package store

import (
	"context"
	"time"
)

// Index is the durable metadata index behind Record. Production is
// Postgres (postgres.go); tests use the in-memory fake (memindex.go).
type Index interface {
	// Insert persists a new record. Callers must have already resolved
	// dedup; Insert does not itself look up (checksum, mime).
	Insert(ctx context.Context, r *Record) error
	// FindActiveByChecksum looks up the dedup key among active,
	// clean-scanned records. Records with processed=false still
	// participate; only the scan status gates the lookup.
	FindActiveByChecksum(ctx context.Context, checksum, mime string) (*Record, error)
	// FindActiveByChecksumAny is the same lookup without the scan-status
	// filter. Put uses it to re-select the surviving row after losing the
	// unique-index race, where the winner may still be scan-pending.
	FindActiveByChecksumAny(ctx context.Context, checksum, mime string) (*Record, error)
	// Get returns a record by id regardless of active state; Get(...).
	// Active gates visibility to callers, not the index itself.
	Get(ctx context.Context, id string) (*Record, error)
	// TouchAccess updates last_accessed_at to now.
	TouchAccess(ctx context.Context, id string, now time.Time) error
	// IncrementDownloads bumps download_count by one.
	IncrementDownloads(ctx context.Context, id string) error
	// SoftDelete sets active=false for a record owned by userID.
	SoftDelete(ctx context.Context, id, userID string) error
	// FindUnreferenced returns ids of records older than age with no
	// active attachment; the background reaping sweep feeds off this.
	FindUnreferenced(ctx context.Context, age time.Duration) ([]string, error)
	// ListByUser returns a user's active records, newest first, using
	// cursor pagination over (created_at, id).
	ListByUser(ctx context.Context, userID string, limit int, cursor *Cursor) ([]*Record, *Cursor, error)

	// InsertAttachment links a file to a message.
	InsertAttachment(ctx context.Context, a *Attachment) error
	// InsertAttachments links up to 20 files to messages in one
	// transaction, returning a per-item error array.
	InsertAttachments(ctx context.Context, as []*Attachment) []error
	// AttachmentsForMessage lists active attachments for a message id.
	AttachmentsForMessage(ctx context.Context, messageID string) ([]*Attachment, error)
	// Purge permanently removes a record row. Called only after its blob
	// has been reclaimed by the background reaping sweep.
	Purge(ctx context.Context, id string) error
}

// Cursor is an opaque pagination marker over (created_at, id).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}
