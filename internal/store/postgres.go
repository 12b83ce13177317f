package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get/FindActiveByChecksum when no row matches.
var ErrNotFound = errors.New("store: record not found")

// ErrDedupRace is returned by Insert when a concurrent uploader of the
// same (checksum, mime) won the unique partial index race; the caller
// re-selects via FindActiveByChecksumAny and defers to the winner.
var ErrDedupRace = errors.New("store: concurrent dedup insert, re-select")

// Postgres is the Index backed by a hand-written SQL layer over
// database/sql + lib/pq: no ORM, explicit columns, errors wrapped with
// context.
type Postgres struct {
	db  *sql.DB
	log *zap.Logger
}

// NewPostgres wraps an already-connected *sql.DB.
func NewPostgres(db *sql.DB, log *zap.Logger) *Postgres {
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{db: db, log: log.With(zap.String("module", "store.postgres"))}
}

// Schema is the DDL for the tables this index owns, exposed as a
// constant so the module carries its own schema without depending on a
// migration framework. It is idempotent; main runs it at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS file_records (
	id               UUID PRIMARY KEY,
	checksum         CHAR(64) NOT NULL,
	mime             TEXT NOT NULL,
	original_name    TEXT NOT NULL,
	size             BIGINT NOT NULL,
	path             TEXT NOT NULL,
	thumbnail_path   TEXT NOT NULL DEFAULT '',
	uploader_user_id UUID NOT NULL,
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	scan_status      TEXT NOT NULL DEFAULT 'pending',
	processed        BOOLEAN NOT NULL DEFAULT FALSE,
	metadata_json    JSONB NOT NULL DEFAULT '{}',
	download_count   BIGINT NOT NULL DEFAULT 0,
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS file_records_dedup_idx
	ON file_records (checksum, mime) WHERE active;
CREATE INDEX IF NOT EXISTS file_records_user_idx
	ON file_records (uploader_user_id, created_at DESC, id) WHERE active;

CREATE TABLE IF NOT EXISTS message_attachments (
	id         UUID PRIMARY KEY,
	message_id UUID NOT NULL,
	file_id    UUID NOT NULL,
	caption    TEXT NOT NULL DEFAULT '',
	ordering   INT NOT NULL DEFAULT 0,
	active     BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE UNIQUE INDEX IF NOT EXISTS message_attachments_unique_idx
	ON message_attachments (message_id, file_id);
`

func (p *Postgres) Insert(ctx context.Context, r *Record) error {
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO file_records
			(id, checksum, mime, original_name, size, path, thumbnail_path,
			 uploader_user_id, active, scan_status, processed, metadata_json,
			 download_count, last_accessed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.Checksum, r.MIME, r.OriginalName, r.Size, r.Path, r.ThumbnailPath,
		r.UploaderUserID, r.Active, string(r.ScanStatus), r.Processed, metaJSON,
		r.DownloadCount, r.LastAccessedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDedupRace
		}
		return fmt.Errorf("store: insert record: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// lib/pq exposes *pq.Error with Code "23505" for unique_violation; we
	// avoid importing the pq error type directly by matching the SQLSTATE
	// text lib/pq embeds, keeping this file's import list minimal.
	return strings.Contains(err.Error(), "23505")
}

const recordColumns = `id, checksum, mime, original_name, size, path, thumbnail_path,
	uploader_user_id, active, scan_status, processed, metadata_json,
	download_count, last_accessed_at, created_at, updated_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (*Record, error) {
	r := &Record{}
	var scanStatus string
	var metaJSON []byte
	err := row.Scan(
		&r.ID, &r.Checksum, &r.MIME, &r.OriginalName, &r.Size, &r.Path, &r.ThumbnailPath,
		&r.UploaderUserID, &r.Active, &scanStatus, &r.Processed, &metaJSON,
		&r.DownloadCount, &r.LastAccessedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ScanStatus = ScanStatus(scanStatus)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &r.Metadata)
	}
	return r, nil
}

func (p *Postgres) FindActiveByChecksum(ctx context.Context, checksum, mime string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM file_records
		WHERE checksum = $1 AND mime = $2 AND active AND scan_status = 'clean'`,
		checksum, mime)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find by checksum: %w", err)
	}
	return r, nil
}

func (p *Postgres) FindActiveByChecksumAny(ctx context.Context, checksum, mime string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM file_records
		WHERE checksum = $1 AND mime = $2 AND active`,
		checksum, mime)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find by checksum: %w", err)
	}
	return r, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM file_records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record: %w", err)
	}
	return r, nil
}

func (p *Postgres) TouchAccess(ctx context.Context, id string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE file_records SET last_accessed_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		p.log.Warn("touch access failed", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

func (p *Postgres) IncrementDownloads(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE file_records SET download_count = download_count + 1 WHERE id = $1`, id)
	return err
}

func (p *Postgres) SoftDelete(ctx context.Context, id, userID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE file_records SET active = FALSE, updated_at = now()
		WHERE id = $1 AND uploader_user_id = $2 AND active`, id, userID)
	if err != nil {
		return fmt.Errorf("store: soft delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FindUnreferenced(ctx context.Context, age time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-age)
	rows, err := p.db.QueryContext(ctx, `
		SELECT fr.id FROM file_records fr
		LEFT JOIN message_attachments ma ON ma.file_id = fr.id AND ma.active
		WHERE fr.created_at < $1
		GROUP BY fr.id
		HAVING COUNT(ma.id) = 0`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: find unreferenced: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) Purge(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM file_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: purge: %w", err)
	}
	return nil
}

func (p *Postgres) ListByUser(ctx context.Context, userID string, limit int, cursor *Cursor) ([]*Record, *Cursor, error) {
	query := `SELECT ` + recordColumns + ` FROM file_records WHERE uploader_user_id = $1 AND active`
	args := []interface{}{userID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("store: list by user: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *Cursor
	if len(records) > limit {
		last := records[limit-1]
		next = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		records = records[:limit]
	}
	return records, next, nil
}

// EncodeCursor/DecodeCursor give the HTTP layer an opaque string to hand
// clients instead of exposing the (created_at, id) pair directly.
func EncodeCursor(c *Cursor) string {
	if c == nil {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.CreatedAt.UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("store: invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("store: invalid cursor")
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return nil, fmt.Errorf("store: invalid cursor: %w", err)
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos), ID: parts[1]}, nil
}

func (p *Postgres) InsertAttachment(ctx context.Context, a *Attachment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO message_attachments (id, message_id, file_id, caption, ordering, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (message_id, file_id) DO NOTHING`,
		a.ID, a.MessageID, a.FileID, a.Caption, a.Ordering, a.Active)
	return err
}

func (p *Postgres) InsertAttachments(ctx context.Context, as []*Attachment) []error {
	results := make([]error, len(as))
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		for i := range results {
			results[i] = fmt.Errorf("store: begin tx: %w", err)
		}
		return results
	}
	defer tx.Rollback() //nolint:errcheck // only meaningful before Commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_attachments (id, message_id, file_id, caption, ordering, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (message_id, file_id) DO NOTHING`)
	if err != nil {
		for i := range results {
			results[i] = fmt.Errorf("store: prepare: %w", err)
		}
		return results
	}
	defer stmt.Close()

	for i, a := range as {
		_, err := stmt.ExecContext(ctx, a.ID, a.MessageID, a.FileID, a.Caption, a.Ordering, a.Active)
		results[i] = err
	}
	if err := tx.Commit(); err != nil {
		for i := range results {
			if results[i] == nil {
				results[i] = fmt.Errorf("store: commit: %w", err)
			}
		}
	}
	return results
}

func (p *Postgres) AttachmentsForMessage(ctx context.Context, messageID string) ([]*Attachment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, message_id, file_id, caption, ordering, active
		FROM message_attachments WHERE message_id = $1 AND active ORDER BY ordering`, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: attachments for message: %w", err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		a := &Attachment{}
		if err := rows.Scan(&a.ID, &a.MessageID, &a.FileID, &a.Caption, &a.Ordering, &a.Active); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
