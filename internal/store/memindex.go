package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemIndex is an in-process Index fake for unit tests, mirroring the
// uniqueness and filtering semantics Postgres enforces via SQL.
type MemIndex struct {
	mu          sync.Mutex
	records     map[string]*Record
	attachments map[string]*Attachment
}

func NewMemIndex() *MemIndex {
	return &MemIndex{
		records:     make(map[string]*Record),
		attachments: make(map[string]*Attachment),
	}
}

func (m *MemIndex) Insert(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.Active && existing.Checksum == r.Checksum && existing.MIME == r.MIME {
			return ErrDedupRace
		}
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *MemIndex) FindActiveByChecksum(_ context.Context, checksum, mime string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Active && r.ScanStatus == ScanClean && r.Checksum == checksum && r.MIME == mime {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemIndex) FindActiveByChecksumAny(_ context.Context, checksum, mime string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Active && r.Checksum == checksum && r.MIME == mime {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemIndex) Get(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemIndex) TouchAccess(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.LastAccessedAt = now
	}
	return nil
}

func (m *MemIndex) IncrementDownloads(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.DownloadCount++
	}
	return nil
}

func (m *MemIndex) SoftDelete(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || !r.Active || r.UploaderUserID != userID {
		return ErrNotFound
	}
	r.Active = false
	return nil
}

func (m *MemIndex) FindUnreferenced(_ context.Context, age time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-age)
	referenced := make(map[string]bool)
	for _, a := range m.attachments {
		if a.Active {
			referenced[a.FileID] = true
		}
	}
	var ids []string
	for id, r := range m.records {
		if r.CreatedAt.Before(cutoff) && !referenced[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemIndex) ListByUser(_ context.Context, userID string, limit int, cursor *Cursor) ([]*Record, *Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Record
	for _, r := range m.records {
		if r.Active && r.UploaderUserID == userID {
			cp := *r
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	start := 0
	if cursor != nil {
		for i, r := range all {
			if r.CreatedAt.Before(cursor.CreatedAt) || (r.CreatedAt.Equal(cursor.CreatedAt) && r.ID < cursor.ID) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start > len(all) {
		start = len(all)
	}
	rest := all[start:]
	var next *Cursor
	if len(rest) > limit {
		last := rest[limit-1]
		next = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		rest = rest[:limit]
	}
	return rest, next, nil
}

func (m *MemIndex) InsertAttachment(_ context.Context, a *Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.MessageID + ":" + a.FileID
	if _, exists := m.attachments[key]; exists {
		return nil
	}
	cp := *a
	m.attachments[key] = &cp
	return nil
}

func (m *MemIndex) InsertAttachments(ctx context.Context, as []*Attachment) []error {
	errs := make([]error, len(as))
	for i, a := range as {
		errs[i] = m.InsertAttachment(ctx, a)
	}
	return errs
}

func (m *MemIndex) AttachmentsForMessage(_ context.Context, messageID string) ([]*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Attachment
	for _, a := range m.attachments {
		if a.MessageID == messageID && a.Active {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordering < out[j].Ordering })
	return out, nil
}

func (m *MemIndex) Purge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

var _ Index = (*MemIndex)(nil)
var _ Index = (*Postgres)(nil)
