package scans

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store persists scan records. Insert is conditional on the (subject, scan)
// pair so at-least-once delivery collapses into one record.
type Store interface {
	// InsertIfAbsent writes the record unless the derived (subject, scan)
	// pair already exists, in which case it returns the pre-existing record
	// and created=false.
	InsertIfAbsent(ctx context.Context, rec NewRecord) (ScanRecord, bool, error)

	// Update patches label/note; ErrNotFound when the pair does not exist.
	Update(ctx context.Context, subjectID, scanID string, patch Patch) (ScanRecord, error)

	// List returns the subject's records newest first. afterSeq pages: zero
	// starts from the newest record, otherwise only records older than the
	// cursor are returned. The returned cursor is zero on the last page.
	// Expired records are filtered out.
	List(ctx context.Context, subjectID string, limit int, afterSeq uint64) ([]ScanRecord, uint64, error)
}

// InMemory implements Store for tests and single-node development.
type InMemory struct {
	mu        sync.RWMutex
	seq       uint64
	byKey     map[string]*ScanRecord
	ordered   []*ScanRecord
	retention time.Duration
	now       func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store. retention > 0 stamps records with an
// expiry; zero disables it.
func NewInMemory(retention time.Duration) *InMemory {
	return &InMemory{
		byKey:     make(map[string]*ScanRecord),
		retention: retention,
		now:       time.Now,
	}
}

func recordKey(subjectID, scanID string) string {
	return subjectID + "\x00" + scanID
}

func (s *InMemory) InsertIfAbsent(ctx context.Context, rec NewRecord) (ScanRecord, bool, error) {
	subjectID := strings.TrimSpace(rec.SubjectID)
	if subjectID == "" {
		return ScanRecord{}, false, ErrInvalidSubject
	}
	if !rec.Status.Valid() {
		return ScanRecord{}, false, ErrInvalidStatus
	}
	scanID, err := DeriveScanID(rec.ContentRef, rec.RequestID)
	if err != nil {
		return ScanRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[recordKey(subjectID, scanID)]; ok {
		return *existing, false, nil
	}

	now := s.now().UTC()
	s.seq++
	stored := &ScanRecord{
		ScanID:     scanID,
		SubjectID:  subjectID,
		Status:     rec.Status,
		Score:      rec.Score,
		Label:      strings.TrimSpace(rec.Label),
		Note:       strings.TrimSpace(rec.Note),
		ContentRef: strings.TrimSpace(rec.ContentRef),
		RequestID:  strings.TrimSpace(rec.RequestID),
		CreatedAt:  now,
		Sequence:   s.seq,
	}
	if s.retention > 0 {
		stored.ExpiresAt = now.Add(s.retention)
	}
	s.byKey[recordKey(subjectID, scanID)] = stored
	s.ordered = append(s.ordered, stored)
	return *stored, true, nil
}

func (s *InMemory) Update(ctx context.Context, subjectID, scanID string, patch Patch) (ScanRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	scanID = strings.TrimSpace(scanID)
	if subjectID == "" {
		return ScanRecord{}, ErrInvalidSubject
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[recordKey(subjectID, scanID)]
	if !ok || rec.expired(s.now().UTC()) {
		return ScanRecord{}, ErrNotFound
	}
	if patch.Label != nil {
		rec.Label = strings.TrimSpace(*patch.Label)
	}
	if patch.Note != nil {
		rec.Note = strings.TrimSpace(*patch.Note)
	}
	return *rec, nil
}

func (s *InMemory) List(ctx context.Context, subjectID string, limit int, afterSeq uint64) ([]ScanRecord, uint64, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, 0, ErrInvalidSubject
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().UTC()
	var res []ScanRecord
	var cursor uint64
	for i := len(s.ordered) - 1; i >= 0; i-- {
		rec := s.ordered[i]
		if rec.SubjectID != subjectID || rec.expired(now) {
			continue
		}
		if afterSeq > 0 && rec.Sequence >= afterSeq {
			continue
		}
		res = append(res, *rec)
		if len(res) == limit {
			cursor = rec.Sequence
			break
		}
	}
	return res, cursor, nil
}
