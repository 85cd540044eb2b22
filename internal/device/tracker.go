// Package device tracks free-allowance usage per device fingerprint. The
// tracker is advisory: it gates the initial token grant, never a paid scan,
// and callers fail open when it errors.
package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound reports an unknown device fingerprint.
var ErrNotFound = errors.New("device: not found")

// Record is the usage row for one device fingerprint.
type Record struct {
	DeviceID   string    `json:"deviceId"`
	ScanCount  int64     `json:"scanCount"`
	SubjectIDs []string  `json:"subjectIds"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Tracker counts scans per device and remembers the guest subjects seen on
// it. RecordScan is one atomic increment-and-add write; there is no
// read-modify-write window for concurrent scans to fall into.
type Tracker interface {
	// RecordScan increments the device's scan counter and adds the subject
	// to its subject set, creating the row when missing.
	RecordScan(ctx context.Context, deviceID, subjectID string) (Record, error)

	// ScansUsed returns the device's scan count, zero for unknown devices.
	ScansUsed(ctx context.Context, deviceID string) (int64, error)

	// Get returns the device row, ErrNotFound when it does not exist.
	Get(ctx context.Context, deviceID string) (Record, error)

	// IsExhausted reports whether the device has used up the free scan
	// allowance (ScansUsed >= limit). An empty device id is never exhausted:
	// without an id there is nothing to enforce against.
	IsExhausted(ctx context.Context, deviceID string) (bool, error)
}

// InMemory implements Tracker for tests and single-node development.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]*Record
	limit   int
	now     func() time.Time
}

var _ Tracker = (*InMemory)(nil)

// NewInMemory creates a tracker enforcing the given free scan limit.
func NewInMemory(limit int) *InMemory {
	return &InMemory{
		records: make(map[string]*Record),
		limit:   limit,
		now:     time.Now,
	}
}

func (t *InMemory) RecordScan(ctx context.Context, deviceID, subjectID string) (Record, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Record{}, errors.New("device: device id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	rec, ok := t.records[deviceID]
	if !ok {
		rec = &Record{DeviceID: deviceID, FirstSeen: now}
		t.records[deviceID] = rec
	}
	rec.ScanCount++
	rec.LastSeen = now
	if subjectID = strings.TrimSpace(subjectID); subjectID != "" {
		if !contains(rec.SubjectIDs, subjectID) {
			rec.SubjectIDs = append(rec.SubjectIDs, subjectID)
		}
	}
	return snapshot(rec), nil
}

func (t *InMemory) ScansUsed(ctx context.Context, deviceID string) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[strings.TrimSpace(deviceID)]
	if !ok {
		return 0, nil
	}
	return rec.ScanCount, nil
}

func (t *InMemory) Get(ctx context.Context, deviceID string) (Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[strings.TrimSpace(deviceID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return snapshot(rec), nil
}

func (t *InMemory) IsExhausted(ctx context.Context, deviceID string) (bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false, nil
	}
	used, err := t.ScansUsed(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return used >= int64(t.limit), nil
}

func snapshot(rec *Record) Record {
	out := *rec
	out.SubjectIDs = append([]string(nil), rec.SubjectIDs...)
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
