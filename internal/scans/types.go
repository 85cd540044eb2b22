// Package scans stores deduplicated scan records and runs the token-gated
// analyze pipeline.
package scans

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"veriscan.app/internal/objectstore"
)

// Status classifies a scan verdict.
type Status string

const (
	StatusAuthentic    Status = "authentic"
	StatusFlagged      Status = "flagged"
	StatusUnverifiable Status = "unverifiable"
)

// Valid reports whether the status names a known class.
func (s Status) Valid() bool {
	switch s {
	case StatusAuthentic, StatusFlagged, StatusUnverifiable:
		return true
	}
	return false
}

// Classifier buckets detector scores into statuses. Scores at or below
// AuthenticMax read authentic, at or above FlaggedMin read flagged, and the
// band between stays unverifiable.
type Classifier struct {
	AuthenticMax float64
	FlaggedMin   float64
}

// Classify maps one score.
func (c Classifier) Classify(score float64) Status {
	switch {
	case score <= c.AuthenticMax:
		return StatusAuthentic
	case score >= c.FlaggedMin:
		return StatusFlagged
	default:
		return StatusUnverifiable
	}
}

// ScanRecord is one stored verdict. (SubjectID, ScanID) is unique; ScanID is
// derived from the content fingerprint, so retried deliveries of the same
// content converge on one record.
type ScanRecord struct {
	ScanID     string    `json:"scanId"`
	SubjectID  string    `json:"subjectId"`
	Status     Status    `json:"status"`
	Score      float64   `json:"score"`
	Label      string    `json:"label,omitempty"`
	Note       string    `json:"note,omitempty"`
	ContentRef string    `json:"contentRef,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
	Sequence   uint64    `json:"-"`
}

func (r ScanRecord) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// NewRecord is the insert input. The record id is derived, never supplied.
type NewRecord struct {
	SubjectID  string
	ContentRef string
	RequestID  string
	Status     Status
	Score      float64
	Label      string
	Note       string
}

// Patch carries a partial update; nil fields stay unchanged.
type Patch struct {
	Label *string
	Note  *string
}

var (
	ErrNotFound       = errors.New("scans: record not found")
	ErrInvalidSubject = errors.New("scans: subject id is required")
	ErrInvalidStatus  = errors.New("scans: invalid status")
	ErrNoFingerprint  = errors.New("scans: contentRef or requestId is required")
	ErrNoContent      = errors.New("scans: content is required")

	// ErrUpstream marks object storage or detector failures inside the
	// analyze pipeline. The spend that preceded them is not rolled back.
	ErrUpstream = errors.New("scans: upstream dependency failed")
)

const requestIDPrefix = "req-"

// DeriveScanID returns the deterministic record id: the content digest when
// the ref embeds one, otherwise a hash of the delivery's request id.
func DeriveScanID(contentRef, requestID string) (string, error) {
	if digest := objectstore.DigestFromRef(contentRef); digest != "" {
		return digest, nil
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return "", ErrNoFingerprint
	}
	sum := sha256.Sum256([]byte(requestID))
	return requestIDPrefix + hex.EncodeToString(sum[:])[:32], nil
}
