package scans

import (
	"context"
	"fmt"
	"strings"
	"time"

	"veriscan.app/internal/detect"
	"veriscan.app/internal/device"
	"veriscan.app/internal/identity"
	"veriscan.app/internal/ledger"
	"veriscan.app/internal/objectstore"
	"veriscan.app/internal/obs"
)

// Service runs the token-gated analyze pipeline: spend one token, store the
// payload, score it, record the verdict. The spend comes first and is never
// rolled back; everything downstream is idempotent, so a retried delivery
// converges instead of double-recording.
type Service struct {
	ledger     ledger.Service
	store      Store
	objects    objectstore.Store
	detector   detect.Analyzer
	tracker    device.Tracker
	classifier Classifier
	putTimeout time.Duration
}

// AnalyzeInput carries one scan request.
type AnalyzeInput struct {
	Subject     *identity.Subject
	DeviceID    string
	RequestID   string
	Content     []byte
	ContentType string
	Label       string
}

// AnalyzeResult is the pipeline outcome.
type AnalyzeResult struct {
	Record       ScanRecord
	TokenBalance int64
	Deduplicated bool
}

// NewService wires the pipeline. putTimeout bounds the object store write;
// the detector client carries its own timeout.
func NewService(svc ledger.Service, store Store, objects objectstore.Store, detector detect.Analyzer, tracker device.Tracker, classifier Classifier, putTimeout time.Duration) *Service {
	return &Service{
		ledger:     svc,
		store:      store,
		objects:    objects,
		detector:   detector,
		tracker:    tracker,
		classifier: classifier,
		putTimeout: putTimeout,
	}
}

// Analyze executes the pipeline for one payload.
func (s *Service) Analyze(ctx context.Context, in AnalyzeInput) (*AnalyzeResult, error) {
	if in.Subject == nil || strings.TrimSpace(in.Subject.ID) == "" {
		return nil, ErrInvalidSubject
	}
	if len(in.Content) == 0 {
		return nil, ErrNoContent
	}

	bal, err := s.ledger.Consume(ctx, in.Subject.ID, 1)
	if err != nil {
		return nil, err
	}
	obs.IncTokensConsumed()

	putCtx, cancel := s.opCtx(ctx)
	ref, err := s.objects.Put(putCtx, in.Content, in.ContentType)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: store content: %w", ErrUpstream, err)
	}

	score, err := s.detector.Analyze(ctx, ref.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	status := s.classifier.Classify(score)

	rec, created, err := s.store.InsertIfAbsent(ctx, NewRecord{
		SubjectID:  in.Subject.ID,
		ContentRef: ref.String(),
		RequestID:  in.RequestID,
		Status:     status,
		Score:      score,
		Label:      in.Label,
	})
	if err != nil {
		return nil, fmt.Errorf("scans: record verdict: %w", err)
	}

	dedup := "new"
	if !created {
		dedup = "replayed"
	}
	obs.IncScanRecord(string(rec.Status), dedup)

	// Forensic counter, not the gate: failures are logged and tolerated.
	if in.Subject.Guest && strings.TrimSpace(in.DeviceID) != "" {
		if _, err := s.tracker.RecordScan(ctx, in.DeviceID, in.Subject.ID); err != nil {
			obs.Warn("device_record_scan_failed", map[string]any{
				"device_id":  in.DeviceID,
				"subject_id": in.Subject.ID,
				"error":      err.Error(),
			})
		}
	}

	return &AnalyzeResult{Record: rec, TokenBalance: bal.Tokens, Deduplicated: !created}, nil
}

func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.putTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.putTimeout)
}
