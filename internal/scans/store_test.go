package scans

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const testRef = "s3://veriscan/scans/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestInsertDedupesByContent(t *testing.T) {
	st := NewInMemory(0)
	ctx := context.Background()

	first, created, err := st.InsertIfAbsent(ctx, NewRecord{
		SubjectID:  "guest-a",
		ContentRef: testRef,
		RequestID:  "req-1",
		Status:     StatusAuthentic,
		Score:      0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected fresh insert")
	}
	if first.ScanID != strings.Repeat("a", 64) {
		t.Fatalf("scan id should be the content digest, got %q", first.ScanID)
	}

	// Retried delivery: same bytes, different request id, even a different
	// verdict. The original record wins.
	second, created, err := st.InsertIfAbsent(ctx, NewRecord{
		SubjectID:  "guest-a",
		ContentRef: testRef,
		RequestID:  "req-2",
		Status:     StatusFlagged,
		Score:      0.9,
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate content must not create a second record")
	}
	if second.Status != StatusAuthentic || second.Score != 0.1 || second.RequestID != "req-1" {
		t.Fatalf("dedup must return the original record, got %+v", second)
	}
}

func TestInsertDedupIsPerSubject(t *testing.T) {
	st := NewInMemory(0)
	ctx := context.Background()

	if _, created, err := st.InsertIfAbsent(ctx, NewRecord{SubjectID: "guest-a", ContentRef: testRef, Status: StatusAuthentic}); err != nil || !created {
		t.Fatalf("first subject: created=%v err=%v", created, err)
	}
	if _, created, err := st.InsertIfAbsent(ctx, NewRecord{SubjectID: "user-b", ContentRef: testRef, Status: StatusAuthentic}); err != nil || !created {
		t.Fatalf("same content under another subject must insert: created=%v err=%v", created, err)
	}
}

func TestInsertFallsBackToRequestID(t *testing.T) {
	st := NewInMemory(0)
	ctx := context.Background()

	rec, created, err := st.InsertIfAbsent(ctx, NewRecord{
		SubjectID: "guest-a",
		RequestID: "delivery-42",
		Status:    StatusUnverifiable,
	})
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if !strings.HasPrefix(rec.ScanID, "req-") {
		t.Fatalf("fallback id should carry the req- prefix, got %q", rec.ScanID)
	}

	_, created, err = st.InsertIfAbsent(ctx, NewRecord{
		SubjectID: "guest-a",
		RequestID: "delivery-42",
		Status:    StatusUnverifiable,
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("same request id must dedup")
	}
}

func TestInsertValidation(t *testing.T) {
	st := NewInMemory(0)
	ctx := context.Background()

	if _, _, err := st.InsertIfAbsent(ctx, NewRecord{ContentRef: testRef, Status: StatusAuthentic}); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
	if _, _, err := st.InsertIfAbsent(ctx, NewRecord{SubjectID: "guest-a", ContentRef: testRef, Status: Status("bogus")}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, _, err := st.InsertIfAbsent(ctx, NewRecord{SubjectID: "guest-a", Status: StatusAuthentic}); !errors.Is(err, ErrNoFingerprint) {
		t.Fatalf("expected ErrNoFingerprint, got %v", err)
	}
}

func TestUpdatePatchesLabelAndNote(t *testing.T) {
	st := NewInMemory(0)
	ctx := context.Background()

	rec, _, err := st.InsertIfAbsent(ctx, NewRecord{SubjectID: "guest-a", ContentRef: testRef, Status: StatusFlagged, Label: "holiday"})
	if err != nil {
		t.Fatal(err)
	}

	note := "  checked manually  "
	got, err := st.Update(ctx, "guest-a", rec.ScanID, Patch{Note: &note})
	if err != nil {
		t.Fatal(err)
	}
	if got.Note != "checked manually" {
		t.Fatalf("note not trimmed and applied: %q", got.Note)
	}
	if got.Label != "holiday" {
		t.Fatalf("nil patch field must leave label alone, got %q", got.Label)
	}

	label := "work"
	got, err = st.Update(ctx, "guest-a", rec.ScanID, Patch{Label: &label})
	if err != nil {
		t.Fatal(err)
	}
	if got.Label != "work" || got.Note != "checked manually" {
		t.Fatalf("unexpected record after second patch: %+v", got)
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	st := NewInMemory(0)
	ctx := context.Background()

	if _, err := st.Update(ctx, "guest-a", "nope", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// A record owned by someone else reads as absent, not as forbidden.
	rec, _, err := st.InsertIfAbsent(ctx, NewRecord{SubjectID: "guest-a", ContentRef: testRef, Status: StatusAuthentic})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Update(ctx, "user-b", rec.ScanID, Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign subject, got %v", err)
	}
}

func TestListNewestFirstWithCursor(t *testing.T) {
	st := NewInMemory(0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := st.InsertIfAbsent(ctx, NewRecord{
			SubjectID: "guest-a",
			RequestID: "req-" + string(rune('a'+i)),
			Status:    StatusAuthentic,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := st.InsertIfAbsent(ctx, NewRecord{SubjectID: "user-b", RequestID: "other", Status: StatusFlagged}); err != nil {
		t.Fatal(err)
	}

	page, cursor, err := st.List(ctx, "guest-a", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || cursor == 0 {
		t.Fatalf("expected full first page with cursor, got %d records cursor=%d", len(page), cursor)
	}
	if page[0].Sequence < page[1].Sequence {
		t.Fatal("expected newest first ordering")
	}

	page2, cursor2, err := st.List(ctx, "guest-a", 2, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || cursor2 == 0 {
		t.Fatalf("expected full second page, got %d records cursor=%d", len(page2), cursor2)
	}
	if page2[0].Sequence >= page[1].Sequence {
		t.Fatal("second page must be strictly older than the first")
	}

	page3, cursor3, err := st.List(ctx, "guest-a", 2, cursor2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page3) != 1 || cursor3 != 0 {
		t.Fatalf("expected short last page with zero cursor, got %d records cursor=%d", len(page3), cursor3)
	}

	for _, rec := range append(append(page, page2...), page3...) {
		if rec.SubjectID != "guest-a" {
			t.Fatalf("foreign record leaked into listing: %+v", rec)
		}
	}
}

func TestListClampsLimit(t *testing.T) {
	st := NewInMemory(0)
	ctx := context.Background()

	if _, _, err := st.InsertIfAbsent(ctx, NewRecord{SubjectID: "guest-a", ContentRef: testRef, Status: StatusAuthentic}); err != nil {
		t.Fatal(err)
	}
	page, _, err := st.List(ctx, "guest-a", -3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Fatalf("expected clamped listing to return the record, got %d", len(page))
	}
}

func TestRetentionHidesExpiredRecords(t *testing.T) {
	st := NewInMemory(time.Hour)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }
	ctx := context.Background()

	rec, _, err := st.InsertIfAbsent(ctx, NewRecord{SubjectID: "guest-a", ContentRef: testRef, Status: StatusAuthentic})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ExpiresAt != clock.Add(time.Hour) {
		t.Fatalf("expected expiry one hour out, got %v", rec.ExpiresAt)
	}

	page, _, err := st.List(ctx, "guest-a", 10, 0)
	if err != nil || len(page) != 1 {
		t.Fatalf("live record should list: %d err=%v", len(page), err)
	}

	clock = clock.Add(2 * time.Hour)

	page, _, err = st.List(ctx, "guest-a", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 0 {
		t.Fatalf("expired record must not list, got %d", len(page))
	}
	if _, err := st.Update(ctx, "guest-a", rec.ScanID, Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record must not patch, got %v", err)
	}
}

func TestClassifierThresholds(t *testing.T) {
	c := Classifier{AuthenticMax: 0.3, FlaggedMin: 0.7}

	cases := []struct {
		score float64
		want  Status
	}{
		{0, StatusAuthentic},
		{0.3, StatusAuthentic},
		{0.31, StatusUnverifiable},
		{0.69, StatusUnverifiable},
		{0.7, StatusFlagged},
		{1, StatusFlagged},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.score); got != tc.want {
			t.Fatalf("score %v: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}
