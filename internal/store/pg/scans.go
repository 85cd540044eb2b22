package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"veriscan.app/internal/scans"
)

var _ scans.Store = (*Store)(nil)

const scanColumns = `scan_id, subject_id, status, score, label, note, content_ref, request_id, created_at, expires_at, sequence`

func (s *Store) InsertIfAbsent(ctx context.Context, rec scans.NewRecord) (scans.ScanRecord, bool, error) {
	subjectID := strings.TrimSpace(rec.SubjectID)
	if subjectID == "" {
		return scans.ScanRecord{}, false, scans.ErrInvalidSubject
	}
	if !rec.Status.Valid() {
		return scans.ScanRecord{}, false, scans.ErrInvalidStatus
	}
	scanID, err := scans.DeriveScanID(rec.ContentRef, rec.RequestID)
	if err != nil {
		return scans.ScanRecord{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		insert into scan_records
			(scan_id, subject_id, status, score, label, note, content_ref, request_id, expires_at)
		values
			($1, $2, $3, $4, $5, $6, $7, $8,
			 case when $9::float8 > 0 then now() + make_interval(secs => $9) else null end)
		on conflict (subject_id, scan_id) do nothing
		returning `+scanColumns,
		scanID, subjectID, string(rec.Status), rec.Score,
		strings.TrimSpace(rec.Label), strings.TrimSpace(rec.Note),
		strings.TrimSpace(rec.ContentRef), strings.TrimSpace(rec.RequestID),
		s.retention.Seconds())
	out, err := scanRecord(row)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return scans.ScanRecord{}, false, err
	}

	// Same content delivered again: hand back the original verdict.
	out, err = s.getScan(ctx, subjectID, scanID)
	return out, false, err
}

func (s *Store) Update(ctx context.Context, subjectID, scanID string, patch scans.Patch) (scans.ScanRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	scanID = strings.TrimSpace(scanID)
	if subjectID == "" {
		return scans.ScanRecord{}, scans.ErrInvalidSubject
	}

	row := s.db.QueryRowContext(ctx, `
		update scan_records
		set label = coalesce($3, label), note = coalesce($4, note)
		where subject_id = $1 and scan_id = $2
		  and (expires_at is null or expires_at > now())
		returning `+scanColumns,
		subjectID, scanID, patchArg(patch.Label), patchArg(patch.Note))
	out, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scans.ScanRecord{}, scans.ErrNotFound
	}
	return out, err
}

func (s *Store) List(ctx context.Context, subjectID string, limit int, afterSeq uint64) ([]scans.ScanRecord, uint64, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, 0, scans.ErrInvalidSubject
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		select `+scanColumns+`
		from scan_records
		where subject_id = $1
		  and (expires_at is null or expires_at > now())
		  and ($2::bigint = 0 or sequence < $2)
		order by sequence desc
		limit $3
	`, subjectID, int64(afterSeq), limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []scans.ScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var cursor uint64
	if len(res) == limit {
		cursor = res[len(res)-1].Sequence
	}
	return res, cursor, nil
}

func (s *Store) getScan(ctx context.Context, subjectID, scanID string) (scans.ScanRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+scanColumns+`
		from scan_records
		where subject_id = $1 and scan_id = $2
	`, subjectID, scanID)
	out, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scans.ScanRecord{}, scans.ErrNotFound
	}
	return out, err
}

func scanRecord(row rowScanner) (scans.ScanRecord, error) {
	var (
		rec     scans.ScanRecord
		status  string
		expires sql.NullTime
		seq     int64
	)
	err := row.Scan(&rec.ScanID, &rec.SubjectID, &status, &rec.Score, &rec.Label, &rec.Note,
		&rec.ContentRef, &rec.RequestID, &rec.CreatedAt, &expires, &seq)
	if err != nil {
		return scans.ScanRecord{}, err
	}
	rec.Status = scans.Status(status)
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	rec.Sequence = uint64(seq)
	return rec, nil
}

func patchArg(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: strings.TrimSpace(*v), Valid: true}
}
