package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"veriscan.app/internal/device"
)

var _ device.Tracker = (*Store)(nil)

func (s *Store) RecordScan(ctx context.Context, deviceID, subjectID string) (device.Record, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return device.Record{}, errors.New("device: device id is required")
	}
	subjectID = strings.TrimSpace(subjectID)

	rec := device.Record{DeviceID: deviceID}
	err := s.db.QueryRowContext(ctx, `
		insert into device_records (device_id, scan_count, subject_ids)
		values ($1, 1, case when $2 = '' then '{}'::text[] else array[$2] end)
		on conflict (device_id) do update set
			scan_count = device_records.scan_count + 1,
			subject_ids = case
				when $2 = '' or device_records.subject_ids @> array[$2]
				then device_records.subject_ids
				else array_append(device_records.subject_ids, $2)
			end,
			last_seen = now()
		returning scan_count, subject_ids, first_seen, last_seen
	`, deviceID, subjectID).Scan(&rec.ScanCount, textArray(&rec.SubjectIDs), &rec.FirstSeen, &rec.LastSeen)
	if err != nil {
		return device.Record{}, err
	}
	return rec, nil
}

func (s *Store) ScansUsed(ctx context.Context, deviceID string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `
		select scan_count from device_records where device_id = $1
	`, strings.TrimSpace(deviceID)).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return used, nil
}

func (s *Store) Get(ctx context.Context, deviceID string) (device.Record, error) {
	deviceID = strings.TrimSpace(deviceID)
	rec := device.Record{DeviceID: deviceID}
	err := s.db.QueryRowContext(ctx, `
		select scan_count, subject_ids, first_seen, last_seen
		from device_records
		where device_id = $1
	`, deviceID).Scan(&rec.ScanCount, textArray(&rec.SubjectIDs), &rec.FirstSeen, &rec.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Record{}, device.ErrNotFound
	}
	if err != nil {
		return device.Record{}, err
	}
	return rec, nil
}

func (s *Store) IsExhausted(ctx context.Context, deviceID string) (bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false, nil
	}
	used, err := s.ScansUsed(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return used >= int64(s.scanLimit), nil
}
