package duckdb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const selectColumns = `SELECT id, defect_type, code, is_defective, detected_at, utc_offset, confidence, image_url, scanner_id FROM detections`

// RecordsBetween returns records detected in [from, to), newest first.
func (s *Store) RecordsBetween(from, to time.Time) ([]model.DetectionRecord, error) {
	return s.query(selectColumns+` WHERE detected_at >= ? AND detected_at < ? ORDER BY detected_at DESC, id DESC`,
		from.UTC(), to.UTC())
}

// RecordsOn returns the records of one calendar day in day's zone.
func (s *Store) RecordsOn(day time.Time) ([]model.DetectionRecord, error) {
	start := startOfDay(day)
	return s.RecordsBetween(start, start.AddDate(0, 0, 1))
}

// RecordsUpTo returns up to limit records detected before the end of day,
// newest first. limit <= 0 means no limit.
func (s *Store) RecordsUpTo(day time.Time, limit int) ([]model.DetectionRecord, error) {
	end := startOfDay(day).AddDate(0, 0, 1).UTC()
	if limit <= 0 {
		return s.query(selectColumns+` WHERE detected_at < ? ORDER BY detected_at DESC, id DESC`, end)
	}
	return s.query(selectColumns+` WHERE detected_at < ? ORDER BY detected_at DESC, id DESC LIMIT ?`, end, limit)
}

// Latest returns the newest limit records.
func (s *Store) Latest(limit int) ([]model.DetectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(selectColumns+` ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
}

// Oldest returns the first limit records in detection order, for replay.
func (s *Store) Oldest(limit int) ([]model.DetectionRecord, error) {
	if limit <= 0 {
		return s.query(selectColumns + ` ORDER BY detected_at ASC, id ASC`)
	}
	return s.query(selectColumns+` ORDER BY detected_at ASC, id ASC LIMIT ?`, limit)
}

// Get returns one record by ID.
func (s *Store) Get(id int64) (model.DetectionRecord, bool, error) {
	records, err := s.query(selectColumns+` WHERE id = ?`, id)
	if err != nil {
		return model.DetectionRecord{}, false, err
	}
	if len(records) == 0 {
		return model.DetectionRecord{}, false, nil
	}
	return records[0], true, nil
}

// Count returns the number of archived records.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM detections`).Scan(&n); err != nil {
		return 0, fmt.Errorf("duckdb: count: %w", err)
	}
	return n, nil
}

// DeleteBefore removes records detected before cutoff and returns how many.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE detected_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("duckdb: delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}

func (s *Store) query(query string, args ...interface{}) ([]model.DetectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duckdb: query: %w", err)
	}
	defer rows.Close()

	var out []model.DetectionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("duckdb: rows: %w", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (model.DetectionRecord, error) {
	var (
		rec        model.DetectionRecord
		defectType string
		detectedAt time.Time
		offset     int32
	)
	if err := rows.Scan(&rec.ID, &defectType, &rec.Code, &rec.IsDefective, &detectedAt,
		&offset, &rec.Confidence, &rec.ImageURL, &rec.ScannerID); err != nil {
		return model.DetectionRecord{}, fmt.Errorf("duckdb: scan: %w", err)
	}
	rec.DefectType = model.DefectType(defectType)
	rec.DetectedAt = restoreZone(detectedAt, int(offset))
	return rec, nil
}

// restoreZone reattaches the original UTC offset so the displayed date and
// time match what the scanner reported.
func restoreZone(ts time.Time, offset int) time.Time {
	utc := time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC)
	if offset == 0 {
		return utc
	}
	return utc.In(time.FixedZone("", offset))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
