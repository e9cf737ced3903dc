package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// --- Watermarks ---

// GetWatermark returns the stored watermark of a type, or nil.
func (s *SQLiteStore) GetWatermark(ctx context.Context, t core.ObjectType) (*time.Time, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark FROM watermarks WHERE object_type = ?`, string(t),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get watermark", err)
	}

	at, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &at, nil
}

// SetWatermark stores the watermark of a type.
func (s *SQLiteStore) SetWatermark(ctx context.Context, t core.ObjectType, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks (object_type, watermark, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (object_type) DO UPDATE SET watermark = excluded.watermark, updated_at = excluded.updated_at`,
		string(t), formatTime(at), formatTime(time.Now()),
	)
	if err != nil {
		return unavailable("set watermark", err)
	}
	return nil
}

// ClearWatermark removes the watermark of a type.
func (s *SQLiteStore) ClearWatermark(ctx context.Context, t core.ObjectType) error {
	if err := s.ready(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM watermarks WHERE object_type = ?`, string(t)); err != nil {
		return unavailable("clear watermark", err)
	}
	return nil
}

// --- Runs ---

// SaveRun inserts or replaces a run report.
func (s *SQLiteStore) SaveRun(ctx context.Context, report *core.RunReport) error {
	if err := s.ready(); err != nil {
		return err
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	var completedAt sql.NullString
	if report.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*report.CompletedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, status, started_at, completed_at, report) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   completed_at = excluded.completed_at,
		   report = excluded.report`,
		report.RunID, string(report.Mode), string(report.Status), formatTime(report.StartedAt), completedAt, string(body),
	)
	if err != nil {
		return unavailable("save run", err)
	}
	return nil
}

// GetRun retrieves a run report by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*core.RunReport, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get run", err)
	}
	return decodeReport(body)
}

// ListRuns returns the most recent run reports, newest first.
// A limit <= 0 returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*core.RunReport, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT report FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, unavailable("list runs", err)
	}
	defer func() { _ = rows.Close() }()

	var reports []*core.RunReport
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, unavailable("scan run", err)
		}
		report, err := decodeReport(body)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list runs", err)
	}
	return reports, nil
}

func decodeReport(body string) (*core.RunReport, error) {
	report := &core.RunReport{}
	if err := json.Unmarshal([]byte(body), report); err != nil {
		return nil, fmt.Errorf("failed to decode run report: %w", err)
	}
	return report, nil
}
