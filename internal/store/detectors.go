package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revguard/revguard/internal/models"
)

// StartDetectorRun records the beginning of a scheduled scan and returns the
// ledger row ID.
func (s *Store) StartDetectorRun(ctx context.Context, orgID, detectorID string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detector_runs (id, org_id, detector_id, started_at)
		VALUES (?, ?, ?, ?)`,
		id, orgID, detectorID, startedAt.UTC().Unix())
	if err != nil {
		return "", fmt.Errorf("start detector run: %w", err)
	}
	return id, nil
}

// FinishDetectorRun completes a ledger row with its outcome counters.
func (s *Store) FinishDetectorRun(ctx context.Context, runID string, created, updated int, runErr string, aborted bool, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE detector_runs SET
			completed_at = ?, issues_created = ?, issues_updated = ?, error = ?, aborted = ?
		WHERE id = ?`,
		completedAt.UTC().Unix(), created, updated, runErr, boolToInt(aborted), runID)
	if err != nil {
		return fmt.Errorf("finish detector run: %w", err)
	}
	return nil
}

// LastDetectorRun returns the most recent ledger row for (org, detector), or
// nil when the detector has never run.
func (s *Store) LastDetectorRun(ctx context.Context, orgID, detectorID string) (*models.DetectorRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, detector_id, started_at, completed_at, issues_created,
		       issues_updated, error, aborted
		FROM detector_runs
		WHERE org_id = ? AND detector_id = ?
		ORDER BY started_at DESC LIMIT 1`, orgID, detectorID)
	return scanDetectorRun(row)
}

// ListDetectorRuns returns recent ledger rows for an organization.
func (s *Store) ListDetectorRuns(ctx context.Context, orgID string, limit int) ([]*models.DetectorRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, detector_id, started_at, completed_at, issues_created,
		       issues_updated, error, aborted
		FROM detector_runs WHERE org_id = ?
		ORDER BY started_at DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list detector runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.DetectorRun
	for rows.Next() {
		run, err := scanDetectorRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanDetectorRun(sc scanner) (*models.DetectorRun, error) {
	var run models.DetectorRun
	var startedAt int64
	var completedAt sql.NullInt64
	var aborted int
	err := sc.Scan(&run.ID, &run.OrgID, &run.DetectorID, &startedAt, &completedAt,
		&run.IssuesCreated, &run.IssuesUpdated, &run.Error, &aborted)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan detector run: %w", err)
	}
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	run.CompletedAt = timeFromNullable(completedAt)
	run.Aborted = aborted != 0
	return &run, nil
}
