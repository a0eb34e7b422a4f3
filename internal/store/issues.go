package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revguard/revguard/internal/models"
)

const issueColumns = `id, org_id, detector_id, issue_type, severity, status, user_id, title,
	description, estimated_revenue_cents, confidence, evidence, detection_tier, dedup_key,
	created_at, updated_at, resolved_at, resolution`

// GetIssue retrieves one issue by ID.
func (s *Store) GetIssue(ctx context.Context, orgID, id string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE org_id = ? AND id = ?`, orgID, id)
	return scanIssue(row)
}

// UpsertDetectedIssue applies one detector report under dedup semantics:
// when an open issue exists for (org, dedup_key) its evidence, revenue
// estimate, confidence, and updated_at are refreshed (severity may upgrade,
// never downgrade); otherwise a fresh row is created, even if a resolved or
// dismissed issue shares the fingerprint. The bool reports creation.
func (s *Store) UpsertDetectedIssue(ctx context.Context, orgID, detectorID string, di models.DetectedIssue, now time.Time) (*models.Issue, bool, error) {
	var issue *models.Issue
	var created bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+issueColumns+` FROM issues
			WHERE org_id = ? AND dedup_key = ? AND status IN ('open', 'acknowledged')
			LIMIT 1`, orgID, di.DedupKey)
		existing, err := scanIssue(row)
		if err != nil {
			return err
		}

		evidence, err := json.Marshal(di.Evidence)
		if err != nil {
			return fmt.Errorf("marshal evidence: %w", err)
		}

		if existing != nil {
			severity := existing.Severity
			if di.Severity.AtLeast(severity) {
				severity = di.Severity
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE issues SET
					severity                = ?,
					evidence                = ?,
					estimated_revenue_cents = ?,
					confidence              = ?,
					description             = CASE WHEN ? != '' THEN ? ELSE description END,
					updated_at              = ?
				WHERE id = ?`,
				string(severity), string(evidence), nullableInt64(di.EstimatedRevenueCents),
				nullableFloat(di.Confidence), di.Description, di.Description,
				now.UTC().Unix(), existing.ID)
			if err != nil {
				return fmt.Errorf("update issue: %w", err)
			}
			existing.Severity = severity
			existing.Evidence = di.Evidence
			existing.EstimatedRevenueCents = di.EstimatedRevenueCents
			existing.Confidence = di.Confidence
			existing.UpdatedAt = now.UTC()
			issue = existing
			return nil
		}

		issue = &models.Issue{
			ID:                    uuid.NewString(),
			OrgID:                 orgID,
			DetectorID:            detectorID,
			IssueType:             di.IssueType,
			Severity:              di.Severity,
			Status:                models.IssueOpen,
			UserID:                di.UserID,
			Title:                 di.Title,
			Description:           di.Description,
			EstimatedRevenueCents: di.EstimatedRevenueCents,
			Confidence:            di.Confidence,
			Evidence:              di.Evidence,
			DetectionTier:         di.Tier,
			DedupKey:              di.DedupKey,
			CreatedAt:             now.UTC(),
			UpdatedAt:             now.UTC(),
		}
		created = true
		_, err = tx.ExecContext(ctx, `
			INSERT INTO issues (`+issueColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			issue.ID, issue.OrgID, issue.DetectorID, issue.IssueType, string(issue.Severity),
			string(issue.Status), issue.UserID, issue.Title, issue.Description,
			nullableInt64(issue.EstimatedRevenueCents), nullableFloat(issue.Confidence),
			string(evidence), string(issue.DetectionTier), issue.DedupKey,
			issue.CreatedAt.Unix(), issue.UpdatedAt.Unix(), nil, "")
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return issue, created, nil
}

// TransitionIssue moves an issue through the status lattice. Closed issues
// are immutable; invalid transitions return an error. The previous status is
// returned for the alert sink.
func (s *Store) TransitionIssue(ctx context.Context, orgID, id string, to models.IssueStatus, resolution string, now time.Time) (*models.Issue, models.IssueStatus, error) {
	var issue *models.Issue
	var prev models.IssueStatus

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+issueColumns+` FROM issues WHERE org_id = ? AND id = ?`, orgID, id)
		existing, err := scanIssue(row)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("issue %q: not found", id)
		}
		if !validIssueTransition(existing.Status, to) {
			return fmt.Errorf("issue %q: cannot transition %s -> %s", id, existing.Status, to)
		}
		prev = existing.Status

		var resolvedAt any
		if to.Closed() {
			resolvedAt = now.UTC().Unix()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE issues SET status = ?, resolution = ?, resolved_at = ?, updated_at = ? WHERE id = ?`,
			string(to), resolution, resolvedAt, now.UTC().Unix(), id); err != nil {
			return fmt.Errorf("transition issue: %w", err)
		}

		existing.Status = to
		existing.Resolution = resolution
		existing.UpdatedAt = now.UTC()
		if to.Closed() {
			ts := now.UTC()
			existing.ResolvedAt = &ts
		}
		issue = existing
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return issue, prev, nil
}

func validIssueTransition(from, to models.IssueStatus) bool {
	switch from {
	case models.IssueOpen:
		return to == models.IssueAcknowledged || to == models.IssueResolved || to == models.IssueDismissed
	case models.IssueAcknowledged:
		return to == models.IssueResolved || to == models.IssueDismissed
	default:
		return false
	}
}

// IssueFilter narrows issue listings.
type IssueFilter struct {
	Status    models.IssueStatus
	Severity  models.Severity
	IssueType string
	UserID    string
	Limit     int
	Offset    int
}

// ListIssues returns issues for an organization, newest activity first.
func (s *Store) ListIssues(ctx context.Context, orgID string, f IssueFilter) ([]*models.Issue, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + issueColumns + ` FROM issues WHERE org_id = ?`
	args := []any{orgID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.IssueType != "" {
		query += ` AND issue_type = ?`
		args = append(args, f.IssueType)
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// ListOpenIssuesByDetector returns the open/acknowledged issues one detector
// currently owns, used by Tier-2 auto-resolution.
func (s *Store) ListOpenIssuesByDetector(ctx context.Context, orgID, detectorID string) ([]*models.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE org_id = ? AND detector_id = ? AND status IN ('open', 'acknowledged')`,
		orgID, detectorID)
	if err != nil {
		return nil, fmt.Errorf("list open issues: %w", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// SumOpenRevenueAtRisk totals the revenue estimate across open issues.
func (s *Store) SumOpenRevenueAtRisk(ctx context.Context, orgID string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(estimated_revenue_cents) FROM issues
		WHERE org_id = ? AND status IN ('open', 'acknowledged')`, orgID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum revenue at risk: %w", err)
	}
	return total.Int64, nil
}

// CountIssues returns status -> count for the organization.
func (s *Store) CountIssues(ctx context.Context, orgID string) (map[models.IssueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM issues WHERE org_id = ? GROUP BY status`, orgID)
	if err != nil {
		return nil, fmt.Errorf("count issues: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.IssueStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.IssueStatus(status)] = count
	}
	return counts, rows.Err()
}

func scanIssue(sc scanner) (*models.Issue, error) {
	var issue models.Issue
	var severity, status, tier string
	var revenue sql.NullInt64
	var confidence sql.NullFloat64
	var evidence string
	var createdAt, updatedAt int64
	var resolvedAt sql.NullInt64
	err := sc.Scan(&issue.ID, &issue.OrgID, &issue.DetectorID, &issue.IssueType, &severity,
		&status, &issue.UserID, &issue.Title, &issue.Description, &revenue, &confidence,
		&evidence, &tier, &issue.DedupKey, &createdAt, &updatedAt, &resolvedAt, &issue.Resolution)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan issue: %w", err)
	}
	issue.Severity = models.Severity(severity)
	issue.Status = models.IssueStatus(status)
	issue.DetectionTier = models.DetectionTier(tier)
	issue.EstimatedRevenueCents = int64FromNullable(revenue)
	issue.Confidence = floatFromNullable(confidence)
	issue.CreatedAt = time.Unix(createdAt, 0).UTC()
	issue.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	issue.ResolvedAt = timeFromNullable(resolvedAt)
	if evidence != "" && evidence != "{}" {
		_ = json.Unmarshal([]byte(evidence), &issue.Evidence)
	}
	return &issue, nil
}
