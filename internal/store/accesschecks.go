package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revguard/revguard/internal/models"
)

// InsertAccessCheck appends one app-side attestation. UserID may be empty when
// the external ref did not resolve at ingest time; ResolvePendingAccessChecks
// fills those in once the identity appears.
func (s *Store) InsertAccessCheck(ctx context.Context, check *models.AccessCheck, matchKey string) error {
	if check.ID == "" {
		check.ID = uuid.NewString()
	}
	if check.ObservedAt.IsZero() {
		check.ObservedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_checks (id, org_id, user_id, external_user_ref, match_key, has_access, observed_at, source_tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ID, check.OrgID, check.UserID, check.ExternalUserRef, matchKey,
		boolToInt(check.HasAccess), check.ObservedAt.UTC().Unix(), check.SourceTag)
	if err != nil {
		return fmt.Errorf("insert access check: %w", err)
	}
	return nil
}

// InsertAccessChecks appends a batch of attestations in one transaction.
// matchKeys pairs with checks by index.
func (s *Store) InsertAccessChecks(ctx context.Context, checks []*models.AccessCheck, matchKeys []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i, check := range checks {
			if check.ID == "" {
				check.ID = uuid.NewString()
			}
			if check.ObservedAt.IsZero() {
				check.ObservedAt = time.Now().UTC()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO access_checks (id, org_id, user_id, external_user_ref, match_key, has_access, observed_at, source_tag)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				check.ID, check.OrgID, check.UserID, check.ExternalUserRef, matchKeys[i],
				boolToInt(check.HasAccess), check.ObservedAt.UTC().Unix(), check.SourceTag)
			if err != nil {
				return fmt.Errorf("insert access check %d: %w", i, err)
			}
		}
		return nil
	})
}

// ResolvePendingAccessChecks attributes unresolved rows matching the key to a
// user. Returns the number of rows claimed.
func (s *Store) ResolvePendingAccessChecks(ctx context.Context, orgID, userID, matchKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE access_checks SET user_id = ?
		WHERE org_id = ? AND user_id = '' AND match_key = ?`,
		userID, orgID, matchKey)
	if err != nil {
		return 0, fmt.Errorf("resolve access checks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LatestAccessCheck returns the newest attestation for a user at or after the
// cutoff, or nil when none is fresh enough.
func (s *Store) LatestAccessCheck(ctx context.Context, orgID, userID string, since time.Time) (*models.AccessCheck, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, user_id, external_user_ref, has_access, observed_at, source_tag
		FROM access_checks
		WHERE org_id = ? AND user_id = ? AND observed_at >= ?
		ORDER BY observed_at DESC LIMIT 1`,
		orgID, userID, since.UTC().Unix())
	return scanAccessCheck(row)
}

// RecentAccessChecks returns attestations for a user newest first.
func (s *Store) RecentAccessChecks(ctx context.Context, orgID, userID string, limit int) ([]*models.AccessCheck, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, user_id, external_user_ref, has_access, observed_at, source_tag
		FROM access_checks WHERE org_id = ? AND user_id = ?
		ORDER BY observed_at DESC LIMIT ?`, orgID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent access checks: %w", err)
	}
	defer rows.Close()

	var checks []*models.AccessCheck
	for rows.Next() {
		check, err := scanAccessCheck(rows)
		if err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

// PruneUnresolvedAccessChecks drops rows that never matched a user within the
// replay TTL. Returns the number removed.
func (s *Store) PruneUnresolvedAccessChecks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM access_checks WHERE user_id = '' AND observed_at < ?`,
		before.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune access checks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanAccessCheck(sc scanner) (*models.AccessCheck, error) {
	var check models.AccessCheck
	var hasAccess int
	var observedAt int64
	err := sc.Scan(&check.ID, &check.OrgID, &check.UserID, &check.ExternalUserRef,
		&hasAccess, &observedAt, &check.SourceTag)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan access check: %w", err)
	}
	check.HasAccess = hasAccess != 0
	check.ObservedAt = time.Unix(observedAt, 0).UTC()
	return &check, nil
}
