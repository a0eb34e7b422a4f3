package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revguard/revguard/internal/models"
)

const entitlementColumns = `id, org_id, user_id, source, product_id, state, will_cancel,
	current_period_start, current_period_end, external_subscription_id, plan_tier,
	last_amount_cents, last_event_id, updated_at`

// GetEntitlement retrieves the projected record for (user, source, product).
func (s *Store) GetEntitlement(ctx context.Context, orgID, userID, source, productID string) (*models.Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE org_id = ? AND user_id = ? AND source = ? AND product_id = ?`,
		orgID, userID, source, productID)
	return scanEntitlement(row)
}

// UpsertEntitlement writes the projected record, replacing any previous state
// for the same (user, source, product).
func (s *Store) UpsertEntitlement(ctx context.Context, e *models.Entitlement) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (`+entitlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, user_id, source, product_id) DO UPDATE SET
			state                    = excluded.state,
			will_cancel              = excluded.will_cancel,
			current_period_start     = excluded.current_period_start,
			current_period_end       = excluded.current_period_end,
			external_subscription_id = excluded.external_subscription_id,
			plan_tier                = excluded.plan_tier,
			last_amount_cents        = excluded.last_amount_cents,
			last_event_id            = excluded.last_event_id,
			updated_at               = excluded.updated_at`,
		e.ID, e.OrgID, e.UserID, e.Source, e.ProductID, string(e.State), boolToInt(e.WillCancel),
		nullableTimeUnix(e.CurrentPeriodStart), nullableTimeUnix(e.CurrentPeriodEnd),
		e.ExternalSubscriptionID, e.PlanTier, nullableInt64(e.LastAmountCents),
		e.LastEventID, e.UpdatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	return nil
}

// ListEntitlementsForUser returns every entitlement row for a user.
func (s *Store) ListEntitlementsForUser(ctx context.Context, orgID, userID string) ([]*models.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE org_id = ? AND user_id = ? ORDER BY source, product_id`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements for user: %w", err)
	}
	defer rows.Close()
	return scanEntitlements(rows)
}

// ListGrantingEntitlements returns every entitlement in an access-granting
// state for the organization, ordered by user so duplicate-billing scans can
// group adjacent rows.
func (s *Store) ListGrantingEntitlements(ctx context.Context, orgID string) ([]*models.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE org_id = ? AND state IN ('trial', 'active', 'grace_period', 'billing_retry')
		ORDER BY user_id, product_id, source`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list granting entitlements: %w", err)
	}
	defer rows.Close()
	return scanEntitlements(rows)
}

// ListLapsedActive returns entitlements still marked active whose period end
// passed before the cutoff, candidates for lazy grace-period transition.
func (s *Store) ListLapsedActive(ctx context.Context, orgID, source string, cutoff time.Time) ([]*models.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE org_id = ? AND source = ? AND state = 'active'
		  AND current_period_end IS NOT NULL AND current_period_end < ?`,
		orgID, source, cutoff.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("list lapsed entitlements: %w", err)
	}
	defer rows.Close()
	return scanEntitlements(rows)
}

// EntitlementFreshness reports how many access-granting entitlements exist
// and how many have seen no projected event since the cutoff.
func (s *Store) EntitlementFreshness(ctx context.Context, orgID string, cutoff time.Time) (total, stale int, err error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN updated_at < ? THEN 1 ELSE 0 END), 0)
		FROM entitlements
		WHERE org_id = ? AND state IN ('trial', 'active', 'grace_period', 'billing_retry')`,
		cutoff.UTC().Unix(), orgID)
	if err := row.Scan(&total, &stale); err != nil {
		return 0, 0, fmt.Errorf("entitlement freshness: %w", err)
	}
	return total, stale, nil
}

// CountEntitlementsByState returns a state -> count map for the organization.
func (s *Store) CountEntitlementsByState(ctx context.Context, orgID string) (map[models.EntitlementState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM entitlements WHERE org_id = ? GROUP BY state`, orgID)
	if err != nil {
		return nil, fmt.Errorf("count entitlements by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EntitlementState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.EntitlementState(state)] = count
	}
	return counts, rows.Err()
}

func scanEntitlements(rows *sql.Rows) ([]*models.Entitlement, error) {
	var ents []*models.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		ents = append(ents, e)
	}
	return ents, rows.Err()
}

func scanEntitlement(sc scanner) (*models.Entitlement, error) {
	var e models.Entitlement
	var state string
	var willCancel int
	var periodStart, periodEnd, lastAmount sql.NullInt64
	var updatedAt int64
	err := sc.Scan(&e.ID, &e.OrgID, &e.UserID, &e.Source, &e.ProductID, &state, &willCancel,
		&periodStart, &periodEnd, &e.ExternalSubscriptionID, &e.PlanTier, &lastAmount,
		&e.LastEventID, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	e.State = models.EntitlementState(state)
	e.WillCancel = willCancel != 0
	e.CurrentPeriodStart = timeFromNullable(periodStart)
	e.CurrentPeriodEnd = timeFromNullable(periodEnd)
	e.LastAmountCents = int64FromNullable(lastAmount)
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}
