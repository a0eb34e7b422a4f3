package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revguard/revguard/internal/models"
)

const eventColumns = `id, org_id, source, event_type, source_event_type, status, event_time,
	ingested_at, amount_cents, currency, external_subscription_id, product_id, plan_tier,
	billing_interval, trial_started_at, period_start, period_end, user_id, idempotency_key, raw_payload`

// InsertCanonicalEvent writes a canonical event under idempotency-key
// uniqueness. A conflict on (org, idempotency_key) is swallowed as a no-op;
// the returned bool reports whether a row was actually inserted.
func (s *Store) InsertCanonicalEvent(ctx context.Context, ev *models.CanonicalEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO canonical_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, idempotency_key) DO NOTHING`,
		ev.ID, ev.OrgID, ev.Source, string(ev.EventType), ev.SourceEventType, string(ev.Status),
		ev.EventTime.UTC().Unix(), ev.IngestedAt.UTC().Unix(), nullableInt64(ev.AmountCents),
		ev.Currency, ev.ExternalSubscriptionID, ev.ProductID, ev.PlanTier, ev.BillingInterval,
		nullableTimeUnix(ev.TrialStartedAt), nullableTimeUnix(ev.PeriodStart), nullableTimeUnix(ev.PeriodEnd),
		ev.UserID, ev.IdempotencyKey, []byte(ev.RawPayload))
	if err != nil {
		return false, fmt.Errorf("insert canonical event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetEvent retrieves one canonical event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.CanonicalEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM canonical_events WHERE id = ?`, id)
	return scanEvent(row)
}

// EventFilter narrows event listings.
type EventFilter struct {
	Source    string
	EventType models.EventType
	UserID    string
	Limit     int
	Offset    int
}

// ListEvents returns canonical events for an organization, newest first.
func (s *Store) ListEvents(ctx context.Context, orgID string, f EventFilter) ([]*models.CanonicalEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM canonical_events WHERE org_id = ?`
	args := []any{orgID}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.EventType))
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	query += ` ORDER BY event_time DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents counts events for (org, source) matching type and status at or
// after since. Empty type/status match everything.
func (s *Store) CountEvents(ctx context.Context, orgID, source string, eventType models.EventType, status models.EventStatus, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM canonical_events WHERE org_id = ? AND source = ? AND event_time >= ?`
	args := []any{orgID, source, since.UTC().Unix()}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// LastEventTime returns the newest event_time for (org, source), or nil when
// no events exist.
func (s *Store) LastEventTime(ctx context.Context, orgID, source string) (*time.Time, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(event_time) FROM canonical_events WHERE org_id = ? AND source = ?`,
		orgID, source).Scan(&v)
	if err != nil {
		return nil, fmt.Errorf("last event time: %w", err)
	}
	return timeFromNullable(v), nil
}

// EventTimesSince returns event times for (org, source) at or after since in
// ascending order, for inter-arrival baselines.
func (s *Store) EventTimesSince(ctx context.Context, orgID, source string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_time FROM canonical_events
		WHERE org_id = ? AND source = ? AND event_time >= ?
		ORDER BY event_time`, orgID, source, since.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("event times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan event time: %w", err)
		}
		times = append(times, time.Unix(ts, 0).UTC())
	}
	return times, rows.Err()
}

// EventsForProjection returns the events behind one (user, source, product)
// entitlement in event_time order, for replay verification and backfill.
func (s *Store) EventsForProjection(ctx context.Context, orgID, userID, source, productID string) ([]*models.CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM canonical_events
		WHERE org_id = ? AND user_id = ? AND source = ? AND (product_id = ? OR (product_id = '' AND external_subscription_id = ?))
		ORDER BY event_time, ingested_at`, orgID, userID, source, productID, productID)
	if err != nil {
		return nil, fmt.Errorf("events for projection: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*models.CanonicalEvent, error) {
	var events []*models.CanonicalEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(sc scanner) (*models.CanonicalEvent, error) {
	var ev models.CanonicalEvent
	var eventType, status string
	var eventTime, ingestedAt int64
	var amount, trialStarted, periodStart, periodEnd sql.NullInt64
	var raw []byte
	err := sc.Scan(&ev.ID, &ev.OrgID, &ev.Source, &eventType, &ev.SourceEventType, &status,
		&eventTime, &ingestedAt, &amount, &ev.Currency, &ev.ExternalSubscriptionID,
		&ev.ProductID, &ev.PlanTier, &ev.BillingInterval, &trialStarted, &periodStart, &periodEnd,
		&ev.UserID, &ev.IdempotencyKey, &raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.EventType = models.EventType(eventType)
	ev.Status = models.EventStatus(status)
	ev.EventTime = time.Unix(eventTime, 0).UTC()
	ev.IngestedAt = time.Unix(ingestedAt, 0).UTC()
	ev.AmountCents = int64FromNullable(amount)
	ev.TrialStartedAt = timeFromNullable(trialStarted)
	ev.PeriodStart = timeFromNullable(periodStart)
	ev.PeriodEnd = timeFromNullable(periodEnd)
	ev.RawPayload = raw
	return &ev, nil
}
