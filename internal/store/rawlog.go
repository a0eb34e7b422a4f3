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

// InsertRawWebhook appends an inbound delivery to the raw log.
func (s *Store) InsertRawWebhook(ctx context.Context, raw *models.RawWebhookLog) error {
	if raw.ID == "" {
		raw.ID = uuid.NewString()
	}
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now().UTC()
	}
	if raw.ProcessingStatus == "" {
		raw.ProcessingStatus = models.RawReceived
	}
	headers, err := json.Marshal(raw.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raw_webhook_log
			(id, org_id, source, received_at, headers, body, processing_status, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		raw.ID, raw.OrgID, raw.Source, raw.ReceivedAt.Unix(), string(headers), raw.Body,
		string(raw.ProcessingStatus), raw.Attempts)
	if err != nil {
		return fmt.Errorf("insert raw webhook: %w", err)
	}
	return nil
}

// GetRawWebhook retrieves one raw delivery by ID.
func (s *Store) GetRawWebhook(ctx context.Context, id string) (*models.RawWebhookLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, source, received_at, headers, body, processing_status,
		       external_event_id, event_type, http_status, error_message, processed_at, attempts
		FROM raw_webhook_log WHERE id = ?`, id)
	return scanRawWebhook(row)
}

// RawStatusUpdate carries the fields a worker sets when it finishes a delivery.
type RawStatusUpdate struct {
	Status          models.RawWebhookStatus
	ErrorMessage    string
	ExternalEventID string
	EventType       string
	ProcessedAt     *time.Time
}

// SetRawStatus marks a raw row with its (possibly terminal) processing status.
func (s *Store) SetRawStatus(ctx context.Context, id string, upd RawStatusUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_webhook_log SET
			processing_status = ?,
			error_message     = ?,
			external_event_id = CASE WHEN ? != '' THEN ? ELSE external_event_id END,
			event_type        = CASE WHEN ? != '' THEN ? ELSE event_type END,
			processed_at      = COALESCE(?, processed_at)
		WHERE id = ?`,
		string(upd.Status), upd.ErrorMessage,
		upd.ExternalEventID, upd.ExternalEventID,
		upd.EventType, upd.EventType,
		nullableTimeUnix(upd.ProcessedAt), id)
	if err != nil {
		return fmt.Errorf("set raw status: %w", err)
	}
	return nil
}

// IncrementRawAttempts bumps and returns the attempt counter for a delivery.
func (s *Store) IncrementRawAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE raw_webhook_log SET attempts = attempts + 1 WHERE id = ?
		RETURNING attempts`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// RawLogFilter narrows webhook-log listings.
type RawLogFilter struct {
	Source string
	Status models.RawWebhookStatus
	Limit  int
	Offset int
}

// ListRawWebhooks returns the webhook log for an organization, newest first.
// Bodies are omitted; the listing is a debugging surface, not a replay path.
func (s *Store) ListRawWebhooks(ctx context.Context, orgID string, f RawLogFilter) ([]*models.RawWebhookLog, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, org_id, source, received_at, headers, X'' AS body, processing_status,
		       external_event_id, event_type, http_status, error_message, processed_at, attempts
		FROM raw_webhook_log WHERE org_id = ?`
	args := []any{orgID}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.Status != "" {
		query += ` AND processing_status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY received_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list raw webhooks: %w", err)
	}
	defer rows.Close()

	var entries []*models.RawWebhookLog
	for rows.Next() {
		raw, err := scanRawWebhook(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, raw)
	}
	return entries, rows.Err()
}

// CountRawSince counts deliveries for (org, source) at or after since,
// optionally restricted to one processing status.
func (s *Store) CountRawSince(ctx context.Context, orgID, source string, since time.Time, status models.RawWebhookStatus) (int, error) {
	query := `SELECT COUNT(*) FROM raw_webhook_log WHERE org_id = ? AND source = ? AND received_at >= ?`
	args := []any{orgID, source, since.UTC().Unix()}
	if status != "" {
		query += ` AND processing_status = ?`
		args = append(args, string(status))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw webhooks: %w", err)
	}
	return n, nil
}

// PruneRawWebhooks deletes raw rows received before the cutoff. Returns the
// number of rows removed.
func (s *Store) PruneRawWebhooks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM raw_webhook_log WHERE received_at < ?`, before.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune raw webhooks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanRawWebhook(sc scanner) (*models.RawWebhookLog, error) {
	var raw models.RawWebhookLog
	var receivedAt int64
	var headers string
	var status string
	var processedAt sql.NullInt64
	err := sc.Scan(&raw.ID, &raw.OrgID, &raw.Source, &receivedAt, &headers, &raw.Body, &status,
		&raw.ExternalEventID, &raw.EventType, &raw.HTTPStatus, &raw.ErrorMessage, &processedAt, &raw.Attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan raw webhook: %w", err)
	}
	raw.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	raw.ProcessingStatus = models.RawWebhookStatus(status)
	raw.ProcessedAt = timeFromNullable(processedAt)
	if headers != "" && headers != "{}" {
		_ = json.Unmarshal([]byte(headers), &raw.Headers)
	}
	return &raw, nil
}
