package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revguard/revguard/internal/models"
)

// UpsertAlertConfig creates or updates one alert channel for an organization.
func (s *Store) UpsertAlertConfig(ctx context.Context, cfg *models.AlertConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateWindowS <= 0 {
		cfg.RateWindowS = 300
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_configs (id, org_id, channel, target, enabled, rate_limit, rate_window, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel     = excluded.channel,
			target      = excluded.target,
			enabled     = excluded.enabled,
			rate_limit  = excluded.rate_limit,
			rate_window = excluded.rate_window`,
		cfg.ID, cfg.OrgID, cfg.Channel, cfg.Target, boolToInt(cfg.Enabled),
		cfg.RateLimit, cfg.RateWindowS, cfg.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert alert config: %w", err)
	}
	return nil
}

// ListAlertConfigs returns enabled channels for an organization.
func (s *Store) ListAlertConfigs(ctx context.Context, orgID string) ([]*models.AlertConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, channel, target, enabled, rate_limit, rate_window, created_at
		FROM alert_configs WHERE org_id = ? AND enabled = 1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list alert configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.AlertConfig
	for rows.Next() {
		cfg, err := scanAlertConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// InsertAlertDelivery appends one entry to the delivery log.
func (s *Store) InsertAlertDelivery(ctx context.Context, d *models.AlertDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_deliveries (id, org_id, alert_config_id, issue_id, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrgID, d.AlertConfigID, d.IssueID, string(d.Outcome), d.Detail, d.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert alert delivery: %w", err)
	}
	return nil
}

// ListAlertDeliveries returns the delivery log for one issue, oldest first.
func (s *Store) ListAlertDeliveries(ctx context.Context, orgID, issueID string) ([]*models.AlertDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, alert_config_id, issue_id, outcome, detail, created_at
		FROM alert_deliveries WHERE org_id = ? AND issue_id = ?
		ORDER BY created_at`, orgID, issueID)
	if err != nil {
		return nil, fmt.Errorf("list alert deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.AlertDelivery
	for rows.Next() {
		var d models.AlertDelivery
		var outcome string
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.OrgID, &d.AlertConfigID, &d.IssueID, &outcome, &d.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan alert delivery: %w", err)
		}
		d.Outcome = models.AlertDeliveryOutcome(outcome)
		d.CreatedAt = time.Unix(createdAt, 0).UTC()
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}

func scanAlertConfig(sc scanner) (*models.AlertConfig, error) {
	var cfg models.AlertConfig
	var enabled int
	var createdAt int64
	err := sc.Scan(&cfg.ID, &cfg.OrgID, &cfg.Channel, &cfg.Target, &enabled,
		&cfg.RateLimit, &cfg.RateWindowS, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert config: %w", err)
	}
	cfg.Enabled = enabled != 0
	cfg.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &cfg, nil
}
