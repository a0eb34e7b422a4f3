package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revguard/revguard/internal/models"
)

// CreateOrganization inserts a new tenant root.
func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, slug, name, created_at) VALUES (?, ?, ?, ?)`,
		org.ID, org.Slug, org.Name, org.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM organizations WHERE id = ?`, id)
	return scanOrganization(row)
}

// GetOrganizationBySlug retrieves an organization by its URL slug.
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM organizations WHERE slug = ?`, slug)
	return scanOrganization(row)
}

// ListOrganizations returns all tenants, oldest first.
func (s *Store) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, name, created_at FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*models.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func scanOrganization(sc scanner) (*models.Organization, error) {
	var org models.Organization
	var createdAt int64
	err := sc.Scan(&org.ID, &org.Slug, &org.Name, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	org.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &org, nil
}

// UpsertConnection creates or updates the billing connection for (org, source).
func (s *Store) UpsertConnection(ctx context.Context, conn *models.BillingConnection) error {
	now := time.Now().UTC()
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_connections
			(id, org_id, source, secret_encrypted, is_active, grace_days, last_webhook_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, source) DO UPDATE SET
			secret_encrypted = excluded.secret_encrypted,
			is_active        = excluded.is_active,
			grace_days       = excluded.grace_days,
			updated_at       = excluded.updated_at`,
		conn.ID, conn.OrgID, conn.Source, conn.SecretEncrypted, boolToInt(conn.IsActive),
		conn.GraceDays, nullableTimeUnix(conn.LastWebhookAt), conn.CreatedAt.Unix(), conn.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// GetConnection retrieves the billing connection for (org, source).
func (s *Store) GetConnection(ctx context.Context, orgID, source string) (*models.BillingConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, source, secret_encrypted, is_active, grace_days, last_webhook_at, created_at, updated_at
		FROM billing_connections WHERE org_id = ? AND source = ?`, orgID, source)
	return scanConnection(row)
}

// ListActiveConnections returns the active connections for an organization.
func (s *Store) ListActiveConnections(ctx context.Context, orgID string) ([]*models.BillingConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, source, secret_encrypted, is_active, grace_days, last_webhook_at, created_at, updated_at
		FROM billing_connections WHERE org_id = ? AND is_active = 1 ORDER BY source`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.BillingConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// ListConnections returns every connection for an organization, inactive ones
// included.
func (s *Store) ListConnections(ctx context.Context, orgID string) ([]*models.BillingConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, source, secret_encrypted, is_active, grace_days, last_webhook_at, created_at, updated_at
		FROM billing_connections WHERE org_id = ? ORDER BY source`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.BillingConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// TouchConnectionWebhook records the arrival time of the latest raw delivery.
func (s *Store) TouchConnectionWebhook(ctx context.Context, orgID, source string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_connections SET last_webhook_at = ?
		WHERE org_id = ? AND source = ? AND (last_webhook_at IS NULL OR last_webhook_at < ?)`,
		at.UTC().Unix(), orgID, source, at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	return nil
}

func scanConnection(sc scanner) (*models.BillingConnection, error) {
	var conn models.BillingConnection
	var active int
	var lastWebhook sql.NullInt64
	var createdAt, updatedAt int64
	err := sc.Scan(&conn.ID, &conn.OrgID, &conn.Source, &conn.SecretEncrypted, &active,
		&conn.GraceDays, &lastWebhook, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	conn.IsActive = active != 0
	conn.LastWebhookAt = timeFromNullable(lastWebhook)
	conn.CreatedAt = time.Unix(createdAt, 0).UTC()
	conn.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &conn, nil
}
