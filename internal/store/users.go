package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revguard/revguard/internal/models"
)

// CreateUser inserts a new internal user.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, org_id, email, external_user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.OrgID, u.Email, u.ExternalUserID, u.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, orgID, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, email, external_user_id, created_at FROM users WHERE org_id = ? AND id = ?`,
		orgID, id)
	return scanUser(row)
}

// FillUserContact populates email and external user id when currently empty.
func (s *Store) FillUserContact(ctx context.Context, orgID, userID, email, externalUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			email            = CASE WHEN email = '' AND ? != '' THEN ? ELSE email END,
			external_user_id = CASE WHEN external_user_id = '' AND ? != '' THEN ? ELSE external_user_id END
		WHERE org_id = ? AND id = ?`,
		email, email, externalUserID, externalUserID, orgID, userID)
	if err != nil {
		return fmt.Errorf("fill user contact: %w", err)
	}
	return nil
}

func scanUser(sc scanner) (*models.User, error) {
	var u models.User
	var createdAt int64
	err := sc.Scan(&u.ID, &u.OrgID, &u.Email, &u.ExternalUserID, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// FindIdentity looks up an identity row by its exact external id.
func (s *Store) FindIdentity(ctx context.Context, orgID, source, externalID string) (*models.UserIdentity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, user_id, source, id_type, external_id, created_at
		FROM user_identities WHERE org_id = ? AND source = ? AND external_id = ?`,
		orgID, source, externalID)
	return scanIdentity(row)
}

// FindIdentitiesByMatchKey looks up identities by normalized comparison key,
// used for email hints where casing and whitespace vary across sources.
func (s *Store) FindIdentitiesByMatchKey(ctx context.Context, orgID string, idType models.IdentityType, matchKey string) ([]*models.UserIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, user_id, source, id_type, external_id, created_at
		FROM user_identities WHERE org_id = ? AND id_type = ? AND match_key = ?`,
		orgID, string(idType), matchKey)
	if err != nil {
		return nil, fmt.Errorf("find identities by match key: %w", err)
	}
	defer rows.Close()

	var ids []*models.UserIdentity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		ids = append(ids, ident)
	}
	return ids, rows.Err()
}

// AttachIdentity links an external identifier to a user. A duplicate
// (org, source, external_id) is a no-op so replayed hints stay idempotent.
func (s *Store) AttachIdentity(ctx context.Context, ident *models.UserIdentity, matchKey string) error {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_identities (id, org_id, user_id, source, id_type, external_id, match_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, source, external_id) DO NOTHING`,
		ident.ID, ident.OrgID, ident.UserID, ident.Source, string(ident.IDType),
		ident.ExternalID, matchKey, ident.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("attach identity: %w", err)
	}
	return nil
}

// ListIdentities returns all identity rows for a user.
func (s *Store) ListIdentities(ctx context.Context, orgID, userID string) ([]*models.UserIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, user_id, source, id_type, external_id, created_at
		FROM user_identities WHERE org_id = ? AND user_id = ? ORDER BY created_at`,
		orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var ids []*models.UserIdentity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		ids = append(ids, ident)
	}
	return ids, rows.Err()
}

func scanIdentity(sc scanner) (*models.UserIdentity, error) {
	var ident models.UserIdentity
	var idType string
	var createdAt int64
	err := sc.Scan(&ident.ID, &ident.OrgID, &ident.UserID, &ident.Source, &idType,
		&ident.ExternalID, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	ident.IDType = models.IdentityType(idType)
	ident.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &ident, nil
}

// MergeUsers collapses the losers into the survivor inside one transaction:
// identities, events, entitlements, issues, and pending access checks are
// rewritten, then the loser rows are deleted. Where both sides hold an
// entitlement for the same (source, product) the survivor's row wins.
func (s *Store) MergeUsers(ctx context.Context, orgID, survivorID string, loserIDs []string) error {
	if len(loserIDs) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, loserID := range loserIDs {
			if loserID == survivorID {
				continue
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE user_identities SET user_id = ? WHERE org_id = ? AND user_id = ?`,
				survivorID, orgID, loserID); err != nil {
				return fmt.Errorf("merge identities: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE canonical_events SET user_id = ? WHERE org_id = ? AND user_id = ?`,
				survivorID, orgID, loserID); err != nil {
				return fmt.Errorf("merge events: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE OR IGNORE entitlements SET user_id = ? WHERE org_id = ? AND user_id = ?`,
				survivorID, orgID, loserID); err != nil {
				return fmt.Errorf("merge entitlements: %w", err)
			}
			// Rows that collided with a survivor entitlement stay behind; drop them.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM entitlements WHERE org_id = ? AND user_id = ?`,
				orgID, loserID); err != nil {
				return fmt.Errorf("drop collided entitlements: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE issues SET user_id = ? WHERE org_id = ? AND user_id = ?`,
				survivorID, orgID, loserID); err != nil {
				return fmt.Errorf("merge issues: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE access_checks SET user_id = ? WHERE org_id = ? AND user_id = ?`,
				survivorID, orgID, loserID); err != nil {
				return fmt.Errorf("merge access checks: %w", err)
			}

			// Carry contact details over before deleting the loser.
			if _, err := tx.ExecContext(ctx, `
				UPDATE users SET
					email = CASE WHEN email = '' THEN COALESCE((SELECT email FROM users WHERE org_id = ? AND id = ?), '') ELSE email END,
					external_user_id = CASE WHEN external_user_id = '' THEN COALESCE((SELECT external_user_id FROM users WHERE org_id = ? AND id = ?), '') ELSE external_user_id END
				WHERE org_id = ? AND id = ?`,
				orgID, loserID, orgID, loserID, orgID, survivorID); err != nil {
				return fmt.Errorf("carry contact: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM users WHERE org_id = ? AND id = ?`, orgID, loserID); err != nil {
				return fmt.Errorf("delete merged user: %w", err)
			}
		}
		return nil
	})
}
