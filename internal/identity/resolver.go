package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// Resolver attaches canonical events to internal users. Identity hints form
// an undirected graph whose connected components are users; the resolver does
// union-find online, persisting the current component as the user id.
type Resolver struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewResolver builds a resolver over the given store.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s, logger: logging.With("identity")}
}

// MatchKey returns the normalized comparison key for a hint. Emails compare
// case-insensitively and trimmed; everything else compares verbatim.
func MatchKey(hint models.IdentityHint) string {
	if hint.IDType == models.IdentityEmail {
		return strings.ToLower(strings.TrimSpace(hint.ExternalID))
	}
	return hint.ExternalID
}

// Resolve maps a hint set to exactly one internal user, creating or merging
// users as needed, and returns the user id. An empty hint set returns "" —
// aggregate-only events legitimately have no subject.
func (r *Resolver) Resolve(ctx context.Context, orgID string, hints []models.IdentityHint) (string, error) {
	if len(hints) == 0 {
		return "", nil
	}

	matched, err := r.lookupUsers(ctx, orgID, hints)
	if err != nil {
		return "", err
	}

	var userID string
	switch len(matched) {
	case 0:
		user, err := r.createUserFromHints(ctx, orgID, hints)
		if err != nil {
			return "", err
		}
		userID = user.ID
	case 1:
		userID = matched[0].ID
	default:
		userID, err = r.merge(ctx, orgID, matched)
		if err != nil {
			return "", err
		}
	}

	if err := r.attachHints(ctx, orgID, userID, hints); err != nil {
		return "", err
	}
	return userID, nil
}

// lookupUsers returns the distinct existing users any hint resolves to,
// ordered oldest first.
func (r *Resolver) lookupUsers(ctx context.Context, orgID string, hints []models.IdentityHint) ([]*models.User, error) {
	seen := make(map[string]*models.User)

	collect := func(userID string) error {
		if _, ok := seen[userID]; ok {
			return nil
		}
		user, err := r.store.GetUser(ctx, orgID, userID)
		if err != nil {
			return err
		}
		if user != nil {
			seen[userID] = user
		}
		return nil
	}

	for _, hint := range hints {
		ident, err := r.store.FindIdentity(ctx, orgID, hint.Source, hint.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("lookup identity: %w", err)
		}
		if ident != nil {
			if err := collect(ident.UserID); err != nil {
				return nil, err
			}
		}

		// Email hints also match the same address recorded under another
		// source, with normalized comparison.
		if hint.IDType == models.IdentityEmail {
			idents, err := r.store.FindIdentitiesByMatchKey(ctx, orgID, models.IdentityEmail, MatchKey(hint))
			if err != nil {
				return nil, fmt.Errorf("lookup identities by email: %w", err)
			}
			for _, ident := range idents {
				if err := collect(ident.UserID); err != nil {
					return nil, err
				}
			}
		}
	}

	users := make([]*models.User, 0, len(seen))
	for _, u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// merge collapses every matched user into the oldest one.
func (r *Resolver) merge(ctx context.Context, orgID string, users []*models.User) (string, error) {
	survivor := users[0]
	loserIDs := make([]string, 0, len(users)-1)
	for _, u := range users[1:] {
		loserIDs = append(loserIDs, u.ID)
	}

	if err := r.store.MergeUsers(ctx, orgID, survivor.ID, loserIDs); err != nil {
		return "", fmt.Errorf("merge users: %w", err)
	}
	r.logger.Info().
		Str("org_id", orgID).
		Str("survivor", survivor.ID).
		Strs("merged", loserIDs).
		Msg("Merged duplicate users")
	return survivor.ID, nil
}

func (r *Resolver) createUserFromHints(ctx context.Context, orgID string, hints []models.IdentityHint) (*models.User, error) {
	user := &models.User{OrgID: orgID}
	for _, hint := range hints {
		switch hint.IDType {
		case models.IdentityEmail:
			if user.Email == "" {
				user.Email = strings.TrimSpace(hint.ExternalID)
			}
		case models.IdentityAppUserID:
			if user.ExternalUserID == "" {
				user.ExternalUserID = hint.ExternalID
			}
		}
	}
	if err := r.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// attachHints records every hint under the resolved user, backfills contact
// fields, and claims any access checks waiting on these identifiers.
func (r *Resolver) attachHints(ctx context.Context, orgID, userID string, hints []models.IdentityHint) error {
	var email, externalUserID string
	for _, hint := range hints {
		key := MatchKey(hint)
		if err := r.store.AttachIdentity(ctx, &models.UserIdentity{
			OrgID:      orgID,
			UserID:     userID,
			Source:     hint.Source,
			IDType:     hint.IDType,
			ExternalID: hint.ExternalID,
		}, key); err != nil {
			return err
		}

		switch hint.IDType {
		case models.IdentityEmail:
			if email == "" {
				email = strings.TrimSpace(hint.ExternalID)
			}
		case models.IdentityAppUserID:
			if externalUserID == "" {
				externalUserID = hint.ExternalID
			}
		}

		if _, err := r.store.ResolvePendingAccessChecks(ctx, orgID, userID, key); err != nil {
			return err
		}
	}

	if email != "" || externalUserID != "" {
		if err := r.store.FillUserContact(ctx, orgID, userID, email, externalUserID); err != nil {
			return err
		}
	}
	return nil
}
