package accesschecks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/revguard/revguard/internal/errors"
	"github.com/revguard/revguard/internal/identity"
	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// MaxBatchSize caps one batch submission.
const MaxBatchSize = 500

// Submission is one app-side access attestation as posted by the client SDK.
// "user" is whatever stable reference the app has: an email or its own user id.
type Submission struct {
	ExternalUserRef string     `json:"user"`
	HasAccess       bool       `json:"hasAccess"`
	ObservedAt      *time.Time `json:"observedAt,omitempty"`
	SourceTag       string     `json:"sourceTag,omitempty"`
}

// Service ingests access checks and attributes them to internal users. A ref
// that matches a known identity binds immediately; the rest stay pending until
// the identity shows up in the webhook stream.
type Service struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewService builds the ingress service.
func NewService(s *store.Store) *Service {
	return &Service{store: s, logger: logging.With("accesschecks")}
}

// refHint classifies the external ref: anything with an @ is treated as an
// email, everything else as an app-level user id.
func refHint(ref string) models.IdentityHint {
	idType := models.IdentityAppUserID
	if strings.Contains(ref, "@") {
		idType = models.IdentityEmail
	}
	return models.IdentityHint{IDType: idType, ExternalID: ref}
}

// Submit records one attestation. Returns the stored check with UserID set
// when the ref resolved immediately.
func (s *Service) Submit(ctx context.Context, orgID string, sub Submission) (*models.AccessCheck, error) {
	ref := strings.TrimSpace(sub.ExternalUserRef)
	if ref == "" {
		return nil, apperrors.Validation("accesschecks.submit", "", fmt.Errorf("externalUserRef is required"))
	}

	hint := refHint(ref)
	matchKey := identity.MatchKey(hint)

	check := &models.AccessCheck{
		OrgID:           orgID,
		ExternalUserRef: ref,
		HasAccess:       sub.HasAccess,
		SourceTag:       sub.SourceTag,
	}
	if sub.ObservedAt != nil {
		check.ObservedAt = sub.ObservedAt.UTC()
	}

	userID, err := s.resolveRef(ctx, orgID, hint, matchKey)
	if err != nil {
		return nil, err
	}
	check.UserID = userID

	if err := s.store.InsertAccessCheck(ctx, check, matchKey); err != nil {
		return nil, err
	}
	if userID == "" {
		s.logger.Debug().Str("org_id", orgID).Str("ref", ref).Msg("Access check pending identity resolution")
	}
	return check, nil
}

// SubmitBatch records up to MaxBatchSize attestations atomically: the whole
// batch lands or none of it does.
func (s *Service) SubmitBatch(ctx context.Context, orgID string, subs []Submission) ([]*models.AccessCheck, error) {
	if len(subs) == 0 {
		return nil, apperrors.Validation("accesschecks.batch", "", fmt.Errorf("empty batch"))
	}
	if len(subs) > MaxBatchSize {
		return nil, apperrors.Validation("accesschecks.batch", "",
			fmt.Errorf("batch of %d exceeds limit of %d", len(subs), MaxBatchSize))
	}

	checks := make([]*models.AccessCheck, 0, len(subs))
	matchKeys := make([]string, 0, len(subs))
	for i, sub := range subs {
		ref := strings.TrimSpace(sub.ExternalUserRef)
		if ref == "" {
			return nil, apperrors.Validation("accesschecks.batch", "",
				fmt.Errorf("item %d: externalUserRef is required", i))
		}
		hint := refHint(ref)
		matchKey := identity.MatchKey(hint)

		check := &models.AccessCheck{
			OrgID:           orgID,
			ExternalUserRef: ref,
			HasAccess:       sub.HasAccess,
			SourceTag:       sub.SourceTag,
		}
		if sub.ObservedAt != nil {
			check.ObservedAt = sub.ObservedAt.UTC()
		}
		userID, err := s.resolveRef(ctx, orgID, hint, matchKey)
		if err != nil {
			return nil, err
		}
		check.UserID = userID
		checks = append(checks, check)
		matchKeys = append(matchKeys, matchKey)
	}

	if err := s.store.InsertAccessChecks(ctx, checks, matchKeys); err != nil {
		return nil, err
	}
	return checks, nil
}

// resolveRef maps the ref to an existing user without ever creating one:
// access checks attest, they do not establish identity.
func (s *Service) resolveRef(ctx context.Context, orgID string, hint models.IdentityHint, matchKey string) (string, error) {
	idents, err := s.store.FindIdentitiesByMatchKey(ctx, orgID, hint.IDType, matchKey)
	if err != nil {
		return "", err
	}
	if len(idents) == 0 {
		return "", nil
	}
	return idents[0].UserID, nil
}
