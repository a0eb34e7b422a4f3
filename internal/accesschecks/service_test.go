package accesschecks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

func setup(t *testing.T) (*Service, *store.Store, string) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	org := &models.Organization{Slug: "acme"}
	require.NoError(t, s.CreateOrganization(context.Background(), org))
	return NewService(s), s, org.ID
}

func TestSubmitResolvesKnownIdentity(t *testing.T) {
	svc, s, orgID := setup(t)
	ctx := context.Background()

	user := &models.User{OrgID: orgID}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NoError(t, s.AttachIdentity(ctx, &models.UserIdentity{
		OrgID: orgID, UserID: user.ID, Source: "stripe",
		IDType: models.IdentityEmail, ExternalID: "Jo@Example.com",
	}, "jo@example.com"))

	check, err := svc.Submit(ctx, orgID, Submission{
		ExternalUserRef: "JO@example.com", HasAccess: false, SourceTag: "ios",
	})
	require.NoError(t, err)
	require.Equal(t, user.ID, check.UserID)

	latest, err := s.LatestAccessCheck(ctx, orgID, user.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.False(t, latest.HasAccess)
}

func TestSubmitUnknownRefStaysPending(t *testing.T) {
	svc, s, orgID := setup(t)
	ctx := context.Background()

	check, err := svc.Submit(ctx, orgID, Submission{ExternalUserRef: "appuser-42", HasAccess: true})
	require.NoError(t, err)
	require.Empty(t, check.UserID)

	// Once the identity lands, the pending row is claimed.
	user := &models.User{OrgID: orgID}
	require.NoError(t, s.CreateUser(ctx, user))
	n, err := s.ResolvePendingAccessChecks(ctx, orgID, user.ID, "appuser-42")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSubmitRejectsEmptyRef(t *testing.T) {
	svc, _, orgID := setup(t)
	_, err := svc.Submit(context.Background(), orgID, Submission{ExternalUserRef: "  "})
	require.Error(t, err)
}

func TestSubmitBatchLimit(t *testing.T) {
	svc, _, orgID := setup(t)
	ctx := context.Background()

	subs := make([]Submission, MaxBatchSize+1)
	for i := range subs {
		subs[i] = Submission{ExternalUserRef: "u", HasAccess: true}
	}
	_, err := svc.SubmitBatch(ctx, orgID, subs)
	require.Error(t, err)

	checks, err := svc.SubmitBatch(ctx, orgID, subs[:3])
	require.NoError(t, err)
	require.Len(t, checks, 3)
}
