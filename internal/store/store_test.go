package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedOrg(t *testing.T, s *Store) *models.Organization {
	t.Helper()
	org := &models.Organization{Slug: "acme", Name: "Acme Co"}
	require.NoError(t, s.CreateOrganization(context.Background(), org))
	return org
}

func seedUser(t *testing.T, s *Store, orgID string) *models.User {
	t.Helper()
	u := &models.User{OrgID: orgID}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func int64ptr(v int64) *int64 { return &v }

func TestInsertCanonicalEventIdempotent(t *testing.T) {
	s := newTestStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	ev := &models.CanonicalEvent{
		OrgID:          org.ID,
		Source:         "stripe",
		EventType:      models.EventRenewal,
		Status:         models.EventStatusSuccess,
		EventTime:      time.Now().Add(-time.Hour),
		AmountCents:    int64ptr(999),
		Currency:       "usd",
		IdempotencyKey: "stripe:evt_123",
	}
	inserted, err := s.InsertCanonicalEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, inserted)

	// Same key again is a silent no-op, even with different content.
	dup := &models.CanonicalEvent{
		OrgID:          org.ID,
		Source:         "stripe",
		EventType:      models.EventRefund,
		Status:         models.EventStatusRefunded,
		EventTime:      time.Now(),
		IdempotencyKey: "stripe:evt_123",
	}
	inserted, err = s.InsertCanonicalEvent(ctx, dup)
	require.NoError(t, err)
	require.False(t, inserted)

	// Original row is untouched.
	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, models.EventRenewal, got.EventType)

	// Fan-out suffixes are distinct keys.
	fan := &models.CanonicalEvent{
		OrgID:          org.ID,
		Source:         "stripe",
		EventType:      models.EventCancellation,
		Status:         models.EventStatusSuccess,
		EventTime:      time.Now(),
		IdempotencyKey: "stripe:evt_123:cancel",
	}
	inserted, err = s.InsertCanonicalEvent(ctx, fan)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestIssueDedupLifecycle(t *testing.T) {
	s := newTestStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	report := models.DetectedIssue{
		IssueType: "unrevoked_refund",
		Severity:  models.SeverityWarning,
		Title:     "Refund without revocation",
		Tier:      models.TierOne,
		DedupKey:  "unrevoked_refund:u1:stripe:pro",
	}
	first, created, err := s.UpsertDetectedIssue(ctx, org.ID, "unrevoked_refund", report, now)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.IssueOpen, first.Status)

	// Re-detection refreshes the open row and may upgrade severity.
	report.Severity = models.SeverityCritical
	report.EstimatedRevenueCents = int64ptr(4900)
	second, created, err := s.UpsertDetectedIssue(ctx, org.ID, "unrevoked_refund", report, now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, models.SeverityCritical, second.Severity)

	// A weaker re-detection never downgrades.
	report.Severity = models.SeverityInfo
	third, _, err := s.UpsertDetectedIssue(ctx, org.ID, "unrevoked_refund", report, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, models.SeverityCritical, third.Severity)

	// Resolve, then the same fingerprint opens a new row.
	_, prev, err := s.TransitionIssue(ctx, org.ID, first.ID, models.IssueResolved, "fixed upstream", now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, models.IssueOpen, prev)

	fourth, created, err := s.UpsertDetectedIssue(ctx, org.ID, "unrevoked_refund", report, now.Add(4*time.Minute))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, fourth.ID)
}

func TestIssueTransitionRules(t *testing.T) {
	s := newTestStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()
	now := time.Now()

	issue, _, err := s.UpsertDetectedIssue(ctx, org.ID, "d", models.DetectedIssue{
		IssueType: "x", Severity: models.SeverityInfo, Title: "t", Tier: models.TierOne, DedupKey: "x:1",
	}, now)
	require.NoError(t, err)

	_, _, err = s.TransitionIssue(ctx, org.ID, issue.ID, models.IssueAcknowledged, "", now)
	require.NoError(t, err)

	// acknowledged -> open is not a legal move.
	_, _, err = s.TransitionIssue(ctx, org.ID, issue.ID, models.IssueOpen, "", now)
	require.Error(t, err)

	got, prev, err := s.TransitionIssue(ctx, org.ID, issue.ID, models.IssueDismissed, "noise", now)
	require.NoError(t, err)
	require.Equal(t, models.IssueAcknowledged, prev)
	require.NotNil(t, got.ResolvedAt)

	// Closed rows are immutable.
	_, _, err = s.TransitionIssue(ctx, org.ID, issue.ID, models.IssueResolved, "", now)
	require.Error(t, err)
}

func TestMergeUsersKeepsSurvivorEntitlement(t *testing.T) {
	s := newTestStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	survivor := seedUser(t, s, org.ID)
	loser := seedUser(t, s, org.ID)

	require.NoError(t, s.AttachIdentity(ctx, &models.UserIdentity{
		OrgID: org.ID, UserID: survivor.ID, Source: "stripe",
		IDType: models.IdentityCustomerID, ExternalID: "cus_1",
	}, ""))
	require.NoError(t, s.AttachIdentity(ctx, &models.UserIdentity{
		OrgID: org.ID, UserID: loser.ID, Source: "apple",
		IDType: models.IdentityAppUserID, ExternalID: "app_1",
	}, ""))

	// Both sides hold an entitlement for the same (source, product).
	require.NoError(t, s.UpsertEntitlement(ctx, &models.Entitlement{
		OrgID: org.ID, UserID: survivor.ID, Source: "stripe", ProductID: "pro",
		State: models.EntitlementActive,
	}))
	require.NoError(t, s.UpsertEntitlement(ctx, &models.Entitlement{
		OrgID: org.ID, UserID: loser.ID, Source: "stripe", ProductID: "pro",
		State: models.EntitlementExpired,
	}))
	// And the loser has one of its own which must carry over.
	require.NoError(t, s.UpsertEntitlement(ctx, &models.Entitlement{
		OrgID: org.ID, UserID: loser.ID, Source: "apple", ProductID: "pro",
		State: models.EntitlementTrial,
	}))

	require.NoError(t, s.MergeUsers(ctx, org.ID, survivor.ID, []string{loser.ID}))

	gone, err := s.GetUser(ctx, org.ID, loser.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	idents, err := s.ListIdentities(ctx, org.ID, survivor.ID)
	require.NoError(t, err)
	require.Len(t, idents, 2)

	ents, err := s.ListEntitlementsForUser(ctx, org.ID, survivor.ID)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	for _, e := range ents {
		if e.Source == "stripe" {
			require.Equal(t, models.EntitlementActive, e.State, "survivor row wins on collision")
		}
	}
}

func TestAccessCheckResolution(t *testing.T) {
	s := newTestStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	// Check arrives before any identity exists.
	require.NoError(t, s.InsertAccessCheck(ctx, &models.AccessCheck{
		OrgID: org.ID, ExternalUserRef: "User@Example.com", HasAccess: true,
	}, "user@example.com"))

	user := seedUser(t, s, org.ID)
	n, err := s.ResolvePendingAccessChecks(ctx, org.ID, user.ID, "user@example.com")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	checks, err := s.RecentAccessChecks(ctx, org.ID, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	require.True(t, checks[0].HasAccess)
}

func TestConnectionUpsertAndTouch(t *testing.T) {
	s := newTestStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	conn := &models.BillingConnection{
		OrgID: org.ID, Source: "recurly", SecretEncrypted: "enc1", IsActive: true, GraceDays: 3,
	}
	require.NoError(t, s.UpsertConnection(ctx, conn))

	// Second upsert for the same (org, source) rotates the secret in place.
	conn2 := &models.BillingConnection{
		OrgID: org.ID, Source: "recurly", SecretEncrypted: "enc2", IsActive: true, GraceDays: 5,
	}
	require.NoError(t, s.UpsertConnection(ctx, conn2))

	got, err := s.GetConnection(ctx, org.ID, "recurly")
	require.NoError(t, err)
	require.Equal(t, "enc2", got.SecretEncrypted)
	require.Equal(t, 5, got.GraceDays)

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchConnectionWebhook(ctx, org.ID, "recurly", ts))
	// An older timestamp never rewinds the marker.
	require.NoError(t, s.TouchConnectionWebhook(ctx, org.ID, "recurly", ts.Add(-time.Hour)))

	got, err = s.GetConnection(ctx, org.ID, "recurly")
	require.NoError(t, err)
	require.NotNil(t, got.LastWebhookAt)
	require.Equal(t, ts, got.LastWebhookAt.UTC())
}

func TestRawWebhookRetention(t *testing.T) {
	s := newTestStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	old := &models.RawWebhookLog{
		OrgID: org.ID, Source: "stripe", Body: []byte("{}"),
		ReceivedAt: time.Now().Add(-40 * 24 * time.Hour),
	}
	recent := &models.RawWebhookLog{OrgID: org.ID, Source: "stripe", Body: []byte("{}")}
	require.NoError(t, s.InsertRawWebhook(ctx, old))
	require.NoError(t, s.InsertRawWebhook(ctx, recent))

	n, err := s.PruneRawWebhooks(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	entries, err := s.ListRawWebhooks(ctx, org.ID, RawLogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, recent.ID, entries[0].ID)
}
