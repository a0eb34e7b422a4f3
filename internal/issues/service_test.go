package issues

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/alerting"
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
	return NewService(s, alerting.NewDispatcher(s, alerting.NewLogSink())), s, org.ID
}

func detected(dedupKey string, severity models.Severity) models.DetectedIssue {
	return models.DetectedIssue{
		IssueType: "duplicate_billing",
		Severity:  severity,
		Title:     "Duplicate billing",
		Tier:      models.TierOne,
		DedupKey:  dedupKey,
	}
}

func TestReportDeduplicates(t *testing.T) {
	svc, _, orgID := setup(t)
	ctx := context.Background()

	first, created, err := svc.Report(ctx, orgID, "duplicate_billing", detected("dup:u1:pro", models.SeverityCritical))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.Report(ctx, orgID, "duplicate_billing", detected("dup:u1:pro", models.SeverityCritical))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
}

func TestLifecycleEmitsDeliveries(t *testing.T) {
	svc, s, orgID := setup(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAlertConfig(ctx, &models.AlertConfig{
		OrgID: orgID, Channel: "log", Enabled: true,
	}))

	issue, _, err := svc.Report(ctx, orgID, "duplicate_billing", detected("dup:u1:pro", models.SeverityWarning))
	require.NoError(t, err)

	_, err = svc.Acknowledge(ctx, orgID, issue.ID)
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, orgID, issue.ID, "fixed")
	require.NoError(t, err)

	deliveries, err := s.ListAlertDeliveries(ctx, orgID, issue.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 3) // open, acknowledge, resolve
	for _, d := range deliveries {
		require.Equal(t, models.DeliverySent, d.Outcome)
	}
}

func TestRateLimitRecordsOutcome(t *testing.T) {
	svc, s, orgID := setup(t)
	ctx := context.Background()

	// 1 alert per 5 minutes: the second delivery in quick succession is dropped.
	require.NoError(t, s.UpsertAlertConfig(ctx, &models.AlertConfig{
		OrgID: orgID, Channel: "log", Enabled: true, RateLimit: 1, RateWindowS: 300,
	}))

	a, _, err := svc.Report(ctx, orgID, "d", detected("k:1", models.SeverityWarning))
	require.NoError(t, err)
	b, _, err := svc.Report(ctx, orgID, "d", detected("k:2", models.SeverityWarning))
	require.NoError(t, err)

	first, err := s.ListAlertDeliveries(ctx, orgID, a.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, models.DeliverySent, first[0].Outcome)

	second, err := s.ListAlertDeliveries(ctx, orgID, b.ID)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, models.DeliveryRateLimited, second[0].Outcome)
}

func TestAutoResolveStale(t *testing.T) {
	svc, _, orgID := setup(t)
	ctx := context.Background()
	now := time.Now()

	di := models.DetectedIssue{
		IssueType: "paid_no_access",
		Severity:  models.SeverityWarning,
		Title:     "Paid but no access",
		Tier:      models.TierAppVerified,
		DedupKey:  "pna:u1",
	}
	issue, _, err := svc.Report(ctx, orgID, "paid_no_access", di)
	require.NoError(t, err)

	// Too fresh: untouched.
	n, err := svc.AutoResolveStale(ctx, orgID, "paid_no_access", 48*time.Hour, now)
	require.NoError(t, err)
	require.Zero(t, n)

	// Past the TTL: closed.
	n, err = svc.AutoResolveStale(ctx, orgID, "paid_no_access", 48*time.Hour, now.Add(49*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := svc.Get(ctx, orgID, issue.ID)
	require.NoError(t, err)
	require.Equal(t, models.IssueResolved, got.Status)
}
