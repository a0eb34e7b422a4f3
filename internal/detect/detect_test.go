package detect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/issues"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, string) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	org := &models.Organization{Slug: "acme"}
	require.NoError(t, s.CreateOrganization(context.Background(), org))
	return NewEngine(s, issues.NewService(s, nil)), s, org.ID
}

func seedUser(t *testing.T, s *store.Store, orgID string) string {
	t.Helper()
	u := &models.User{OrgID: orgID}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u.ID
}

func seedConnection(t *testing.T, s *store.Store, orgID, source string) {
	t.Helper()
	require.NoError(t, s.UpsertConnection(context.Background(), &models.BillingConnection{
		OrgID: orgID, Source: source, SecretEncrypted: "sealed", IsActive: true, GraceDays: 3,
	}))
}

func seedEntitlement(t *testing.T, s *store.Store, orgID, userID, source, productID string, state models.EntitlementState, amount int64) *models.Entitlement {
	t.Helper()
	ent := &models.Entitlement{
		OrgID: orgID, UserID: userID, Source: source, ProductID: productID,
		State: state, LastAmountCents: &amount, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertEntitlement(context.Background(), ent))
	return ent
}

func seedRenewal(t *testing.T, s *store.Store, orgID, source string, at time.Time, key string) {
	t.Helper()
	inserted, err := s.InsertCanonicalEvent(context.Background(), &models.CanonicalEvent{
		OrgID: orgID, Source: source, EventType: models.EventRenewal,
		Status: models.EventStatusSuccess, EventTime: at, IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestUnrevokedRefund(t *testing.T) {
	engine, s, orgID := newTestEngine(t)
	ctx := context.Background()
	userID := seedUser(t, s, orgID)
	amount := int64(1999)

	ent := seedEntitlement(t, s, orgID, userID, "stripe", "prod_pro", models.EntitlementActive, amount)
	refunded := int64(999)
	ev := &models.CanonicalEvent{
		OrgID: orgID, Source: "stripe", EventType: models.EventRefund,
		Status: models.EventStatusRefunded, EventTime: time.Now(),
		AmountCents: &refunded, UserID: userID, IdempotencyKey: "stripe:re_1",
	}

	created := engine.CheckEvent(ctx, ev, ent)
	require.Equal(t, 1, created)

	open, err := s.ListOpenIssuesByDetector(ctx, orgID, "unrevoked_refund")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, models.SeverityCritical, open[0].Severity)
	require.Equal(t, refunded, *open[0].EstimatedRevenueCents)

	// Once the projector has revoked, the same refund is quiet.
	ent.State = models.EntitlementRefunded
	require.Zero(t, engine.CheckEvent(ctx, ev, ent))
}

func TestUnrevokedRefundFallsBackToLastAmount(t *testing.T) {
	d := NewUnrevokedRefund(nil)
	amount := int64(4900)
	ent := &models.Entitlement{
		UserID: "u1", ProductID: "prod_pro", State: models.EntitlementActive, LastAmountCents: &amount,
	}
	ev := &models.CanonicalEvent{
		EventType: models.EventChargeback, UserID: "u1", Source: "stripe",
	}

	findings, err := d.CheckEvent(context.Background(), ev, ent)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, amount, *findings[0].EstimatedRevenueCents)
}

func TestDuplicateBillingAcrossSources(t *testing.T) {
	engine, s, orgID := newTestEngine(t)
	ctx := context.Background()
	userID := seedUser(t, s, orgID)

	stripeEnt := seedEntitlement(t, s, orgID, userID, "stripe", "prod_pro", models.EntitlementActive, 999)
	stripeEnt.PlanTier = "Pro Monthly"
	require.NoError(t, s.UpsertEntitlement(ctx, stripeEnt))

	appleEnt := seedEntitlement(t, s, orgID, userID, "apple", "com.acme.pro.monthly", models.EntitlementActive, 999)
	appleEnt.PlanTier = "pro_monthly"
	require.NoError(t, s.UpsertEntitlement(ctx, appleEnt))

	ev := &models.CanonicalEvent{
		OrgID: orgID, Source: "apple", EventType: models.EventRenewal,
		Status: models.EventStatusSuccess, UserID: userID, IdempotencyKey: "apple:n1",
	}
	created := engine.CheckEvent(ctx, ev, appleEnt)
	require.Equal(t, 1, created)

	open, err := s.ListOpenIssuesByDetector(ctx, orgID, "duplicate_billing")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, int64(1998), *open[0].EstimatedRevenueCents)
}

func TestDuplicateBillingIgnoresSingleSource(t *testing.T) {
	d := NewDuplicateBilling(nil)
	amount := int64(999)
	ents := []*models.Entitlement{
		{UserID: "u1", Source: "stripe", ProductID: "prod_pro", PlanTier: "pro", State: models.EntitlementActive, LastAmountCents: &amount},
		{UserID: "u1", Source: "stripe", ProductID: "prod_pro_yearly", PlanTier: "pro", State: models.EntitlementActive, LastAmountCents: &amount},
	}
	require.Empty(t, d.findConflicts(ents))
}

func TestDuplicateBillingScheduledScanGroupsUsers(t *testing.T) {
	engine, s, orgID := newTestEngine(t)
	ctx := context.Background()

	dup := seedUser(t, s, orgID)
	seedEntitlement(t, s, orgID, dup, "stripe", "pro", models.EntitlementActive, 999)
	seedEntitlement(t, s, orgID, dup, "google", "pro", models.EntitlementActive, 999)

	clean := seedUser(t, s, orgID)
	seedEntitlement(t, s, orgID, clean, "stripe", "pro", models.EntitlementActive, 999)

	var detector *DuplicateBilling
	for _, d := range engine.Detectors() {
		if db, ok := d.(*DuplicateBilling); ok {
			detector = db
		}
	}
	require.NotNil(t, detector)

	findings, err := detector.ScheduledScan(ctx, orgID, time.Now())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, dup, findings[0].UserID)
}

func TestProductFamily(t *testing.T) {
	cases := map[string]string{
		"Pro Monthly":         "pro_monthly",
		"pro_monthly":         "pro_monthly",
		"  Premium (Annual) ": "premium_annual",
		"PRO":                 "pro",
	}
	for in, want := range cases {
		got := productFamily(&models.Entitlement{PlanTier: in})
		require.Equal(t, want, got, "input %q", in)
	}
	// Falls back to the product id when no tier is set.
	require.Equal(t, "prod_123", productFamily(&models.Entitlement{ProductID: "prod_123"}))
}

func TestWebhookDeliveryGap(t *testing.T) {
	engine, s, orgID := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedConnection(t, s, orgID, "stripe")

	var gap *WebhookDeliveryGap
	for _, d := range engine.Detectors() {
		if g, ok := d.(*WebhookDeliveryGap); ok {
			gap = g
		}
	}
	require.NotNil(t, gap)

	// Steady stream every 30 minutes, then silence for 4.5 hours: more than
	// six times the baseline, so critical.
	at := now.Add(-10 * time.Hour)
	for i := 0; at.Before(now.Add(-4*time.Hour - 30*time.Minute)); i++ {
		seedRenewal(t, s, orgID, "stripe", at, fmt.Sprintf("stripe:ev_%d", i))
		at = at.Add(30 * time.Minute)
	}

	findings, err := gap.ScheduledScan(ctx, orgID, now)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, models.SeverityCritical, findings[0].Severity)
	require.Equal(t, "webhook_delivery_gap:stripe", findings[0].DedupKey)

	// A fresh delivery clears the condition.
	seedRenewal(t, s, orgID, "stripe", now.Add(-10*time.Minute), "stripe:ev_fresh")
	findings, err = gap.ScheduledScan(ctx, orgID, now)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestWebhookDeliveryGapWarningBand(t *testing.T) {
	_, s, orgID := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	d := NewWebhookDeliveryGap(s)

	// Baseline 30 minutes; 2 hours of silence sits between 3x and 6x.
	at := now.Add(-8 * time.Hour)
	for i := 0; at.Before(now.Add(-2 * time.Hour)); i++ {
		seedRenewal(t, s, orgID, "stripe", at, fmt.Sprintf("stripe:warn_%d", i))
		at = at.Add(30 * time.Minute)
	}

	finding, err := d.checkSource(ctx, orgID, "stripe", now)
	require.NoError(t, err)
	require.NotNil(t, finding)
	require.Equal(t, models.SeverityWarning, finding.Severity)
}

func TestWebhookDeliveryGapChattySourceEscalation(t *testing.T) {
	_, s, orgID := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	d := NewWebhookDeliveryGap(s)

	// Baseline 10 minutes. Even on a source this chatty, two hours of silence
	// is only a warning; critical waits for six times the floored baseline.
	at := now.Add(-26 * time.Hour)
	for i := 0; !at.After(now.Add(-2 * time.Hour)); i++ {
		seedRenewal(t, s, orgID, "stripe", at, fmt.Sprintf("stripe:chatty_%d", i))
		at = at.Add(10 * time.Minute)
	}

	finding, err := d.checkSource(ctx, orgID, "stripe", now)
	require.NoError(t, err)
	require.NotNil(t, finding)
	require.Equal(t, models.SeverityWarning, finding.Severity)
	require.EqualValues(t, 600, finding.Evidence["baselineSeconds"])

	// Six hours of silence crosses the escalation line.
	finding, err = d.checkSource(ctx, orgID, "stripe", now.Add(4*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, finding)
	require.Equal(t, models.SeverityCritical, finding.Severity)
}

func TestWebhookDeliveryGapNeedsHistory(t *testing.T) {
	_, s, orgID := newTestEngine(t)
	d := NewWebhookDeliveryGap(s)

	seedRenewal(t, s, orgID, "stripe", time.Now().Add(-24*time.Hour), "stripe:lone")
	finding, err := d.checkSource(context.Background(), orgID, "stripe", time.Now())
	require.NoError(t, err)
	require.Nil(t, finding)
}

func TestRenewalSeverityThresholds(t *testing.T) {
	expected := 20.0

	grade := func(recent int) (models.Severity, bool) {
		drop := (expected - float64(recent)) / expected * 100
		return renewalSeverity(recent, expected, drop)
	}

	sev, ok := grade(6) // 70% drop
	require.True(t, ok)
	require.Equal(t, models.SeverityCritical, sev)

	sev, ok = grade(14) // 30% drop
	require.True(t, ok)
	require.Equal(t, models.SeverityWarning, sev)

	_, ok = grade(18) // 10% drop
	require.False(t, ok)

	// Total silence on a busy source is critical even below the drop cutoff.
	sev, ok = renewalSeverity(0, 10, 100)
	require.True(t, ok)
	require.Equal(t, models.SeverityCritical, sev)
}

func TestRenewalAnomalyScan(t *testing.T) {
	_, s, orgID := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedConnection(t, s, orgID, "stripe")
	d := NewRenewalAnomaly(s)

	// 240 renewals over 30 days gives an expected 2 per six-hour window;
	// the newest is a day old, so the recent window is empty and the drop
	// is total.
	at := now.Add(-719 * time.Hour)
	for i := 0; i < 240; i++ {
		seedRenewal(t, s, orgID, "stripe", at, fmt.Sprintf("stripe:base_%d", i))
		at = at.Add(174 * time.Minute)
	}

	findings, err := d.ScheduledScan(ctx, orgID, now)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, models.SeverityCritical, findings[0].Severity)
	require.Equal(t, "renewal_anomaly:stripe", findings[0].DedupKey)
	require.Equal(t, 0, findings[0].Evidence["recentCount"])
}

func TestRenewalAnomalySkipsLowVolume(t *testing.T) {
	_, s, orgID := newTestEngine(t)
	seedConnection(t, s, orgID, "stripe")
	d := NewRenewalAnomaly(s)

	seedRenewal(t, s, orgID, "stripe", time.Now().Add(-48*time.Hour), "stripe:only")
	findings, err := d.ScheduledScan(context.Background(), orgID, time.Now())
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestDataFreshness(t *testing.T) {
	_, s, orgID := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	d := NewDataFreshness(s)

	for i := 0; i < 3; i++ {
		userID := seedUser(t, s, orgID)
		seedEntitlement(t, s, orgID, userID, "stripe", "pro", models.EntitlementActive, 999)
	}
	staleUser := seedUser(t, s, orgID)
	stale := seedEntitlement(t, s, orgID, staleUser, "stripe", "pro", models.EntitlementActive, 999)
	stale.UpdatedAt = now.Add(-40 * 24 * time.Hour)
	require.NoError(t, s.UpsertEntitlement(ctx, stale))

	findings, err := d.ScheduledScan(ctx, orgID, now)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	// 1 of 4 stale = 25%, right at the critical cutoff.
	require.Equal(t, models.SeverityCritical, findings[0].Severity)
	require.Equal(t, 1, findings[0].Evidence["staleCount"])
	require.Equal(t, 4, findings[0].Evidence["totalCount"])
}

func TestDataFreshnessQuietWhenCurrent(t *testing.T) {
	_, s, orgID := newTestEngine(t)
	d := NewDataFreshness(s)

	userID := seedUser(t, s, orgID)
	seedEntitlement(t, s, orgID, userID, "stripe", "pro", models.EntitlementActive, 999)

	findings, err := d.ScheduledScan(context.Background(), orgID, time.Now())
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestPaidNoAccess(t *testing.T) {
	_, s, orgID := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	d := NewPaidNoAccess(s)

	lockedOut := seedUser(t, s, orgID)
	seedEntitlement(t, s, orgID, lockedOut, "stripe", "pro", models.EntitlementActive, 999)
	require.NoError(t, s.InsertAccessCheck(ctx, &models.AccessCheck{
		OrgID: orgID, UserID: lockedOut, ExternalUserRef: "u-locked",
		HasAccess: false, ObservedAt: now.Add(-time.Hour), SourceTag: "ios",
	}, ""))

	happy := seedUser(t, s, orgID)
	seedEntitlement(t, s, orgID, happy, "stripe", "pro", models.EntitlementActive, 999)
	require.NoError(t, s.InsertAccessCheck(ctx, &models.AccessCheck{
		OrgID: orgID, UserID: happy, ExternalUserRef: "u-happy",
		HasAccess: true, ObservedAt: now.Add(-time.Hour),
	}, ""))

	findings, err := d.ScheduledScan(ctx, orgID, now)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, lockedOut, findings[0].UserID)
	require.Equal(t, models.TierAppVerified, findings[0].Tier)
	require.NotNil(t, findings[0].Confidence)
	require.InDelta(t, 0.98, *findings[0].Confidence, 0.02)
}

func TestPaidNoAccessIgnoresStaleChecks(t *testing.T) {
	_, s, orgID := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	d := NewPaidNoAccess(s)

	userID := seedUser(t, s, orgID)
	seedEntitlement(t, s, orgID, userID, "stripe", "pro", models.EntitlementActive, 999)
	require.NoError(t, s.InsertAccessCheck(ctx, &models.AccessCheck{
		OrgID: orgID, UserID: userID, ExternalUserRef: "u-old",
		HasAccess: false, ObservedAt: now.Add(-48 * time.Hour),
	}, ""))

	findings, err := d.ScheduledScan(ctx, orgID, now)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestAccessConfidenceDecay(t *testing.T) {
	require.Equal(t, 1.0, accessConfidence(0))
	require.Equal(t, 0.5, accessConfidence(25*time.Hour))
	require.InDelta(t, 0.75, accessConfidence(12*time.Hour), 0.001)
}

func TestRunScanRecordsLedger(t *testing.T) {
	engine, s, orgID := newTestEngine(t)
	ctx := context.Background()

	userID := seedUser(t, s, orgID)
	seedEntitlement(t, s, orgID, userID, "stripe", "pro", models.EntitlementActive, 999)
	seedEntitlement(t, s, orgID, userID, "apple", "pro", models.EntitlementActive, 999)

	var dup *DuplicateBilling
	for _, d := range engine.Detectors() {
		if db, ok := d.(*DuplicateBilling); ok {
			dup = db
		}
	}
	created, updated := engine.RunScan(ctx, orgID, dup, time.Now())
	require.Equal(t, 1, created)
	require.Zero(t, updated)

	// Second pass touches the same open issue instead of creating another.
	created, updated = engine.RunScan(ctx, orgID, dup, time.Now())
	require.Zero(t, created)
	require.Equal(t, 1, updated)

	run, err := s.LastDetectorRun(ctx, orgID, dup.ID())
	require.NoError(t, err)
	require.NotNil(t, run)
	require.NotNil(t, run.CompletedAt)
	require.Equal(t, 1, run.IssuesUpdated)
	require.Empty(t, run.Error)
	require.False(t, run.Aborted)
}

type panicDetector struct{ DuplicateBilling }

func (p *panicDetector) ID() string { return "panic_detector" }
func (p *panicDetector) ScheduledScan(context.Context, string, time.Time) ([]models.DetectedIssue, error) {
	panic("boom")
}

func TestRunScanContainsPanics(t *testing.T) {
	engine, s, orgID := newTestEngine(t)
	ctx := context.Background()

	created, updated := engine.RunScan(ctx, orgID, &panicDetector{}, time.Now())
	require.Zero(t, created)
	require.Zero(t, updated)

	run, err := s.LastDetectorRun(ctx, orgID, "panic_detector")
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Contains(t, run.Error, "boom")
}
