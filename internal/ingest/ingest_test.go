package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/internal/crypto"
	"github.com/revguard/revguard/internal/detect"
	"github.com/revguard/revguard/internal/entitlements"
	"github.com/revguard/revguard/internal/identity"
	"github.com/revguard/revguard/internal/issues"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/providers"
	"github.com/revguard/revguard/internal/store"
)

const testWebhookSecret = "whsec_test_secret"

func newTestPool(t *testing.T) (*Pool, *store.Store, string) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	org := &models.Organization{Slug: "acme"}
	require.NoError(t, s.CreateOrganization(context.Background(), org))

	mgr, err := crypto.NewManager("", t.TempDir())
	require.NoError(t, err)
	sealed, err := mgr.EncryptString(testWebhookSecret)
	require.NoError(t, err)
	require.NoError(t, s.UpsertConnection(context.Background(), &models.BillingConnection{
		OrgID: org.ID, Source: providers.SourceStripe, SecretEncrypted: sealed,
		IsActive: true, GraceDays: 3,
	}))

	issueSvc := issues.NewService(s, nil)
	cfg := &config.Config{
		IngestWorkers:    2,
		MaxIngestRetries: 3,
		EventTimeout:     30 * time.Second,
		SecretCacheTTL:   time.Minute,
	}
	pool := NewPool(s, providers.NewRegistry(), identity.NewResolver(s),
		entitlements.NewProjector(s), detect.NewEngine(s, issueSvc), issueSvc, mgr, cfg)
	return pool, s, org.ID
}

func stripeSign(t *testing.T, body []byte, secret string, at time.Time) string {
	t.Helper()
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(body)))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func invoicePaidBody(eventID string, at time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "invoice.paid",
		"created": %d,
		"data": {"object": {
			"id": "in_1",
			"customer": "cus_42",
			"customer_email": "jo@example.com",
			"subscription": "sub_42",
			"amount_paid": 1999,
			"currency": "usd",
			"billing_reason": "subscription_create",
			"period_start": %d,
			"period_end": %d,
			"lines": {"data": [{"price": {
				"id": "price_1", "unit_amount": 1999, "currency": "usd",
				"nickname": "Pro Monthly", "product": "prod_pro",
				"recurring": {"interval": "month", "interval_count": 1}
			}}]}
		}}
	}`, eventID, at.Unix(), at.Unix(), at.Add(30*24*time.Hour).Unix()))
}

func enqueueRaw(t *testing.T, s *store.Store, orgID string, headers map[string]string, body []byte) job {
	t.Helper()
	raw := &models.RawWebhookLog{
		OrgID: orgID, Source: providers.SourceStripe, Headers: headers, Body: body,
	}
	require.NoError(t, s.InsertRawWebhook(context.Background(), raw))
	return job{rawID: raw.ID, orgID: orgID, source: providers.SourceStripe}
}

func TestProcessFullPipeline(t *testing.T) {
	pool, s, orgID := newTestPool(t)
	ctx := context.Background()
	now := time.Now()

	body := invoicePaidBody("evt_1", now)
	j := enqueueRaw(t, s, orgID, map[string]string{
		"Stripe-Signature": stripeSign(t, body, testWebhookSecret, now),
	}, body)
	pool.process(ctx, j)

	raw, err := s.GetRawWebhook(ctx, j.rawID)
	require.NoError(t, err)
	require.Equal(t, models.RawProcessed, raw.ProcessingStatus)
	require.Equal(t, "stripe:evt_1", raw.ExternalEventID)
	require.NotNil(t, raw.ProcessedAt)

	events, err := s.ListEvents(ctx, orgID, store.EventFilter{Source: "stripe"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, models.EventPurchase, ev.EventType)
	require.NotEmpty(t, ev.UserID)

	// The identity resolver created the user from the payload's hints.
	user, err := s.GetUser(ctx, orgID, ev.UserID)
	require.NoError(t, err)
	require.Equal(t, "jo@example.com", user.Email)

	// And the projector granted the entitlement.
	ent, err := s.GetEntitlement(ctx, orgID, ev.UserID, "stripe", "prod_pro")
	require.NoError(t, err)
	require.NotNil(t, ent)
	require.Equal(t, models.EntitlementActive, ent.State)

	// Connection freshness advanced to the delivery time.
	conn, err := s.GetConnection(ctx, orgID, "stripe")
	require.NoError(t, err)
	require.NotNil(t, conn.LastWebhookAt)
}

func TestProcessDuplicateDeliveryIsIdempotent(t *testing.T) {
	pool, s, orgID := newTestPool(t)
	ctx := context.Background()
	now := time.Now()
	body := invoicePaidBody("evt_dup", now)

	for i := 0; i < 2; i++ {
		j := enqueueRaw(t, s, orgID, map[string]string{
			"Stripe-Signature": stripeSign(t, body, testWebhookSecret, now),
		}, body)
		pool.process(ctx, j)

		raw, err := s.GetRawWebhook(ctx, j.rawID)
		require.NoError(t, err)
		require.Equal(t, models.RawProcessed, raw.ProcessingStatus)
	}

	events, err := s.ListEvents(ctx, orgID, store.EventFilter{Source: "stripe"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestProcessBadSignatureSkips(t *testing.T) {
	pool, s, orgID := newTestPool(t)
	ctx := context.Background()
	body := invoicePaidBody("evt_bad", time.Now())

	j := enqueueRaw(t, s, orgID, map[string]string{
		"Stripe-Signature": stripeSign(t, body, "whsec_wrong", time.Now()),
	}, body)
	pool.process(ctx, j)

	raw, err := s.GetRawWebhook(ctx, j.rawID)
	require.NoError(t, err)
	require.Equal(t, models.RawSkipped, raw.ProcessingStatus)
	require.NotEmpty(t, raw.ErrorMessage)

	events, err := s.ListEvents(ctx, orgID, store.EventFilter{})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestProcessInactiveConnectionSkips(t *testing.T) {
	pool, s, orgID := newTestPool(t)
	ctx := context.Background()

	conn, err := s.GetConnection(ctx, orgID, "stripe")
	require.NoError(t, err)
	conn.IsActive = false
	require.NoError(t, s.UpsertConnection(ctx, conn))

	now := time.Now()
	body := invoicePaidBody("evt_inactive", now)
	j := enqueueRaw(t, s, orgID, map[string]string{
		"Stripe-Signature": stripeSign(t, body, testWebhookSecret, now),
	}, body)
	pool.process(ctx, j)

	raw, err := s.GetRawWebhook(ctx, j.rawID)
	require.NoError(t, err)
	require.Equal(t, models.RawSkipped, raw.ProcessingStatus)
}

func TestProcessMalformedPayloadFails(t *testing.T) {
	pool, s, orgID := newTestPool(t)
	ctx := context.Background()
	now := time.Now()

	body := []byte(`{"created": 1, "data": {}}`) // no id or type
	j := enqueueRaw(t, s, orgID, map[string]string{
		"Stripe-Signature": stripeSign(t, body, testWebhookSecret, now),
	}, body)
	pool.process(ctx, j)

	raw, err := s.GetRawWebhook(ctx, j.rawID)
	require.NoError(t, err)
	require.Equal(t, models.RawFailed, raw.ProcessingStatus)
}

func TestEnqueueDurableBeforeQueue(t *testing.T) {
	pool, s, orgID := newTestPool(t)
	ctx := context.Background()

	raw, queued, err := pool.Enqueue(ctx, orgID, "stripe", nil, []byte("{}"))
	require.NoError(t, err)
	require.True(t, queued)
	require.NotEmpty(t, raw.ID)

	stored, err := s.GetRawWebhook(ctx, raw.ID)
	require.NoError(t, err)
	require.Equal(t, models.RawQueued, stored.ProcessingStatus)
}

func TestPartitionIsStable(t *testing.T) {
	pool, _, _ := newTestPool(t)
	a := pool.partition("org-1", "stripe")
	require.Equal(t, a, pool.partition("org-1", "stripe"))
	require.GreaterOrEqual(t, a, 0)
	require.Less(t, a, len(pool.partitions))
}

func TestRecoverPendingRequeues(t *testing.T) {
	pool, s, orgID := newTestPool(t)
	ctx := context.Background()

	raw := &models.RawWebhookLog{OrgID: orgID, Source: "stripe", Body: []byte("{}")}
	require.NoError(t, s.InsertRawWebhook(ctx, raw))

	pool.RecoverPending(ctx)

	ch := pool.partitions[pool.partition(orgID, "stripe")]
	require.Len(t, ch, 1)
}

func TestDeferredDeliveryRecoveredWhileRunning(t *testing.T) {
	pool, s, orgID := newTestPool(t)
	pool.recoverInterval = 20 * time.Millisecond
	ctx := context.Background()
	now := time.Now()

	// A row that landed durably but never reached a partition, as the receiver
	// leaves it after answering 202 under backpressure.
	body := invoicePaidBody("evt_deferred", now)
	raw := &models.RawWebhookLog{
		OrgID:  orgID,
		Source: providers.SourceStripe,
		Headers: map[string]string{
			"Stripe-Signature": stripeSign(t, body, testWebhookSecret, now),
		},
		Body: body,
	}
	require.NoError(t, s.InsertRawWebhook(ctx, raw))

	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		got, err := s.GetRawWebhook(ctx, raw.ID)
		return err == nil && got.ProcessingStatus == models.RawProcessed
	}, 2*time.Second, 25*time.Millisecond)
}
