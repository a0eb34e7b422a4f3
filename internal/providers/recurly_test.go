package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/models"
)

func recurlySign(body []byte, secret string, ts time.Time) string {
	millis := strconv.FormatInt(ts.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(millis))
	mac.Write([]byte("."))
	mac.Write(body)
	return millis + "," + hex.EncodeToString(mac.Sum(nil))
}

func TestRecurlyReplayRejection(t *testing.T) {
	n := NewRecurlyNormalizer()
	body := []byte(`{"id":"evt_1","event_type":"renewed_subscription_notification","account":{"code":"acct1"}}`)
	now := time.Now()

	// Valid signature but a 10-minute-old timestamp: replay, rejected.
	stale := &RawWebhook{
		Body:    body,
		Headers: map[string]string{"recurly-signature": recurlySign(body, "sek", now.Add(-10*time.Minute))},
	}
	require.Error(t, n.VerifySignature(stale, "sek", now))

	// Same payload signed now: accepted.
	fresh := &RawWebhook{
		Body:    body,
		Headers: map[string]string{"recurly-signature": recurlySign(body, "sek", now)},
	}
	require.NoError(t, n.VerifySignature(fresh, "sek", now))

	// Wrong secret is rejected regardless of timestamp.
	require.Error(t, n.VerifySignature(fresh, "other", now))
}

func TestRecurlyRotatedSecretSignatures(t *testing.T) {
	n := NewRecurlyNormalizer()
	body := []byte(`{"id":"evt_1","event_type":"renewed_subscription_notification"}`)
	now := time.Now()
	millis := strconv.FormatInt(now.UnixMilli(), 10)

	sign := func(secret string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(millis + "."))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}

	// During rotation the header carries both digests; either matching wins.
	header := millis + "," + sign("old") + "," + sign("new")
	raw := &RawWebhook{Body: body, Headers: map[string]string{"recurly-signature": header}}
	require.NoError(t, n.VerifySignature(raw, "new", now))
	require.NoError(t, n.VerifySignature(raw, "old", now))
	require.Error(t, n.VerifySignature(raw, "neither", now))
}

func TestRecurlyNormalize(t *testing.T) {
	n := NewRecurlyNormalizer()
	body := []byte(`{
		"id": "evt_ren1",
		"event_type": "renewed_subscription_notification",
		"occurred_at": "2026-08-01T12:00:00Z",
		"account": {"code": "acct1", "email": "jane@example.com"},
		"subscription": {
			"uuid": "sub-uuid-1",
			"plan_code": "pro",
			"plan_name": "Pro Monthly",
			"unit_amount_in_cents": 999,
			"currency": "usd",
			"quantity": 1,
			"interval_unit": "month",
			"interval_length": 1,
			"current_period_started_at": "2026-08-01T12:00:00Z",
			"current_period_ends_at": "2026-09-01T12:00:00Z"
		},
		"transaction": {"uuid": "txn-1", "amount_in_cents": 999, "currency": "usd"}
	}`)

	events, err := n.Normalize("org1", &RawWebhook{Body: body})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, models.EventRenewal, ev.EventType)
	require.Equal(t, "recurly:evt_ren1", ev.IdempotencyKey)
	require.Equal(t, "pro", ev.ProductID)
	require.Equal(t, "Pro Monthly", ev.PlanTier)
	require.Equal(t, int64(999), *ev.AmountCents)
	require.Equal(t, "USD", ev.Currency)
	require.Equal(t, "month", ev.BillingInterval)
	require.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), ev.EventTime)
	require.NotNil(t, ev.PeriodEnd)

	hints := n.ExtractIdentityHints(&RawWebhook{Body: body})
	require.Contains(t, hints, models.IdentityHint{Source: "recurly", IDType: models.IdentityAccountCode, ExternalID: "acct1"})
	require.Contains(t, hints, models.IdentityHint{Source: "recurly", IDType: models.IdentityEmail, ExternalID: "jane@example.com"})
}

func TestRegistryCoversAllSources(t *testing.T) {
	r := NewRegistry()
	for _, source := range []string{SourceStripe, SourceApple, SourceGoogle, SourceRecurly} {
		require.NotNil(t, r.Get(source), source)
	}
	require.Nil(t, r.Get("paddle"))
}
