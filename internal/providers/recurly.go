package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/revguard/revguard/internal/errors"
	"github.com/revguard/revguard/internal/models"
)

// RecurlyNormalizer handles Recurly webhook deliveries. The recurly-signature
// header carries a millisecond timestamp and one or more HMAC-SHA256 digests
// over "{timestamp}.{body}"; multiple digests appear during secret rotation.
type RecurlyNormalizer struct{}

// NewRecurlyNormalizer returns the Recurly normalizer.
func NewRecurlyNormalizer() *RecurlyNormalizer { return &RecurlyNormalizer{} }

func (n *RecurlyNormalizer) Source() string { return SourceRecurly }

// VerifySignature checks the timestamped HMAC and the replay window.
func (n *RecurlyNormalizer) VerifySignature(raw *RawWebhook, secret string, now time.Time) error {
	header := raw.Header("recurly-signature")
	if header == "" {
		return apperrors.Auth("recurly.verify", SourceRecurly, fmt.Errorf("missing recurly-signature header"))
	}

	parts := strings.Split(header, ",")
	if len(parts) < 2 {
		return apperrors.Auth("recurly.verify", SourceRecurly, fmt.Errorf("malformed signature header"))
	}
	tsMillis, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return apperrors.Auth("recurly.verify", SourceRecurly, fmt.Errorf("parse signature timestamp: %w", err))
	}

	signedAt := time.UnixMilli(tsMillis)
	if drift := now.Sub(signedAt); drift > ReplayWindow || drift < -ReplayWindow {
		return apperrors.Auth("recurly.verify", SourceRecurly,
			fmt.Errorf("signature timestamp outside replay window: %s", drift))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.TrimSpace(parts[0])))
	mac.Write([]byte("."))
	mac.Write(raw.Body)
	expected := mac.Sum(nil)

	for _, candidate := range parts[1:] {
		sig, err := hex.DecodeString(strings.TrimSpace(candidate))
		if err != nil {
			continue
		}
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return apperrors.Auth("recurly.verify", SourceRecurly, fmt.Errorf("signature mismatch"))
}

type recurlyPayload struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	OccurredAt string `json:"occurred_at"`
	Account   struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	} `json:"account"`
	Subscription struct {
		UUID     string `json:"uuid"`
		PlanCode string `json:"plan_code"`
		PlanName string `json:"plan_name"`
		UnitAmountInCents   int64  `json:"unit_amount_in_cents"`
		Currency            string `json:"currency"`
		Quantity            int64  `json:"quantity"`
		IntervalUnit        string `json:"interval_unit"`
		IntervalLength      int64  `json:"interval_length"`
		CurrentPeriodStartedAt string `json:"current_period_started_at"`
		CurrentPeriodEndsAt    string `json:"current_period_ends_at"`
		TrialStartedAt         string `json:"trial_started_at"`
	} `json:"subscription"`
	Transaction struct {
		UUID          string `json:"uuid"`
		AmountInCents int64  `json:"amount_in_cents"`
		Currency      string `json:"currency"`
	} `json:"transaction"`
}

// recurlyEventType maps Recurly notification names to the canonical enum.
func recurlyEventType(name string) (models.EventType, models.EventStatus, bool) {
	switch name {
	case "new_subscription_notification":
		return models.EventPurchase, models.EventStatusSuccess, true
	case "renewed_subscription_notification", "successful_payment_notification":
		return models.EventRenewal, models.EventStatusSuccess, true
	case "canceled_subscription_notification":
		return models.EventCancellation, models.EventStatusSuccess, true
	case "expired_subscription_notification":
		return models.EventExpiration, models.EventStatusSuccess, true
	case "successful_refund_notification":
		return models.EventRefund, models.EventStatusRefunded, true
	case "chargeback_notification", "dispute_notification":
		return models.EventChargeback, models.EventStatusFailed, true
	case "failed_payment_notification", "past_due_invoice_notification", "dunning_notification":
		return models.EventBillingRetry, models.EventStatusFailed, true
	case "reactivated_account_notification":
		return models.EventResume, models.EventStatusSuccess, true
	case "paused_subscription_notification":
		return models.EventPause, models.EventStatusSuccess, true
	case "subscription_paused_notification":
		return models.EventPause, models.EventStatusSuccess, true
	case "subscription_resumed_notification":
		return models.EventResume, models.EventStatusSuccess, true
	}
	return "", "", false
}

// Normalize decodes the payload and maps the notification name.
func (n *RecurlyNormalizer) Normalize(orgID string, raw *RawWebhook) ([]*models.CanonicalEvent, error) {
	var payload recurlyPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil, apperrors.Validation("recurly.normalize", SourceRecurly, fmt.Errorf("decode payload: %w", err))
	}
	if payload.ID == "" || payload.EventType == "" {
		return nil, apperrors.Validation("recurly.normalize", SourceRecurly, fmt.Errorf("payload missing id or event_type"))
	}

	eventType, status, ok := recurlyEventType(payload.EventType)
	if !ok {
		return nil, nil
	}

	eventTime := time.Now().UTC()
	if payload.OccurredAt != "" {
		if ts, err := time.Parse(time.RFC3339, payload.OccurredAt); err == nil {
			eventTime = ts.UTC()
		}
	}

	ev := &models.CanonicalEvent{
		OrgID:                  orgID,
		Source:                 SourceRecurly,
		EventType:              eventType,
		SourceEventType:        payload.EventType,
		Status:                 status,
		EventTime:              eventTime,
		IdempotencyKey:         idempotencyKey(SourceRecurly, payload.ID),
		ExternalSubscriptionID: payload.Subscription.UUID,
		ProductID:              payload.Subscription.PlanCode,
		PlanTier:               payload.Subscription.PlanName,
		RawPayload:             raw.Body,
	}

	// Transaction money beats the subscription's unit price.
	switch {
	case payload.Transaction.AmountInCents > 0:
		amount := payload.Transaction.AmountInCents
		ev.AmountCents = &amount
		ev.Currency = upperCurrency(payload.Transaction.Currency)
	case payload.Subscription.UnitAmountInCents > 0:
		amount := payload.Subscription.UnitAmountInCents
		if payload.Subscription.Quantity > 1 {
			amount *= payload.Subscription.Quantity
		}
		ev.AmountCents = &amount
		ev.Currency = upperCurrency(payload.Subscription.Currency)
	}

	ev.BillingInterval = normalizeInterval(payload.Subscription.IntervalLength, payload.Subscription.IntervalUnit)
	if ts, err := time.Parse(time.RFC3339, payload.Subscription.CurrentPeriodStartedAt); err == nil {
		t := ts.UTC()
		ev.PeriodStart = &t
	}
	if ts, err := time.Parse(time.RFC3339, payload.Subscription.CurrentPeriodEndsAt); err == nil {
		t := ts.UTC()
		ev.PeriodEnd = &t
	}
	if ts, err := time.Parse(time.RFC3339, payload.Subscription.TrialStartedAt); err == nil {
		t := ts.UTC()
		ev.TrialStartedAt = &t
	}
	return []*models.CanonicalEvent{ev}, nil
}

// ExtractIdentityHints pulls the account code, email, and subscription uuid.
func (n *RecurlyNormalizer) ExtractIdentityHints(raw *RawWebhook) []models.IdentityHint {
	var payload recurlyPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil
	}
	var hints []models.IdentityHint
	add := func(idType models.IdentityType, id string) {
		if id != "" {
			hints = append(hints, models.IdentityHint{Source: SourceRecurly, IDType: idType, ExternalID: id})
		}
	}
	add(models.IdentityAccountCode, payload.Account.Code)
	add(models.IdentityEmail, payload.Account.Email)
	add(models.IdentitySubscriptionID, payload.Subscription.UUID)
	return hints
}
