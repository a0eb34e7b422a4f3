package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	apperrors "github.com/revguard/revguard/internal/errors"
	"github.com/revguard/revguard/internal/models"
)

// StripeNormalizer translates Stripe webhook deliveries. A single
// customer.subscription.updated can fan out into multiple canonical events
// (cancellation plus a price change, for example); each gets a suffixed
// idempotency key.
type StripeNormalizer struct{}

// NewStripeNormalizer returns the Stripe normalizer.
func NewStripeNormalizer() *StripeNormalizer { return &StripeNormalizer{} }

func (n *StripeNormalizer) Source() string { return SourceStripe }

// VerifySignature checks the Stripe-Signature header. The library enforces the
// timestamp tolerance (default 300s), which matches the replay window.
func (n *StripeNormalizer) VerifySignature(raw *RawWebhook, secret string, _ time.Time) error {
	sig := raw.Header("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		return apperrors.Auth("stripe.verify", SourceStripe, fmt.Errorf("missing Stripe-Signature header"))
	}
	if _, err := webhook.ConstructEventWithOptions(raw.Body, sig, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		return apperrors.Auth("stripe.verify", SourceStripe, err)
	}
	return nil
}

// Minimal local views of the Stripe objects we consume. Decoding into the
// full SDK types drags in fields we never read.

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Raw                json.RawMessage `json:"object"`
		PreviousAttributes json.RawMessage `json:"previous_attributes"`
	} `json:"data"`
}

type stripePrice struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Nickname   string `json:"nickname"`
	Recurring  struct {
		Interval      string `json:"interval"`
		IntervalCount int64  `json:"interval_count"`
	} `json:"recurring"`
	Product string `json:"product"`
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialStart         int64  `json:"trial_start"`
	PauseCollection    *struct {
		Behavior string `json:"behavior"`
	} `json:"pause_collection"`
	Items struct {
		Data []struct {
			Price stripePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID             string `json:"id"`
	Customer       string `json:"customer"`
	CustomerEmail  string `json:"customer_email"`
	Subscription   string `json:"subscription"`
	AmountPaid     int64  `json:"amount_paid"`
	Currency       string `json:"currency"`
	BillingReason  string `json:"billing_reason"`
	PeriodStart    int64  `json:"period_start"`
	PeriodEnd      int64  `json:"period_end"`
	Lines          struct {
		Data []struct {
			Price  stripePrice `json:"price"`
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	Customer       string `json:"customer"`
	Invoice        string `json:"invoice"`
	AmountRefunded int64  `json:"amount_refunded"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
}

type stripeDispute struct {
	ID       string `json:"id"`
	Charge   string `json:"charge"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// subscriptionPrevious is the delta view Stripe attaches to update events.
type subscriptionPrevious struct {
	Status            *string `json:"status"`
	CancelAtPeriodEnd *bool   `json:"cancel_at_period_end"`
	Items             *struct {
		Data []struct {
			Price stripePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
	PauseCollection json.RawMessage `json:"pause_collection"`
}

// Normalize maps one Stripe event to canonical events per the fixed table.
// Unmapped types return nil without error.
func (n *StripeNormalizer) Normalize(orgID string, raw *RawWebhook) ([]*models.CanonicalEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(raw.Body, &event); err != nil {
		return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("decode event: %w", err))
	}
	if event.ID == "" || event.Type == "" {
		return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("event missing id or type"))
	}

	eventTime := time.Unix(event.Created, 0).UTC()
	base := func(eventType models.EventType, status models.EventStatus, suffix ...string) *models.CanonicalEvent {
		return &models.CanonicalEvent{
			OrgID:           orgID,
			Source:          SourceStripe,
			EventType:       eventType,
			SourceEventType: event.Type,
			Status:          status,
			EventTime:       eventTime,
			IdempotencyKey:  idempotencyKey(SourceStripe, event.ID, suffix...),
			RawPayload:      raw.Body,
		}
	}

	switch event.Type {
	case "customer.subscription.created":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("decode subscription: %w", err))
		}
		ev := base(models.EventPurchase, models.EventStatusSuccess)
		applyStripeSubscription(ev, &sub)
		return []*models.CanonicalEvent{ev}, nil

	case "customer.subscription.updated":
		return n.normalizeSubscriptionUpdated(orgID, &event)

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("decode subscription: %w", err))
		}
		ev := base(models.EventExpiration, models.EventStatusSuccess)
		applyStripeSubscription(ev, &sub)
		return []*models.CanonicalEvent{ev}, nil

	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("decode invoice: %w", err))
		}
		eventType := models.EventRenewal
		if inv.BillingReason == "subscription_create" {
			eventType = models.EventPurchase
		}
		ev := base(eventType, models.EventStatusSuccess)
		applyStripeInvoice(ev, &inv)
		return []*models.CanonicalEvent{ev}, nil

	case "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("decode invoice: %w", err))
		}
		ev := base(models.EventBillingRetry, models.EventStatusFailed)
		applyStripeInvoice(ev, &inv)
		return []*models.CanonicalEvent{ev}, nil

	case "charge.refunded":
		var ch stripeCharge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("decode charge: %w", err))
		}
		ev := base(models.EventRefund, models.EventStatusRefunded)
		amount := ch.AmountRefunded
		if amount == 0 {
			amount = ch.Amount
		}
		ev.AmountCents = &amount
		ev.Currency = upperCurrency(ch.Currency)
		return []*models.CanonicalEvent{ev}, nil

	case "charge.dispute.created":
		var d stripeDispute
		if err := json.Unmarshal(event.Data.Raw, &d); err != nil {
			return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("decode dispute: %w", err))
		}
		ev := base(models.EventChargeback, models.EventStatusFailed)
		ev.AmountCents = &d.Amount
		ev.Currency = upperCurrency(d.Currency)
		return []*models.CanonicalEvent{ev}, nil
	}

	// Not actionable: processed with zero canonical events.
	return nil, nil
}

// normalizeSubscriptionUpdated handles the composite update event. Several
// independent deltas can arrive in one delivery and each becomes its own
// canonical event with a distinct key suffix.
func (n *StripeNormalizer) normalizeSubscriptionUpdated(orgID string, event *stripeEvent) ([]*models.CanonicalEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("decode subscription: %w", err))
	}
	var prev subscriptionPrevious
	if len(event.Data.PreviousAttributes) > 0 {
		if err := json.Unmarshal(event.Data.PreviousAttributes, &prev); err != nil {
			return nil, apperrors.Validation("stripe.normalize", SourceStripe, fmt.Errorf("decode previous_attributes: %w", err))
		}
	}

	eventTime := time.Unix(event.Created, 0).UTC()
	emit := func(eventType models.EventType, status models.EventStatus, suffix string) *models.CanonicalEvent {
		ev := &models.CanonicalEvent{
			OrgID:           orgID,
			Source:          SourceStripe,
			EventType:       eventType,
			SourceEventType: event.Type,
			Status:          status,
			EventTime:       eventTime,
			RawPayload:      event.Data.Raw,
		}
		if suffix == "" {
			ev.IdempotencyKey = idempotencyKey(SourceStripe, event.ID)
		} else {
			ev.IdempotencyKey = idempotencyKey(SourceStripe, event.ID, suffix)
		}
		applyStripeSubscription(ev, &sub)
		return ev
	}

	var out []*models.CanonicalEvent

	if prev.CancelAtPeriodEnd != nil && !*prev.CancelAtPeriodEnd && sub.CancelAtPeriodEnd {
		out = append(out, emit(models.EventCancellation, models.EventStatusSuccess, "cancel"))
	}
	if prev.CancelAtPeriodEnd != nil && *prev.CancelAtPeriodEnd && !sub.CancelAtPeriodEnd {
		out = append(out, emit(models.EventResume, models.EventStatusSuccess, "resume"))
	}

	if prev.Status != nil {
		switch {
		case *prev.Status == "trialing" && sub.Status == "active":
			out = append(out, emit(models.EventTrialConversion, models.EventStatusSuccess, "trial_conversion"))
		case sub.Status == "past_due" || sub.Status == "unpaid":
			out = append(out, emit(models.EventBillingRetry, models.EventStatusFailed, "billing_retry"))
		}
	}

	// Pause collection toggles arrive as the field appearing or clearing.
	if len(prev.PauseCollection) > 0 {
		if sub.PauseCollection != nil && string(prev.PauseCollection) == "null" {
			out = append(out, emit(models.EventPause, models.EventStatusSuccess, "pause"))
		}
		if sub.PauseCollection == nil && string(prev.PauseCollection) != "null" {
			out = append(out, emit(models.EventResume, models.EventStatusSuccess, "unpause"))
		}
	}

	// Price delta: strictly greater is an upgrade, strictly smaller a
	// downgrade. A plan swap at equal price maps to plan_change -> upgrade is
	// wrong either way, so it is skipped.
	if prev.Items != nil && len(prev.Items.Data) > 0 && len(sub.Items.Data) > 0 {
		oldPrice := prev.Items.Data[0].Price
		newPrice := sub.Items.Data[0].Price
		suffix := "price_change"
		if oldPrice.ID != "" && newPrice.ID != "" && oldPrice.ID != newPrice.ID && oldPrice.UnitAmount == newPrice.UnitAmount {
			suffix = "plan_change"
		}
		switch {
		case newPrice.UnitAmount > oldPrice.UnitAmount:
			out = append(out, emit(models.EventUpgrade, models.EventStatusSuccess, suffix))
		case newPrice.UnitAmount < oldPrice.UnitAmount:
			out = append(out, emit(models.EventDowngrade, models.EventStatusSuccess, suffix))
		}
	}

	return out, nil
}

// applyStripeSubscription copies money, product, and period fields from the
// subscription object onto the canonical event.
func applyStripeSubscription(ev *models.CanonicalEvent, sub *stripeSubscription) {
	ev.ExternalSubscriptionID = sub.ID
	if sub.CurrentPeriodStart > 0 {
		ts := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		ev.PeriodStart = &ts
	}
	if sub.CurrentPeriodEnd > 0 {
		ts := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ev.PeriodEnd = &ts
	}
	if sub.TrialStart > 0 {
		ts := time.Unix(sub.TrialStart, 0).UTC()
		ev.TrialStartedAt = &ts
	}
	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		ev.ProductID = price.Product
		ev.PlanTier = price.Nickname
		if ev.AmountCents == nil && price.UnitAmount > 0 {
			amount := price.UnitAmount
			ev.AmountCents = &amount
		}
		if ev.Currency == "" {
			ev.Currency = upperCurrency(price.Currency)
		}
		ev.BillingInterval = normalizeInterval(price.Recurring.IntervalCount, price.Recurring.Interval)
	}
}

// applyStripeInvoice copies invoice fields, preferring the invoice's money
// over line-item price data.
func applyStripeInvoice(ev *models.CanonicalEvent, inv *stripeInvoice) {
	ev.ExternalSubscriptionID = inv.Subscription
	if inv.AmountPaid > 0 {
		amount := inv.AmountPaid
		ev.AmountCents = &amount
	}
	ev.Currency = upperCurrency(inv.Currency)
	if inv.PeriodStart > 0 {
		ts := time.Unix(inv.PeriodStart, 0).UTC()
		ev.PeriodStart = &ts
	}
	if inv.PeriodEnd > 0 {
		ts := time.Unix(inv.PeriodEnd, 0).UTC()
		ev.PeriodEnd = &ts
	}
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if line.Period.End > 0 {
			ts := time.Unix(line.Period.End, 0).UTC()
			ev.PeriodEnd = &ts
		}
		if line.Period.Start > 0 {
			ts := time.Unix(line.Period.Start, 0).UTC()
			ev.PeriodStart = &ts
		}
		ev.ProductID = line.Price.Product
		ev.PlanTier = line.Price.Nickname
		if ev.AmountCents == nil && line.Price.UnitAmount > 0 {
			amount := line.Price.UnitAmount
			ev.AmountCents = &amount
		}
		ev.BillingInterval = normalizeInterval(line.Price.Recurring.IntervalCount, line.Price.Recurring.Interval)
	}
}

// ExtractIdentityHints pulls customer, subscription, and email identifiers.
func (n *StripeNormalizer) ExtractIdentityHints(raw *RawWebhook) []models.IdentityHint {
	var event stripeEvent
	if err := json.Unmarshal(raw.Body, &event); err != nil {
		return nil
	}

	// All object shapes share the fields we care about.
	var obj struct {
		Customer       string `json:"customer"`
		CustomerEmail  string `json:"customer_email"`
		ID             string `json:"id"`
		Subscription   string `json:"subscription"`
		BillingDetails struct {
			Email string `json:"email"`
		} `json:"billing_details"`
	}
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil
	}

	var hints []models.IdentityHint
	add := func(idType models.IdentityType, id string) {
		if id != "" {
			hints = append(hints, models.IdentityHint{Source: SourceStripe, IDType: idType, ExternalID: id})
		}
	}
	add(models.IdentityCustomerID, obj.Customer)
	if strings.HasPrefix(obj.ID, "sub_") {
		add(models.IdentitySubscriptionID, obj.ID)
	}
	add(models.IdentitySubscriptionID, obj.Subscription)
	add(models.IdentityEmail, obj.CustomerEmail)
	add(models.IdentityEmail, obj.BillingDetails.Email)
	return hints
}
