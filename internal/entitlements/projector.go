package entitlements

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// Projector folds canonical events into per-(user, source, product)
// entitlement rows. Events without a user or product key are not projectable;
// an impossible transition leaves the row unchanged and reports a conflict so
// the caller can raise a projection_conflict issue.
type Projector struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewProjector builds a projector over the given store.
func NewProjector(s *store.Store) *Projector {
	return &Projector{store: s, logger: logging.With("entitlements")}
}

// ProductKey returns the projection key for an event: the product id, or the
// external subscription id as a proxy when the provider reports no product.
func ProductKey(ev *models.CanonicalEvent) string {
	if ev.ProductID != "" {
		return ev.ProductID
	}
	return ev.ExternalSubscriptionID
}

// Apply projects one event. Returns the updated entitlement (nil when the
// event is not projectable) and whether the transition was a conflict.
func (p *Projector) Apply(ctx context.Context, ev *models.CanonicalEvent) (*models.Entitlement, bool, error) {
	productID := ProductKey(ev)
	if ev.UserID == "" || productID == "" {
		return nil, false, nil
	}

	ent, err := p.store.GetEntitlement(ctx, ev.OrgID, ev.UserID, ev.Source, productID)
	if err != nil {
		return nil, false, fmt.Errorf("load entitlement: %w", err)
	}

	current := models.EntitlementState("")
	if ent != nil {
		current = ent.State
	}

	folded, ok := fold(ent, ev)
	if !ok {
		p.logger.Warn().
			Str("org_id", ev.OrgID).
			Str("user_id", ev.UserID).
			Str("product_id", productID).
			Str("state", string(current)).
			Str("event_type", string(ev.EventType)).
			Msg("Impossible entitlement transition, leaving state unchanged")
		return ent, true, nil
	}

	if err := p.store.UpsertEntitlement(ctx, folded); err != nil {
		return nil, false, err
	}
	return folded, false, nil
}

// fold applies one event to an entitlement (nil when absent), returning the
// updated row. ok is false for impossible transitions; the input is untouched.
func fold(ent *models.Entitlement, ev *models.CanonicalEvent) (*models.Entitlement, bool) {
	current := models.EntitlementState("")
	if ent != nil {
		current = ent.State
	}
	next, willCancel, ok := transition(current, ent, ev)
	if !ok {
		return ent, false
	}

	if ent == nil {
		ent = &models.Entitlement{
			OrgID:     ev.OrgID,
			UserID:    ev.UserID,
			Source:    ev.Source,
			ProductID: ProductKey(ev),
		}
	}
	ent.State = next
	ent.WillCancel = willCancel
	if ev.PeriodStart != nil {
		ent.CurrentPeriodStart = ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		ent.CurrentPeriodEnd = ev.PeriodEnd
	}
	if ev.ExternalSubscriptionID != "" {
		ent.ExternalSubscriptionID = ev.ExternalSubscriptionID
	}
	if ev.PlanTier != "" {
		ent.PlanTier = ev.PlanTier
	}
	if ev.AmountCents != nil {
		ent.LastAmountCents = ev.AmountCents
	}
	ent.LastEventID = ev.ID
	ent.UpdatedAt = ev.EventTime
	return ent, true
}

// transition implements the state machine. The bool result is false for
// impossible transitions.
func transition(current models.EntitlementState, ent *models.Entitlement, ev *models.CanonicalEvent) (models.EntitlementState, bool, bool) {
	willCancel := ent != nil && ent.WillCancel

	switch current {
	case "": // no row yet
		switch ev.EventType {
		case models.EventPurchase:
			if ev.TrialStartedAt != nil {
				return models.EntitlementTrial, false, true
			}
			return models.EntitlementActive, false, true
		case models.EventTrialConversion, models.EventRenewal, models.EventUpgrade, models.EventDowngrade:
			return models.EntitlementActive, false, true
		}
		return "", false, false

	case models.EntitlementActive, models.EntitlementGracePeriod:
		switch ev.EventType {
		case models.EventPurchase, models.EventTrialConversion, models.EventUpgrade, models.EventDowngrade:
			return models.EntitlementActive, false, true
		case models.EventRenewal:
			return models.EntitlementActive, false, true
		case models.EventCancellation:
			return current, true, true
		case models.EventExpiration:
			return models.EntitlementExpired, willCancel, true
		case models.EventRefund:
			return models.EntitlementRefunded, willCancel, true
		case models.EventChargeback:
			return models.EntitlementRevoked, willCancel, true
		case models.EventBillingRetry:
			return models.EntitlementBillingRetry, willCancel, true
		case models.EventPause:
			return models.EntitlementPaused, willCancel, true
		}
		return "", false, false

	case models.EntitlementTrial:
		switch ev.EventType {
		case models.EventPurchase, models.EventTrialConversion, models.EventRenewal:
			return models.EntitlementActive, false, true
		case models.EventCancellation:
			return models.EntitlementTrial, true, true
		case models.EventExpiration:
			return models.EntitlementExpired, willCancel, true
		case models.EventRefund:
			return models.EntitlementRefunded, willCancel, true
		case models.EventChargeback:
			return models.EntitlementRevoked, willCancel, true
		case models.EventBillingRetry:
			return models.EntitlementBillingRetry, willCancel, true
		case models.EventPause:
			return models.EntitlementPaused, willCancel, true
		}
		return "", false, false

	case models.EntitlementBillingRetry, models.EntitlementPastDue, models.EntitlementOnHold:
		switch ev.EventType {
		case models.EventPurchase, models.EventTrialConversion, models.EventRenewal:
			return models.EntitlementActive, false, true
		case models.EventCancellation:
			return models.EntitlementCanceled, willCancel, true
		case models.EventExpiration:
			return models.EntitlementExpired, willCancel, true
		case models.EventRefund:
			return models.EntitlementRefunded, willCancel, true
		case models.EventChargeback:
			return models.EntitlementRevoked, willCancel, true
		case models.EventBillingRetry:
			return models.EntitlementBillingRetry, willCancel, true
		case models.EventPause:
			return models.EntitlementPaused, willCancel, true
		}
		return "", false, false

	case models.EntitlementPaused:
		switch ev.EventType {
		case models.EventPurchase:
			return models.EntitlementPaused, willCancel, true
		case models.EventRenewal, models.EventResume:
			return models.EntitlementActive, false, true
		case models.EventCancellation:
			return models.EntitlementCanceled, willCancel, true
		case models.EventExpiration:
			return models.EntitlementExpired, willCancel, true
		case models.EventRefund:
			return models.EntitlementRefunded, willCancel, true
		case models.EventChargeback:
			return models.EntitlementRevoked, willCancel, true
		case models.EventBillingRetry:
			return models.EntitlementBillingRetry, willCancel, true
		}
		return "", false, false

	case models.EntitlementExpired, models.EntitlementCanceled, models.EntitlementRevoked, models.EntitlementRefunded:
		switch ev.EventType {
		case models.EventPurchase, models.EventRenewal, models.EventTrialConversion:
			return models.EntitlementActive, false, true
		}
		return "", false, false
	}

	return "", false, false
}

// Replay recomputes one entitlement from its full event history in event_time
// order. Used by backfill and by verification; the result matches incremental
// projection up to updated_at.
func (p *Projector) Replay(ctx context.Context, orgID, userID, source, productID string) (*models.Entitlement, error) {
	events, err := p.store.EventsForProjection(ctx, orgID, userID, source, productID)
	if err != nil {
		return nil, err
	}

	var ent *models.Entitlement
	for _, ev := range events {
		if folded, ok := fold(ent, ev); ok {
			ent = folded
		}
	}
	return ent, nil
}

// SweepLapsed moves still-active entitlements whose period ended more than the
// grace window ago into grace_period. Called from the scheduled scan.
func (p *Projector) SweepLapsed(ctx context.Context, orgID, source string, graceDays int, now time.Time) (int, error) {
	if graceDays <= 0 {
		graceDays = 3
	}
	cutoff := now.Add(-time.Duration(graceDays) * 24 * time.Hour)

	lapsed, err := p.store.ListLapsedActive(ctx, orgID, source, cutoff)
	if err != nil {
		return 0, err
	}
	for _, ent := range lapsed {
		ent.State = models.EntitlementGracePeriod
		ent.UpdatedAt = now
		if err := p.store.UpsertEntitlement(ctx, ent); err != nil {
			return 0, err
		}
	}
	if len(lapsed) > 0 {
		p.logger.Info().
			Str("org_id", orgID).
			Str("source", source).
			Int("count", len(lapsed)).
			Msg("Moved lapsed entitlements into grace period")
	}
	return len(lapsed), nil
}
