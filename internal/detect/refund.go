package detect

import (
	"context"
	"fmt"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// UnrevokedRefund fires when a refund or chargeback lands and the projected
// entitlement still grants access. The projector normally revokes in the same
// worker pass, so a surviving granting state means the revocation was lost.
type UnrevokedRefund struct {
	store *store.Store
}

// NewUnrevokedRefund returns the detector.
func NewUnrevokedRefund(s *store.Store) *UnrevokedRefund { return &UnrevokedRefund{store: s} }

func (d *UnrevokedRefund) ID() string                        { return "unrevoked_refund" }
func (d *UnrevokedRefund) Category() Category                { return CategoryRevenueProtection }
func (d *UnrevokedRefund) Scope() Scope                      { return ScopePerUser }
func (d *UnrevokedRefund) Tier() models.DetectionTier        { return models.TierOne }
func (d *UnrevokedRefund) DefaultSeverity() models.Severity  { return models.SeverityCritical }

func (d *UnrevokedRefund) CheckEvent(ctx context.Context, ev *models.CanonicalEvent, ent *models.Entitlement) ([]models.DetectedIssue, error) {
	if ev.EventType != models.EventRefund && ev.EventType != models.EventChargeback {
		return nil, nil
	}
	if ev.UserID == "" || ent == nil || !ent.State.Granting() {
		return nil, nil
	}

	// Revenue at risk: the refunded amount when reported, otherwise the
	// entitlement's last period price.
	revenue := ev.AmountCents
	if revenue == nil {
		revenue = ent.LastAmountCents
	}

	return []models.DetectedIssue{{
		IssueType: d.ID(),
		Severity:  d.DefaultSeverity(),
		Title:     fmt.Sprintf("Refund without access revocation (%s)", ent.ProductID),
		Description: fmt.Sprintf("A %s event arrived for product %s but the entitlement is still %s.",
			ev.EventType, ent.ProductID, ent.State),
		UserID:                ev.UserID,
		EstimatedRevenueCents: revenue,
		Evidence: map[string]any{
			"eventId":          ev.ID,
			"eventType":        string(ev.EventType),
			"source":           ev.Source,
			"productId":        ent.ProductID,
			"entitlementState": string(ent.State),
		},
		Tier:     d.Tier(),
		DedupKey: fmt.Sprintf("%s:%s:%s", d.ID(), ev.UserID, ent.ProductID),
	}}, nil
}
