package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// Only access observations this recent count as evidence; anything older may
// predate the grant.
const accessCheckWindow = 24 * time.Hour

// PaidNoAccess pairs granting entitlements with app-reported access checks:
// a user the app says is locked out while billing says they pay is a
// verified revenue leak, promoted to the app-verified tier.
type PaidNoAccess struct {
	store *store.Store
}

// NewPaidNoAccess returns the detector.
func NewPaidNoAccess(s *store.Store) *PaidNoAccess { return &PaidNoAccess{store: s} }

func (d *PaidNoAccess) ID() string                       { return "paid_no_access" }
func (d *PaidNoAccess) Category() Category               { return CategoryVerified }
func (d *PaidNoAccess) Scope() Scope                     { return ScopePerUser }
func (d *PaidNoAccess) Tier() models.DetectionTier       { return models.TierAppVerified }
func (d *PaidNoAccess) DefaultSeverity() models.Severity { return models.SeverityCritical }

func (d *PaidNoAccess) ScheduledScan(ctx context.Context, orgID string, now time.Time) ([]models.DetectedIssue, error) {
	ents, err := d.store.ListGrantingEntitlements(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var findings []models.DetectedIssue
	seen := make(map[string]bool)
	for _, ent := range ents {
		if seen[ent.UserID] {
			continue
		}
		seen[ent.UserID] = true

		check, err := d.store.LatestAccessCheck(ctx, orgID, ent.UserID, now.Add(-accessCheckWindow))
		if err != nil {
			return nil, err
		}
		if check == nil || check.HasAccess {
			continue
		}
		findings = append(findings, d.finding(ent, check, now))
	}
	return findings, nil
}

func (d *PaidNoAccess) finding(ent *models.Entitlement, check *models.AccessCheck, now time.Time) models.DetectedIssue {
	confidence := accessConfidence(now.Sub(check.ObservedAt))
	return models.DetectedIssue{
		IssueType: d.ID(),
		Severity:  d.DefaultSeverity(),
		Title:     "Paying user reports no access",
		Description: fmt.Sprintf("Entitlement for %s via %s grants access, but the app observed the user locked out at %s.",
			ent.ProductID, ent.Source, check.ObservedAt.Format(time.RFC3339)),
		UserID:                ent.UserID,
		EstimatedRevenueCents: ent.LastAmountCents,
		Confidence:            &confidence,
		Evidence: map[string]any{
			"source":           ent.Source,
			"productId":        ent.ProductID,
			"entitlementState": string(ent.State),
			"observedAt":       check.ObservedAt.Format(time.RFC3339),
			"sourceTag":        check.SourceTag,
		},
		Tier:     d.Tier(),
		DedupKey: fmt.Sprintf("%s:%s", d.ID(), ent.UserID),
	}
}

// accessConfidence decays from 1.0 for a just-observed check down to 0.5 at
// the edge of the evidence window.
func accessConfidence(age time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	if age >= accessCheckWindow {
		return 0.5
	}
	return 1.0 - 0.5*(age.Seconds()/accessCheckWindow.Seconds())
}
