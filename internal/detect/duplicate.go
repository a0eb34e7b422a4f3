package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// DuplicateBilling finds users paying for the same product through more than
// one source at once. It runs per-event (cheap check scoped to the event's
// user) and as a scheduled scan over every granting entitlement.
type DuplicateBilling struct {
	store *store.Store
}

// NewDuplicateBilling returns the detector.
func NewDuplicateBilling(s *store.Store) *DuplicateBilling { return &DuplicateBilling{store: s} }

func (d *DuplicateBilling) ID() string                       { return "duplicate_billing" }
func (d *DuplicateBilling) Category() Category               { return CategoryCrossPlatform }
func (d *DuplicateBilling) Scope() Scope                     { return ScopePerUser }
func (d *DuplicateBilling) Tier() models.DetectionTier       { return models.TierOne }
func (d *DuplicateBilling) DefaultSeverity() models.Severity { return models.SeverityCritical }

// productFamily normalizes a product for cross-source comparison: exact ids
// match directly, and display names like "Pro Monthly" fold to "pro_monthly"
// so Stripe products and Apple product ids line up.
func productFamily(ent *models.Entitlement) string {
	name := ent.ProductID
	if ent.PlanTier != "" {
		name = ent.PlanTier
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func (d *DuplicateBilling) CheckEvent(ctx context.Context, ev *models.CanonicalEvent, ent *models.Entitlement) ([]models.DetectedIssue, error) {
	if ev.UserID == "" || ent == nil || !ent.State.Granting() {
		return nil, nil
	}
	switch ev.EventType {
	case models.EventPurchase, models.EventRenewal, models.EventTrialConversion:
	default:
		return nil, nil
	}

	ents, err := d.store.ListEntitlementsForUser(ctx, ev.OrgID, ev.UserID)
	if err != nil {
		return nil, err
	}
	return d.findConflicts(ents), nil
}

func (d *DuplicateBilling) ScheduledScan(ctx context.Context, orgID string, _ time.Time) ([]models.DetectedIssue, error) {
	ents, err := d.store.ListGrantingEntitlements(ctx, orgID)
	if err != nil {
		return nil, err
	}

	// Rows arrive ordered by user; group and check each user's slice.
	var findings []models.DetectedIssue
	start := 0
	for i := 1; i <= len(ents); i++ {
		if i == len(ents) || ents[i].UserID != ents[start].UserID {
			findings = append(findings, d.findConflicts(ents[start:i])...)
			start = i
		}
	}
	return findings, nil
}

// findConflicts raises one finding per conflicting source pair for the same
// product family within one user's entitlements.
func (d *DuplicateBilling) findConflicts(ents []*models.Entitlement) []models.DetectedIssue {
	byFamily := make(map[string][]*models.Entitlement)
	for _, ent := range ents {
		if !ent.State.Granting() {
			continue
		}
		family := productFamily(ent)
		if family == "" {
			continue
		}
		byFamily[family] = append(byFamily[family], ent)
	}

	var findings []models.DetectedIssue
	for family, group := range byFamily {
		sources := make(map[string]bool)
		for _, ent := range group {
			sources[ent.Source] = true
		}
		if len(sources) < 2 {
			continue
		}

		var revenue int64
		evidence := map[string]any{"productFamily": family}
		var pairs []string
		for _, ent := range group {
			if ent.LastAmountCents != nil {
				revenue += *ent.LastAmountCents
			}
			pairs = append(pairs, ent.Source+":"+ent.ProductID)
		}
		evidence["entitlements"] = pairs

		severity := d.DefaultSeverity()
		findings = append(findings, models.DetectedIssue{
			IssueType:             d.ID(),
			Severity:              severity,
			Title:                 fmt.Sprintf("Duplicate billing for %s across %d sources", family, len(sources)),
			UserID:                group[0].UserID,
			EstimatedRevenueCents: &revenue,
			Evidence:              evidence,
			Tier:                  d.Tier(),
			DedupKey:              fmt.Sprintf("%s:%s:%s", d.ID(), group[0].UserID, family),
		})
	}
	return findings
}
