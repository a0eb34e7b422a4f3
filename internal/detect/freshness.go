package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

const (
	// Annual plans still emit mid-cycle events (payment retries, plan
	// changes); an entitlement silent for longer than this is suspect.
	freshnessCutoffDays = 35

	freshnessWarnPct     = 10.0
	freshnessCriticalPct = 25.0
)

// DataFreshness measures what share of granting entitlements have not been
// touched by any event in over a month. A creeping stale fraction means the
// projection is drifting away from provider reality.
type DataFreshness struct {
	store *store.Store
}

// NewDataFreshness returns the detector.
func NewDataFreshness(s *store.Store) *DataFreshness { return &DataFreshness{store: s} }

func (d *DataFreshness) ID() string                       { return "data_freshness" }
func (d *DataFreshness) Category() Category               { return CategoryIntegrationHealth }
func (d *DataFreshness) Scope() Scope                     { return ScopeAggregate }
func (d *DataFreshness) Tier() models.DetectionTier       { return models.TierOne }
func (d *DataFreshness) DefaultSeverity() models.Severity { return models.SeverityWarning }

func (d *DataFreshness) ScheduledScan(ctx context.Context, orgID string, now time.Time) ([]models.DetectedIssue, error) {
	cutoff := now.Add(-freshnessCutoffDays * 24 * time.Hour)
	total, stale, err := d.store.EntitlementFreshness(ctx, orgID, cutoff)
	if err != nil {
		return nil, err
	}
	if total == 0 || stale == 0 {
		return nil, nil
	}

	pct := float64(stale) / float64(total) * 100
	var severity models.Severity
	switch {
	case pct >= freshnessCriticalPct:
		severity = models.SeverityCritical
	case pct >= freshnessWarnPct:
		severity = models.SeverityWarning
	default:
		return nil, nil
	}

	return []models.DetectedIssue{{
		IssueType: d.ID(),
		Severity:  severity,
		Title:     fmt.Sprintf("%.0f%% of active entitlements are stale", pct),
		Description: fmt.Sprintf("%d of %d granting entitlements saw no event in the last %d days.",
			stale, total, freshnessCutoffDays),
		Evidence: map[string]any{
			"staleCount":   stale,
			"totalCount":   total,
			"stalePercent": pct,
			"cutoffDays":   freshnessCutoffDays,
		},
		Tier:     d.Tier(),
		DedupKey: d.ID(),
	}}, nil
}
