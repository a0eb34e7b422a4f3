package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

const (
	renewalWindowHours  = 6
	renewalBaselineDays = 30

	// A source must average at least this many renewals per six-hour bucket
	// before the anomaly math means anything.
	renewalMinExpected = 2.0

	renewalCriticalDropPct = 60.0
	renewalWarningDropPct  = 30.0
	renewalSilenceFloor    = 10.0
)

// RenewalAnomaly compares the last six hours of successful renewals per source
// against a thirty-day baseline and flags sharp drops, which usually mean the
// provider stopped charging or stopped delivering webhooks.
type RenewalAnomaly struct {
	store *store.Store
}

// NewRenewalAnomaly returns the detector.
func NewRenewalAnomaly(s *store.Store) *RenewalAnomaly { return &RenewalAnomaly{store: s} }

func (d *RenewalAnomaly) ID() string                       { return "renewal_anomaly" }
func (d *RenewalAnomaly) Category() Category               { return CategoryRevenueProtection }
func (d *RenewalAnomaly) Scope() Scope                     { return ScopeAggregate }
func (d *RenewalAnomaly) Tier() models.DetectionTier       { return models.TierOne }
func (d *RenewalAnomaly) DefaultSeverity() models.Severity { return models.SeverityWarning }

func (d *RenewalAnomaly) ScheduledScan(ctx context.Context, orgID string, now time.Time) ([]models.DetectedIssue, error) {
	conns, err := d.store.ListActiveConnections(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var findings []models.DetectedIssue
	for _, conn := range conns {
		finding, err := d.checkSource(ctx, orgID, conn.Source, now)
		if err != nil {
			return nil, err
		}
		if finding != nil {
			findings = append(findings, *finding)
		}
	}
	return findings, nil
}

// renewalSeverity grades a drop against the anomaly thresholds. Total silence
// on a high-volume source is always critical regardless of the percentage.
func renewalSeverity(recent int, expected, drop float64) (models.Severity, bool) {
	switch {
	case drop >= renewalCriticalDropPct || (recent == 0 && expected >= renewalSilenceFloor):
		return models.SeverityCritical, true
	case drop >= renewalWarningDropPct:
		return models.SeverityWarning, true
	default:
		return "", false
	}
}

func (d *RenewalAnomaly) checkSource(ctx context.Context, orgID, source string, now time.Time) (*models.DetectedIssue, error) {
	baseline, err := d.store.CountEvents(ctx, orgID, source, models.EventRenewal,
		models.EventStatusSuccess, now.Add(-renewalBaselineDays*24*time.Hour))
	if err != nil {
		return nil, err
	}

	// Thirty days hold 120 six-hour buckets.
	expected := float64(baseline) / (renewalBaselineDays * 24 / renewalWindowHours)
	if expected < renewalMinExpected {
		return nil, nil
	}

	recent, err := d.store.CountEvents(ctx, orgID, source, models.EventRenewal,
		models.EventStatusSuccess, now.Add(-renewalWindowHours*time.Hour))
	if err != nil {
		return nil, err
	}

	drop := (expected - float64(recent)) / expected * 100
	severity, anomalous := renewalSeverity(recent, expected, drop)
	if !anomalous {
		return nil, nil
	}

	return &models.DetectedIssue{
		IssueType: d.ID(),
		Severity:  severity,
		Title:     fmt.Sprintf("Renewal volume dropped %.0f%% on %s", drop, source),
		Description: fmt.Sprintf("Saw %d successful renewals in the last %d hours against an expected %.1f.",
			recent, renewalWindowHours, expected),
		Evidence: map[string]any{
			"source":        source,
			"recentCount":   recent,
			"expectedCount": expected,
			"dropPercent":   drop,
			"windowHours":   renewalWindowHours,
			"baselineDays":  renewalBaselineDays,
		},
		Tier:     d.Tier(),
		DedupKey: fmt.Sprintf("%s:%s", d.ID(), source),
	}, nil
}
