package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// Baseline clipping bounds for expected webhook inter-arrival times.
const (
	gapBaselineFloor   = 5 * time.Minute
	gapBaselineCeiling = 2 * time.Hour
	gapBaselineDays    = 7
	gapMinimumGap      = 30 * time.Minute
)

// WebhookDeliveryGap watches each active connection's event stream and alerts
// when the silence exceeds a multiple of the historical inter-arrival time.
type WebhookDeliveryGap struct {
	store *store.Store
}

// NewWebhookDeliveryGap returns the detector.
func NewWebhookDeliveryGap(s *store.Store) *WebhookDeliveryGap { return &WebhookDeliveryGap{store: s} }

func (d *WebhookDeliveryGap) ID() string                       { return "webhook_delivery_gap" }
func (d *WebhookDeliveryGap) Category() Category               { return CategoryIntegrationHealth }
func (d *WebhookDeliveryGap) Scope() Scope                     { return ScopeAggregate }
func (d *WebhookDeliveryGap) Tier() models.DetectionTier       { return models.TierOne }
func (d *WebhookDeliveryGap) DefaultSeverity() models.Severity { return models.SeverityWarning }

func (d *WebhookDeliveryGap) ScheduledScan(ctx context.Context, orgID string, now time.Time) ([]models.DetectedIssue, error) {
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

func (d *WebhookDeliveryGap) checkSource(ctx context.Context, orgID, source string, now time.Time) (*models.DetectedIssue, error) {
	last, err := d.store.LastEventTime(ctx, orgID, source)
	if err != nil {
		return nil, err
	}
	if last == nil {
		// Never delivered; connection-health reporting covers this case.
		return nil, nil
	}

	baseline, samples, err := d.baseline(ctx, orgID, source, now)
	if err != nil {
		return nil, err
	}
	if samples < 2 {
		return nil, nil
	}

	gap := now.Sub(*last)
	threshold := 3 * baseline
	if threshold < gapMinimumGap {
		threshold = gapMinimumGap
	}
	if gap <= threshold {
		return nil, nil
	}

	// The 30-minute floor carries into the escalation: a chatty source with a
	// tiny baseline still needs hours of silence before going critical.
	escalation := baseline
	if escalation < gapMinimumGap {
		escalation = gapMinimumGap
	}
	severity := models.SeverityWarning
	if gap > 6*escalation {
		severity = models.SeverityCritical
	}

	return &models.DetectedIssue{
		IssueType: d.ID(),
		Severity:  severity,
		Title:     fmt.Sprintf("No %s webhooks for %s", source, gap.Round(time.Minute)),
		Description: fmt.Sprintf("Expected a delivery roughly every %s based on the last %d days.",
			baseline.Round(time.Minute), gapBaselineDays),
		Evidence: map[string]any{
			"source":          source,
			"gapSeconds":      int64(gap.Seconds()),
			"baselineSeconds": int64(baseline.Seconds()),
			"lastEventAt":     last.Format(time.RFC3339),
			"samples":         samples,
		},
		Tier:     d.Tier(),
		DedupKey: fmt.Sprintf("%s:%s", d.ID(), source),
	}, nil
}

// baseline computes the median inter-arrival time over the lookback window,
// clipped to [5 min, 2 h].
func (d *WebhookDeliveryGap) baseline(ctx context.Context, orgID, source string, now time.Time) (time.Duration, int, error) {
	times, err := d.store.EventTimesSince(ctx, orgID, source, now.Add(-gapBaselineDays*24*time.Hour))
	if err != nil {
		return 0, 0, err
	}
	if len(times) < 2 {
		return 0, len(times), nil
	}

	deltas := make([]time.Duration, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		deltas = append(deltas, times[i].Sub(times[i-1]))
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })

	median := deltas[len(deltas)/2]
	if len(deltas)%2 == 0 {
		median = (deltas[len(deltas)/2-1] + deltas[len(deltas)/2]) / 2
	}
	if median < gapBaselineFloor {
		median = gapBaselineFloor
	}
	if median > gapBaselineCeiling {
		median = gapBaselineCeiling
	}
	return median, len(times), nil
}
