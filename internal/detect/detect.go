package detect

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/revguard/revguard/internal/errors"
	"github.com/revguard/revguard/internal/issues"
	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// Category groups detectors for reporting.
type Category string

const (
	CategoryIntegrationHealth Category = "integration_health"
	CategoryCrossPlatform     Category = "cross_platform"
	CategoryRevenueProtection Category = "revenue_protection"
	CategoryVerified          Category = "verified"
)

// Scope says whether a detector looks at one user or at aggregates.
type Scope string

const (
	ScopePerUser   Scope = "per_user"
	ScopeAggregate Scope = "aggregate"
)

// Detector is the common surface every rule implements.
type Detector interface {
	ID() string
	Category() Category
	Scope() Scope
	Tier() models.DetectionTier
	DefaultSeverity() models.Severity
}

// EventDetector runs inline after each event is projected. Implementations
// must stay cheap: single-digit store round-trips.
type EventDetector interface {
	Detector
	CheckEvent(ctx context.Context, ev *models.CanonicalEvent, ent *models.Entitlement) ([]models.DetectedIssue, error)
}

// ScanDetector runs on the scheduler tick and sees aggregate state.
type ScanDetector interface {
	Detector
	ScheduledScan(ctx context.Context, orgID string, now time.Time) ([]models.DetectedIssue, error)
}

// Engine owns the detector set and routes findings into the issue lifecycle.
// A panic or error in one detector is contained; the others still run.
type Engine struct {
	store     *store.Store
	issues    *issues.Service
	detectors []Detector
	logger    zerolog.Logger
}

// NewEngine builds an engine with the default detector catalogue.
func NewEngine(s *store.Store, issueSvc *issues.Service) *Engine {
	e := &Engine{
		store:  s,
		issues: issueSvc,
		logger: logging.With("detect"),
	}
	e.detectors = []Detector{
		NewUnrevokedRefund(s),
		NewDuplicateBilling(s),
		NewWebhookDeliveryGap(s),
		NewRenewalAnomaly(s),
		NewDataFreshness(s),
		NewPaidNoAccess(s),
	}
	return e
}

// Detectors returns the registered catalogue.
func (e *Engine) Detectors() []Detector { return e.detectors }

// CheckEvent runs every per-event detector against one freshly projected
// event. Returns how many issues were created.
func (e *Engine) CheckEvent(ctx context.Context, ev *models.CanonicalEvent, ent *models.Entitlement) int {
	created := 0
	for _, d := range e.detectors {
		ed, ok := d.(EventDetector)
		if !ok {
			continue
		}
		findings, err := e.runEventDetector(ctx, ed, ev, ent)
		if err != nil {
			e.logger.Error().Err(err).
				Str("detector", d.ID()).
				Str("event_id", ev.ID).
				Msg("Per-event detector failed")
			continue
		}
		created += e.report(ctx, ev.OrgID, d.ID(), findings)
	}
	return created
}

func (e *Engine) runEventDetector(ctx context.Context, d EventDetector, ev *models.CanonicalEvent, ent *models.Entitlement) (findings []models.DetectedIssue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.FromPanic("detect."+d.ID(), r)
		}
	}()
	return d.CheckEvent(ctx, ev, ent)
}

// RunScan executes one scheduled detector for one organization, recording the
// run in the ledger. Errors land on the DetectorRun row and never propagate.
func (e *Engine) RunScan(ctx context.Context, orgID string, d ScanDetector, now time.Time) (created, updated int) {
	runID, err := e.store.StartDetectorRun(ctx, orgID, d.ID(), now)
	if err != nil {
		e.logger.Error().Err(err).Str("detector", d.ID()).Msg("Failed to start detector run")
		return 0, 0
	}

	findings, scanErr := e.runScanDetector(ctx, d, orgID, now)
	aborted := ctx.Err() != nil

	var errMsg string
	if scanErr != nil {
		errMsg = scanErr.Error()
		e.logger.Error().Err(scanErr).
			Str("org_id", orgID).
			Str("detector", d.ID()).
			Msg("Scheduled scan failed")
	} else {
		for _, finding := range findings {
			_, wasCreated, err := e.issues.Report(ctx, orgID, d.ID(), finding)
			if err != nil {
				errMsg = err.Error()
				break
			}
			if wasCreated {
				created++
			} else {
				updated++
			}
		}
	}

	if err := e.store.FinishDetectorRun(ctx, runID, created, updated, errMsg, aborted, time.Now()); err != nil {
		e.logger.Error().Err(err).Str("detector", d.ID()).Msg("Failed to finish detector run")
	}
	return created, updated
}

func (e *Engine) runScanDetector(ctx context.Context, d ScanDetector, orgID string, now time.Time) (findings []models.DetectedIssue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.FromPanic("detect."+d.ID(), r)
		}
	}()
	return d.ScheduledScan(ctx, orgID, now)
}

func (e *Engine) report(ctx context.Context, orgID, detectorID string, findings []models.DetectedIssue) int {
	created := 0
	for _, finding := range findings {
		_, wasCreated, err := e.issues.Report(ctx, orgID, detectorID, finding)
		if err != nil {
			e.logger.Error().Err(err).
				Str("detector", detectorID).
				Str("dedup_key", finding.DedupKey).
				Msg("Failed to report issue")
			continue
		}
		if wasCreated {
			created++
		}
	}
	return created
}
