package issues

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/revguard/revguard/internal/alerting"
	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// Service owns the issue lifecycle: dedup on report, the status lattice, and
// emitting every creation or transition to the alert dispatcher.
type Service struct {
	store      *store.Store
	dispatcher *alerting.Dispatcher
	logger     zerolog.Logger
}

// NewService builds the lifecycle service. The dispatcher may be nil in tests
// that only exercise state transitions.
func NewService(s *store.Store, dispatcher *alerting.Dispatcher) *Service {
	return &Service{store: s, dispatcher: dispatcher, logger: logging.With("issues")}
}

// Report applies one detector finding. New issues alert immediately; updates
// to an already-open issue refresh evidence without re-alerting. The bool
// reports creation.
func (s *Service) Report(ctx context.Context, orgID, detectorID string, di models.DetectedIssue) (*models.Issue, bool, error) {
	issue, created, err := s.store.UpsertDetectedIssue(ctx, orgID, detectorID, di, time.Now())
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info().
			Str("org_id", orgID).
			Str("issue_id", issue.ID).
			Str("issue_type", issue.IssueType).
			Str("severity", string(issue.Severity)).
			Str("dedup_key", issue.DedupKey).
			Msg("Issue opened")
		s.emit(ctx, issue, "")
	}
	return issue, created, nil
}

// Acknowledge moves an open issue to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, orgID, id string) (*models.Issue, error) {
	return s.transition(ctx, orgID, id, models.IssueAcknowledged, "")
}

// Resolve closes an issue as fixed.
func (s *Service) Resolve(ctx context.Context, orgID, id, resolution string) (*models.Issue, error) {
	return s.transition(ctx, orgID, id, models.IssueResolved, resolution)
}

// Dismiss closes an issue as not actionable.
func (s *Service) Dismiss(ctx context.Context, orgID, id, resolution string) (*models.Issue, error) {
	return s.transition(ctx, orgID, id, models.IssueDismissed, resolution)
}

func (s *Service) transition(ctx context.Context, orgID, id string, to models.IssueStatus, resolution string) (*models.Issue, error) {
	issue, prev, err := s.store.TransitionIssue(ctx, orgID, id, to, resolution, time.Now())
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("org_id", orgID).
		Str("issue_id", id).
		Str("from", string(prev)).
		Str("to", string(to)).
		Msg("Issue transitioned")
	s.emit(ctx, issue, prev)
	return issue, nil
}

// AutoResolveStale closes open app-verified issues for a detector that have
// seen no re-detection within the ttl. Tier-2 evidence goes stale when access
// checks stop contradicting the billing data.
func (s *Service) AutoResolveStale(ctx context.Context, orgID, detectorID string, ttl time.Duration, now time.Time) (int, error) {
	open, err := s.store.ListOpenIssuesByDetector(ctx, orgID, detectorID)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, issue := range open {
		if issue.DetectionTier != models.TierAppVerified {
			continue
		}
		if now.Sub(issue.UpdatedAt) < ttl {
			continue
		}
		if _, err := s.Resolve(ctx, orgID, issue.ID, "auto-resolved: no contradicting evidence within "+ttl.String()); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// Get retrieves one issue.
func (s *Service) Get(ctx context.Context, orgID, id string) (*models.Issue, error) {
	return s.store.GetIssue(ctx, orgID, id)
}

// List returns issues matching the filter.
func (s *Service) List(ctx context.Context, orgID string, f store.IssueFilter) ([]*models.Issue, error) {
	return s.store.ListIssues(ctx, orgID, f)
}

// RevenueAtRisk totals the revenue estimates on open issues.
func (s *Service) RevenueAtRisk(ctx context.Context, orgID string) (int64, error) {
	return s.store.SumOpenRevenueAtRisk(ctx, orgID)
}

func (s *Service) emit(ctx context.Context, issue *models.Issue, prev models.IssueStatus) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(ctx, alerting.Message{Issue: issue, PreviousStatus: prev})
}
