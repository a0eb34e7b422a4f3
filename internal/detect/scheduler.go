package detect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/internal/entitlements"
	"github.com/revguard/revguard/internal/issues"
	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// Issues on the app-verified tier auto-resolve once the evidence goes stale.
const verifiedIssueTTL = 48 * time.Hour

// Scheduler drives the periodic work: scan detectors per organization,
// entitlement lapse sweeps, stale-issue auto-resolution, and retention
// pruning. One run per (org, detector) at a time; a tick that arrives while
// the previous scan is still going is skipped for that pair.
type Scheduler struct {
	store     *store.Store
	engine    *Engine
	projector *entitlements.Projector
	issues    *issues.Service
	cfg       *config.Config
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]bool // "{orgID}/{detectorID}"

	stop chan struct{}
	done chan struct{}
}

// NewScheduler wires the periodic driver. Call Start to begin ticking.
func NewScheduler(s *store.Store, engine *Engine, projector *entitlements.Projector, issueSvc *issues.Service, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store:     s,
		engine:    engine,
		projector: projector,
		issues:    issueSvc,
		cfg:       cfg,
		logger:    logging.With("scheduler"),
		active:    make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the tick loop in its own goroutine.
func (sc *Scheduler) Start(ctx context.Context) {
	go sc.run(ctx)
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (sc *Scheduler) Stop() {
	close(sc.stop)
	<-sc.done
}

func (sc *Scheduler) run(ctx context.Context) {
	defer close(sc.done)

	interval := sc.cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sc.logger.Info().Dur("interval", interval).Msg("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stop:
			return
		case <-ticker.C:
			sc.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one full pass over every organization. Exported so operators can
// trigger a pass on demand.
func (sc *Scheduler) Tick(ctx context.Context, now time.Time) {
	orgs, err := sc.store.ListOrganizations(ctx)
	if err != nil {
		sc.logger.Error().Err(err).Msg("Failed to list organizations")
		return
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, org := range orgs {
		orgID := org.ID
		g.Go(func() error {
			sc.runOrg(ctx, orgID, now)
			return nil
		})
	}
	_ = g.Wait()

	sc.prune(ctx, now)
}

func (sc *Scheduler) runOrg(ctx context.Context, orgID string, now time.Time) {
	sc.sweepLapsed(ctx, orgID, now)

	for _, d := range sc.engine.Detectors() {
		sd, ok := d.(ScanDetector)
		if !ok {
			continue
		}
		if !sc.acquire(orgID, d.ID()) {
			sc.logger.Debug().
				Str("org_id", orgID).
				Str("detector", d.ID()).
				Msg("Previous scan still running, skipping tick")
			continue
		}

		scanCtx, cancel := context.WithTimeout(ctx, sc.cfg.ScanTimeout)
		created, updated := sc.engine.RunScan(scanCtx, orgID, sd, now)
		cancel()
		sc.release(orgID, d.ID())

		if created+updated > 0 {
			sc.logger.Info().
				Str("org_id", orgID).
				Str("detector", d.ID()).
				Int("created", created).
				Int("updated", updated).
				Msg("Scan produced findings")
		}

		if sd.Tier() == models.TierAppVerified {
			if n, err := sc.issues.AutoResolveStale(ctx, orgID, d.ID(), verifiedIssueTTL, now); err != nil {
				sc.logger.Error().Err(err).Str("detector", d.ID()).Msg("Auto-resolve sweep failed")
			} else if n > 0 {
				sc.logger.Info().Str("detector", d.ID()).Int("resolved", n).Msg("Auto-resolved stale issues")
			}
		}
	}
}

// sweepLapsed moves entitlements whose paid period expired past the grace
// window into grace_period, per connection so each source's grace setting
// applies.
func (sc *Scheduler) sweepLapsed(ctx context.Context, orgID string, now time.Time) {
	conns, err := sc.store.ListActiveConnections(ctx, orgID)
	if err != nil {
		sc.logger.Error().Err(err).Str("org_id", orgID).Msg("Failed to list connections for lapse sweep")
		return
	}
	for _, conn := range conns {
		n, err := sc.projector.SweepLapsed(ctx, orgID, conn.Source, conn.GraceDays, now)
		if err != nil {
			sc.logger.Error().Err(err).
				Str("org_id", orgID).
				Str("source", conn.Source).
				Msg("Lapse sweep failed")
			continue
		}
		if n > 0 {
			sc.logger.Info().
				Str("org_id", orgID).
				Str("source", conn.Source).
				Int("lapsed", n).
				Msg("Entitlements moved to grace period")
		}
	}
}

func (sc *Scheduler) prune(ctx context.Context, now time.Time) {
	rawCutoff := now.Add(-time.Duration(sc.cfg.RawLogRetentionDays) * 24 * time.Hour)
	if n, err := sc.store.PruneRawWebhooks(ctx, rawCutoff); err != nil {
		sc.logger.Error().Err(err).Msg("Raw webhook prune failed")
	} else if n > 0 {
		sc.logger.Info().Int64("pruned", n).Msg("Pruned raw webhook log")
	}

	checkCutoff := now.Add(-sc.cfg.AccessCheckReplayTTL)
	if n, err := sc.store.PruneUnresolvedAccessChecks(ctx, checkCutoff); err != nil {
		sc.logger.Error().Err(err).Msg("Access check prune failed")
	} else if n > 0 {
		sc.logger.Info().Int64("pruned", n).Msg("Pruned unresolved access checks")
	}
}

func (sc *Scheduler) acquire(orgID, detectorID string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	key := orgID + "/" + detectorID
	if sc.active[key] {
		return false
	}
	sc.active[key] = true
	return true
}

func (sc *Scheduler) release(orgID, detectorID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.active, orgID+"/"+detectorID)
}
