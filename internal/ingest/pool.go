package ingest

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/internal/crypto"
	"github.com/revguard/revguard/internal/detect"
	"github.com/revguard/revguard/internal/entitlements"
	"github.com/revguard/revguard/internal/identity"
	"github.com/revguard/revguard/internal/issues"
	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/metrics"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/providers"
	"github.com/revguard/revguard/internal/store"
)

const (
	partitionBuffer = 256
	enqueueWait     = 5 * time.Second
	retryBaseDelay  = time.Second
	retryMaxDelay   = 5 * time.Minute
	recoverEvery    = time.Minute
)

type job struct {
	rawID  string
	orgID  string
	source string
}

// Pool processes raw webhook deliveries. Jobs are partitioned by (org, source)
// so every source's deliveries for one tenant are handled in order while
// different tenants proceed in parallel.
type Pool struct {
	store     *store.Store
	registry  *providers.Registry
	resolver  *identity.Resolver
	projector *entitlements.Projector
	engine    *detect.Engine
	issues    *issues.Service
	secrets   *secretCache
	cfg       *config.Config
	logger    zerolog.Logger

	partitions      []chan job
	recoverInterval time.Duration
	wg              sync.WaitGroup
	cancel          context.CancelFunc
}

// NewPool wires the ingest pipeline. Call Start before enqueuing.
func NewPool(s *store.Store, registry *providers.Registry, resolver *identity.Resolver,
	projector *entitlements.Projector, engine *detect.Engine, issueSvc *issues.Service,
	cryptoMgr *crypto.Manager, cfg *config.Config) *Pool {

	workers := cfg.IngestWorkers
	if workers < 1 {
		workers = 1
	}
	partitions := make([]chan job, workers)
	for i := range partitions {
		partitions[i] = make(chan job, partitionBuffer)
	}
	return &Pool{
		store:           s,
		registry:        registry,
		resolver:        resolver,
		projector:       projector,
		engine:          engine,
		issues:          issueSvc,
		secrets:         newSecretCache(cryptoMgr, cfg.SecretCacheTTL),
		cfg:             cfg,
		logger:          logging.With("ingest"),
		partitions:      partitions,
		recoverInterval: recoverEvery,
	}
}

// Start launches one worker per partition plus the recovery sweep, which
// periodically re-offers rows that were deferred under backpressure.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i, ch := range p.partitions {
		p.wg.Add(1)
		go p.work(ctx, i, ch)
	}
	p.wg.Add(1)
	go p.recoveryLoop(ctx)
	p.logger.Info().Int("workers", len(p.partitions)).Msg("Ingest pool started")
}

// Stop signals the workers and waits for in-flight jobs to finish. Queued jobs
// remain in the raw log and are recovered on the next start.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Enqueue persists the delivery and hands it to its partition. The returned
// raw row is durable even when the queue is saturated; queued reports whether
// a worker will pick it up now (false means the caller should answer 202 and
// the recovery sweep will retry).
func (p *Pool) Enqueue(ctx context.Context, orgID, source string, headers map[string]string, body []byte) (*models.RawWebhookLog, bool, error) {
	raw := &models.RawWebhookLog{
		OrgID:   orgID,
		Source:  source,
		Headers: headers,
		Body:    body,
	}
	if err := p.store.InsertRawWebhook(ctx, raw); err != nil {
		return nil, false, err
	}
	metrics.WebhooksReceived.WithLabelValues(source).Inc()

	queued := p.offer(ctx, job{rawID: raw.ID, orgID: orgID, source: source}, enqueueWait)
	if queued {
		if err := p.store.SetRawStatus(ctx, raw.ID, store.RawStatusUpdate{Status: models.RawQueued}); err != nil {
			p.logger.Error().Err(err).Str("raw_id", raw.ID).Msg("Failed to mark raw row queued")
		}
		raw.ProcessingStatus = models.RawQueued
	} else {
		p.logger.Warn().
			Str("org_id", orgID).
			Str("source", source).
			Msg("Ingest queue saturated, delivery deferred to recovery sweep")
	}
	return raw, queued, nil
}

// RecoverPending re-enqueues rows that never reached a worker: accepted under
// backpressure, or queued when the process last stopped.
func (p *Pool) RecoverPending(ctx context.Context) {
	orgs, err := p.store.ListOrganizations(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Recovery sweep failed to list organizations")
		return
	}
	for _, org := range orgs {
		for _, status := range []models.RawWebhookStatus{models.RawReceived, models.RawQueued} {
			rows, err := p.store.ListRawWebhooks(ctx, org.ID, store.RawLogFilter{Status: status, Limit: 500})
			if err != nil {
				p.logger.Error().Err(err).Str("org_id", org.ID).Msg("Recovery sweep failed")
				continue
			}
			for _, raw := range rows {
				p.offer(ctx, job{rawID: raw.ID, orgID: raw.OrgID, source: raw.Source}, 0)
			}
		}
	}
}

func (p *Pool) recoveryLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.recoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RecoverPending(ctx)
		}
	}
}

// offer routes a job to its partition, waiting up to the given grace before
// giving up. A zero grace is a non-blocking attempt.
func (p *Pool) offer(ctx context.Context, j job, grace time.Duration) bool {
	ch := p.partitions[p.partition(j.orgID, j.source)]
	if grace <= 0 {
		select {
		case ch <- j:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case ch <- j:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) partition(orgID, source string) int {
	h := fnv.New32a()
	h.Write([]byte(orgID))
	h.Write([]byte{'/'})
	h.Write([]byte(source))
	return int(h.Sum32() % uint32(len(p.partitions)))
}

func (p *Pool) work(ctx context.Context, idx int, ch chan job) {
	defer p.wg.Done()
	gauge := metrics.QueueDepth.WithLabelValues(strconv.Itoa(idx))
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-ch:
			gauge.Set(float64(len(ch)))
			p.process(ctx, j)
		}
	}
}
