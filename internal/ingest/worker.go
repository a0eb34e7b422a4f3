package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/revguard/revguard/internal/entitlements"
	apperrors "github.com/revguard/revguard/internal/errors"
	"github.com/revguard/revguard/internal/metrics"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/providers"
	"github.com/revguard/revguard/internal/store"
)

// process drives one raw delivery to a terminal status. Transient failures are
// rescheduled with exponential backoff until the attempt budget runs out.
func (p *Pool) process(ctx context.Context, j job) {
	timer := prometheus.NewTimer(metrics.ProcessingDuration.WithLabelValues(j.source))
	defer timer.ObserveDuration()

	procCtx := ctx
	if p.cfg.EventTimeout > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(ctx, p.cfg.EventTimeout)
		defer cancel()
	}

	raw, err := p.store.GetRawWebhook(procCtx, j.rawID)
	if err != nil || raw == nil {
		p.logger.Error().Err(err).Str("raw_id", j.rawID).Msg("Failed to load raw delivery")
		return
	}

	attempts, err := p.store.IncrementRawAttempts(procCtx, j.rawID)
	if err != nil {
		p.logger.Error().Err(err).Str("raw_id", j.rawID).Msg("Failed to bump attempt counter")
		return
	}

	outcome := p.handle(procCtx, raw)
	switch {
	case outcome.err == nil:
		p.finish(procCtx, raw, store.RawStatusUpdate{
			Status:          models.RawProcessed,
			ExternalEventID: outcome.externalEventID,
			EventType:       outcome.eventType,
		}, "processed")

	case apperrors.KindOf(outcome.err) == apperrors.KindAuth:
		p.finish(procCtx, raw, store.RawStatusUpdate{
			Status:       models.RawSkipped,
			ErrorMessage: outcome.err.Error(),
		}, "skipped")

	case apperrors.IsRetryable(outcome.err) && attempts < p.cfg.MaxIngestRetries:
		p.reschedule(ctx, j, attempts, outcome.err)

	default:
		p.finish(procCtx, raw, store.RawStatusUpdate{
			Status:       models.RawFailed,
			ErrorMessage: outcome.err.Error(),
		}, "failed")
	}
}

type handleOutcome struct {
	err             error
	externalEventID string
	eventType       string
}

// handle runs the verify -> normalize -> resolve -> persist -> project ->
// detect pipeline for one delivery.
func (p *Pool) handle(ctx context.Context, raw *models.RawWebhookLog) (out handleOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out.err = apperrors.FromPanic("ingest.handle", r)
		}
	}()

	normalizer := p.registry.Get(raw.Source)
	if normalizer == nil {
		out.err = apperrors.Auth("ingest.route", raw.Source, fmt.Errorf("unknown source %q", raw.Source))
		return out
	}

	conn, err := p.store.GetConnection(ctx, raw.OrgID, raw.Source)
	if err != nil {
		out.err = apperrors.Transient("ingest.connection", raw.Source, err)
		return out
	}
	if conn == nil || !conn.IsActive {
		out.err = apperrors.Auth("ingest.connection", raw.Source, fmt.Errorf("no active connection"))
		return out
	}

	secret, err := p.secrets.get(conn)
	if err != nil {
		out.err = apperrors.Transient("ingest.secret", raw.Source, err)
		return out
	}

	webhook := &providers.RawWebhook{
		ID:         raw.ID,
		OrgID:      raw.OrgID,
		Source:     raw.Source,
		Headers:    raw.Headers,
		Body:       raw.Body,
		ReceivedAt: raw.ReceivedAt,
	}

	if err := normalizer.VerifySignature(webhook, secret, time.Now()); err != nil {
		metrics.WebhooksRejected.WithLabelValues(raw.Source, "signature").Inc()
		out.err = err
		return out
	}

	events, err := normalizer.Normalize(raw.OrgID, webhook)
	if err != nil {
		metrics.WebhooksRejected.WithLabelValues(raw.Source, "malformed").Inc()
		out.err = err
		return out
	}

	userID, err := p.resolver.Resolve(ctx, raw.OrgID, normalizer.ExtractIdentityHints(webhook))
	if err != nil {
		out.err = apperrors.Transient("ingest.identity", raw.Source, err)
		return out
	}

	for _, ev := range events {
		ev.UserID = userID
		if err := p.persistAndProject(ctx, ev); err != nil {
			out.err = err
			return out
		}
		if out.externalEventID == "" {
			out.externalEventID = ev.IdempotencyKey
			out.eventType = string(ev.EventType)
		}
	}

	if err := p.store.TouchConnectionWebhook(ctx, raw.OrgID, raw.Source, raw.ReceivedAt); err != nil {
		p.logger.Warn().Err(err).Str("source", raw.Source).Msg("Failed to touch connection freshness")
	}
	return out
}

// persistAndProject writes one canonical event, folds it into the entitlement
// projection, and runs the per-event detectors. Idempotency duplicates are
// counted and skipped without error.
func (p *Pool) persistAndProject(ctx context.Context, ev *models.CanonicalEvent) error {
	inserted, err := p.store.InsertCanonicalEvent(ctx, ev)
	if err != nil {
		return apperrors.Transient("ingest.persist", ev.Source, err)
	}
	if !inserted {
		metrics.EventsDuplicate.WithLabelValues(ev.Source).Inc()
		return nil
	}
	metrics.EventsNormalized.WithLabelValues(ev.Source, string(ev.EventType)).Inc()

	ent, conflict, err := p.projector.Apply(ctx, ev)
	if err != nil {
		return apperrors.Transient("ingest.project", ev.Source, err)
	}
	if conflict {
		metrics.ProjectionConflicts.WithLabelValues(ev.Source).Inc()
		p.reportConflict(ctx, ev, ent)
	}

	if created := p.engine.CheckEvent(ctx, ev, ent); created > 0 {
		metrics.IssuesOpened.WithLabelValues("event").Add(float64(created))
	}
	return nil
}

// reportConflict raises an informational issue when an event could not be
// applied to its entitlement. The projection keeps its previous state; the
// issue preserves the evidence for operators.
func (p *Pool) reportConflict(ctx context.Context, ev *models.CanonicalEvent, ent *models.Entitlement) {
	state := "absent"
	if ent != nil {
		state = string(ent.State)
	}
	_, _, err := p.issues.Report(ctx, ev.OrgID, "projection_conflict", models.DetectedIssue{
		IssueType: "projection_conflict",
		Severity:  models.SeverityInfo,
		Title:     fmt.Sprintf("Unexpected %s event in state %s", ev.EventType, state),
		Description: fmt.Sprintf("A %s event from %s could not be applied to the entitlement's current state.",
			ev.EventType, ev.Source),
		UserID: ev.UserID,
		Evidence: map[string]any{
			"eventId":          ev.ID,
			"eventType":        string(ev.EventType),
			"source":           ev.Source,
			"entitlementState": state,
		},
		Tier:     models.TierOne,
		DedupKey: fmt.Sprintf("projection_conflict:%s:%s", ev.UserID, entitlements.ProductKey(ev)),
	})
	if err != nil {
		p.logger.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to report projection conflict")
	}
}

// ReplayPayload pushes one provider payload fetched over an authenticated
// history API through the normalize -> resolve -> persist -> project path.
// Signature verification is skipped; idempotency makes replays safe. Returns
// how many events were newly inserted.
func (p *Pool) ReplayPayload(ctx context.Context, orgID, source string, payload []byte) (int, error) {
	normalizer := p.registry.Get(source)
	if normalizer == nil {
		return 0, apperrors.Validation("ingest.replay", source, fmt.Errorf("unknown source %q", source))
	}

	webhook := &providers.RawWebhook{
		OrgID:      orgID,
		Source:     source,
		Body:       payload,
		ReceivedAt: time.Now().UTC(),
	}
	events, err := normalizer.Normalize(orgID, webhook)
	if err != nil {
		return 0, err
	}
	userID, err := p.resolver.Resolve(ctx, orgID, normalizer.ExtractIdentityHints(webhook))
	if err != nil {
		return 0, apperrors.Transient("ingest.identity", source, err)
	}

	inserted := 0
	for _, ev := range events {
		ev.UserID = userID
		ok, err := p.store.InsertCanonicalEvent(ctx, ev)
		if err != nil {
			return inserted, apperrors.Transient("ingest.persist", source, err)
		}
		if !ok {
			continue
		}
		inserted++
		ent, conflict, err := p.projector.Apply(ctx, ev)
		if err != nil {
			return inserted, apperrors.Transient("ingest.project", source, err)
		}
		if conflict {
			p.reportConflict(ctx, ev, ent)
		}
		p.engine.CheckEvent(ctx, ev, ent)
	}
	return inserted, nil
}

// reschedule puts the job back on its partition after an exponential delay.
func (p *Pool) reschedule(ctx context.Context, j job, attempts int, cause error) {
	delay := retryBaseDelay << (attempts - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	p.logger.Warn().Err(cause).
		Str("raw_id", j.rawID).
		Int("attempt", attempts).
		Dur("delay", delay).
		Msg("Transient ingest failure, rescheduling")

	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		p.offer(ctx, j, enqueueWait)
	})
}

func (p *Pool) finish(ctx context.Context, raw *models.RawWebhookLog, upd store.RawStatusUpdate, outcome string) {
	now := time.Now().UTC()
	upd.ProcessedAt = &now
	if err := p.store.SetRawStatus(ctx, raw.ID, upd); err != nil {
		p.logger.Error().Err(err).Str("raw_id", raw.ID).Msg("Failed to set terminal raw status")
	}
	metrics.ProcessingOutcomes.WithLabelValues(raw.Source, outcome).Inc()

	event := p.logger.Debug()
	if outcome == "failed" {
		event = p.logger.Warn()
	}
	event.
		Str("raw_id", raw.ID).
		Str("org_id", raw.OrgID).
		Str("source", raw.Source).
		Str("outcome", outcome).
		Msg("Webhook delivery finished")
}
