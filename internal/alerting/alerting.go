package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/metrics"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// Message is what the issue lifecycle pushes to the sink: the issue after the
// change and the status it held before. A freshly created issue has an empty
// previous status.
type Message struct {
	Issue          *models.Issue
	PreviousStatus models.IssueStatus
}

// Sink delivers one message to an external channel. Implementations own their
// retry policy; the dispatcher records the outcome and moves on.
type Sink interface {
	Channel() string
	Deliver(ctx context.Context, cfg *models.AlertConfig, msg Message) error
}

// Dispatcher fans issue transitions out to every enabled alert config of the
// organization, applying a per-config token bucket (default 5 per 5 minutes).
// Delivery failures never roll back the issue transition.
type Dispatcher struct {
	store  *store.Store
	logger zerolog.Logger

	mu       sync.Mutex
	sinks    map[string]Sink
	limiters map[string]*rate.Limiter
}

// NewDispatcher builds a dispatcher with the given sinks registered by channel.
func NewDispatcher(s *store.Store, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		logger:   logging.With("alerting"),
		sinks:    make(map[string]Sink),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, sink := range sinks {
		d.sinks[sink.Channel()] = sink
	}
	return d
}

// Dispatch pushes one message through every enabled channel of the issue's
// organization. Each config gets its own delivery-log row.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	configs, err := d.store.ListAlertConfigs(ctx, msg.Issue.OrgID)
	if err != nil {
		d.logger.Error().Err(err).Str("org_id", msg.Issue.OrgID).Msg("Failed to load alert configs")
		return
	}

	for _, cfg := range configs {
		d.dispatchOne(ctx, cfg, msg)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, cfg *models.AlertConfig, msg Message) {
	delivery := &models.AlertDelivery{
		OrgID:         cfg.OrgID,
		AlertConfigID: cfg.ID,
		IssueID:       msg.Issue.ID,
	}

	if !d.limiter(cfg).Allow() {
		delivery.Outcome = models.DeliveryRateLimited
		d.record(ctx, cfg, delivery)
		return
	}

	sink := d.sinks[cfg.Channel]
	if sink == nil {
		delivery.Outcome = models.DeliveryFailed
		delivery.Detail = "no sink registered for channel " + cfg.Channel
		d.record(ctx, cfg, delivery)
		return
	}

	if err := sink.Deliver(ctx, cfg, msg); err != nil {
		d.logger.Warn().Err(err).
			Str("channel", cfg.Channel).
			Str("issue_id", msg.Issue.ID).
			Msg("Alert delivery failed")
		delivery.Outcome = models.DeliveryFailed
		delivery.Detail = err.Error()
		d.record(ctx, cfg, delivery)
		return
	}

	delivery.Outcome = models.DeliverySent
	d.record(ctx, cfg, delivery)
}

// limiter returns the token bucket for one config, creating it on first use.
func (d *Dispatcher) limiter(cfg *models.AlertConfig) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.limiters[cfg.ID]; ok {
		return l
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 5
	}
	window := time.Duration(cfg.RateWindowS) * time.Second
	if window <= 0 {
		window = 5 * time.Minute
	}
	l := rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	d.limiters[cfg.ID] = l
	return l
}

func (d *Dispatcher) record(ctx context.Context, cfg *models.AlertConfig, delivery *models.AlertDelivery) {
	metrics.AlertDeliveries.WithLabelValues(cfg.Channel, string(delivery.Outcome)).Inc()
	if err := d.store.InsertAlertDelivery(ctx, delivery); err != nil {
		d.logger.Error().Err(err).Str("issue_id", delivery.IssueID).Msg("Failed to record alert delivery")
	}
}

// LogSink writes alerts to the structured log. It is the default channel and
// the reference sink implementation.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns the log-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.With("alerts")}
}

func (s *LogSink) Channel() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, _ *models.AlertConfig, msg Message) error {
	event := s.logger.Warn()
	if msg.Issue.Severity == models.SeverityCritical {
		event = s.logger.Error()
	}
	event.
		Str("issue_id", msg.Issue.ID).
		Str("org_id", msg.Issue.OrgID).
		Str("issue_type", msg.Issue.IssueType).
		Str("severity", string(msg.Issue.Severity)).
		Str("status", string(msg.Issue.Status)).
		Str("previous_status", string(msg.PreviousStatus)).
		Str("title", msg.Issue.Title).
		Msg("Issue alert")
	return nil
}
