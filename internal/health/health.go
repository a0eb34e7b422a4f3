package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// ConnectionHealth is the per-connection view the dashboard and /api/health
// report: webhook freshness plus the last day's delivery counters.
type ConnectionHealth struct {
	Source        string     `json:"source"`
	IsActive      bool       `json:"isActive"`
	LastWebhookAt *time.Time `json:"lastWebhookAt,omitempty"`
	Delivered24h  int        `json:"delivered24h"`
	Failed24h     int        `json:"failed24h"`
	Skipped24h    int        `json:"skipped24h"`
	Status        string     `json:"status"`
}

// Connection status values, worst first.
const (
	StatusInactive = "inactive"
	StatusSilent   = "silent"   // no delivery for over 24 h
	StatusDegraded = "degraded" // failures outnumber successes
	StatusOK       = "ok"
)

// Service computes connection health summaries.
type Service struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewService builds the health service.
func NewService(s *store.Store) *Service {
	return &Service{store: s, logger: logging.With("health")}
}

// Connections reports health for every connection of the organization,
// including inactive ones.
func (s *Service) Connections(ctx context.Context, orgID string, now time.Time) ([]ConnectionHealth, error) {
	conns, err := s.store.ListConnections(ctx, orgID)
	if err != nil {
		return nil, err
	}
	since := now.Add(-24 * time.Hour)

	out := make([]ConnectionHealth, 0, len(conns))
	for _, conn := range conns {
		h := ConnectionHealth{
			Source:        conn.Source,
			IsActive:      conn.IsActive,
			LastWebhookAt: conn.LastWebhookAt,
		}
		h.Delivered24h, err = s.store.CountRawSince(ctx, orgID, conn.Source, since, models.RawProcessed)
		if err != nil {
			return nil, err
		}
		h.Failed24h, err = s.store.CountRawSince(ctx, orgID, conn.Source, since, models.RawFailed)
		if err != nil {
			return nil, err
		}
		h.Skipped24h, err = s.store.CountRawSince(ctx, orgID, conn.Source, since, models.RawSkipped)
		if err != nil {
			return nil, err
		}
		h.Status = grade(&h, now)
		out = append(out, h)
	}
	return out, nil
}

func grade(h *ConnectionHealth, now time.Time) string {
	switch {
	case !h.IsActive:
		return StatusInactive
	case h.LastWebhookAt == nil || now.Sub(*h.LastWebhookAt) > 24*time.Hour:
		return StatusSilent
	case h.Failed24h > h.Delivered24h:
		return StatusDegraded
	default:
		return StatusOK
	}
}
