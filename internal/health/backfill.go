package health

import (
	"context"
	"errors"
	"time"

	"github.com/revguard/revguard/internal/logging"
)

// HistoryPage is one page of historical payloads from a provider API. Each
// payload has the same shape as the provider's webhook body, so it replays
// through the normalizer path unchanged.
type HistoryPage struct {
	Payloads   [][]byte
	NextCursor string
}

// HistoryClient fetches historical billing events from one provider. An empty
// NextCursor ends the walk.
type HistoryClient interface {
	Source() string
	FetchPage(ctx context.Context, cursor string, limit int) (*HistoryPage, error)
}

// RateLimitedError signals a provider 429; RetryAfter honors the response
// header when the provider sent one.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "provider rate limited" }

// Replayer pushes one fetched payload through the ingest pipeline. Satisfied
// by ingest.Pool.
type Replayer interface {
	ReplayPayload(ctx context.Context, orgID, source string, payload []byte) (int, error)
}

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	PagesFetched   int `json:"pagesFetched"`
	PayloadsSeen   int `json:"payloadsSeen"`
	EventsInserted int `json:"eventsInserted"`
}

const (
	backfillPageSize   = 100
	backfillRetryFloor = time.Second
)

// Backfill walks the provider's history and replays every payload. Event
// idempotency makes overlap with the live webhook stream harmless. A 429
// pauses for the provider's Retry-After and resumes at the same cursor.
func Backfill(ctx context.Context, client HistoryClient, replayer Replayer, orgID string) (*BackfillResult, error) {
	logger := logging.With("backfill")
	result := &BackfillResult{}
	cursor := ""

	for {
		page, err := client.FetchPage(ctx, cursor, backfillPageSize)
		if err != nil {
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				wait := rl.RetryAfter
				if wait < backfillRetryFloor {
					wait = backfillRetryFloor
				}
				logger.Warn().
					Str("source", client.Source()).
					Dur("wait", wait).
					Msg("Backfill rate limited, pausing")
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return result, ctx.Err()
				}
			}
			return result, err
		}
		result.PagesFetched++

		for _, payload := range page.Payloads {
			result.PayloadsSeen++
			inserted, err := replayer.ReplayPayload(ctx, orgID, client.Source(), payload)
			result.EventsInserted += inserted
			if err != nil {
				return result, err
			}
		}

		if page.NextCursor == "" {
			logger.Info().
				Str("source", client.Source()).
				Str("org_id", orgID).
				Int("pages", result.PagesFetched).
				Int("events", result.EventsInserted).
				Msg("Backfill complete")
			return result, nil
		}
		cursor = page.NextCursor
	}
}
