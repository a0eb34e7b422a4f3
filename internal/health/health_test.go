package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

func setup(t *testing.T) (*Service, *store.Store, string) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	org := &models.Organization{Slug: "acme"}
	require.NoError(t, s.CreateOrganization(context.Background(), org))
	return NewService(s), s, org.ID
}

func seedRaw(t *testing.T, s *store.Store, orgID, source string, status models.RawWebhookStatus, at time.Time) {
	t.Helper()
	raw := &models.RawWebhookLog{
		OrgID: orgID, Source: source, Body: []byte("{}"),
		ProcessingStatus: status, ReceivedAt: at,
	}
	require.NoError(t, s.InsertRawWebhook(context.Background(), raw))
}

func TestConnectionsGrading(t *testing.T) {
	svc, s, orgID := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	lastStripe := now.Add(-time.Hour)
	require.NoError(t, s.UpsertConnection(ctx, &models.BillingConnection{
		OrgID: orgID, Source: "stripe", SecretEncrypted: "sealed", IsActive: true,
	}))
	require.NoError(t, s.TouchConnectionWebhook(ctx, orgID, "stripe", lastStripe))
	seedRaw(t, s, orgID, "stripe", models.RawProcessed, now.Add(-time.Hour))
	seedRaw(t, s, orgID, "stripe", models.RawProcessed, now.Add(-2*time.Hour))
	seedRaw(t, s, orgID, "stripe", models.RawFailed, now.Add(-3*time.Hour))
	// Outside the window: not counted.
	seedRaw(t, s, orgID, "stripe", models.RawProcessed, now.Add(-30*time.Hour))

	require.NoError(t, s.UpsertConnection(ctx, &models.BillingConnection{
		OrgID: orgID, Source: "apple", SecretEncrypted: "sealed", IsActive: true,
	}))

	require.NoError(t, s.UpsertConnection(ctx, &models.BillingConnection{
		OrgID: orgID, Source: "recurly", SecretEncrypted: "sealed", IsActive: false,
	}))

	healths, err := svc.Connections(ctx, orgID, now)
	require.NoError(t, err)
	require.Len(t, healths, 3)

	bySource := make(map[string]ConnectionHealth)
	for _, h := range healths {
		bySource[h.Source] = h
	}
	require.Equal(t, StatusOK, bySource["stripe"].Status)
	require.Equal(t, 2, bySource["stripe"].Delivered24h)
	require.Equal(t, 1, bySource["stripe"].Failed24h)
	require.Equal(t, StatusSilent, bySource["apple"].Status)
	require.Equal(t, StatusInactive, bySource["recurly"].Status)
}

func TestConnectionsDegraded(t *testing.T) {
	svc, s, orgID := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertConnection(ctx, &models.BillingConnection{
		OrgID: orgID, Source: "google", SecretEncrypted: "sealed", IsActive: true,
	}))
	require.NoError(t, s.TouchConnectionWebhook(ctx, orgID, "google", now.Add(-time.Minute)))
	seedRaw(t, s, orgID, "google", models.RawFailed, now.Add(-time.Hour))
	seedRaw(t, s, orgID, "google", models.RawFailed, now.Add(-2*time.Hour))
	seedRaw(t, s, orgID, "google", models.RawProcessed, now.Add(-3*time.Hour))

	healths, err := svc.Connections(ctx, orgID, now)
	require.NoError(t, err)
	require.Len(t, healths, 1)
	require.Equal(t, StatusDegraded, healths[0].Status)
}

type fakeHistory struct {
	pages   []HistoryPage
	limited bool
	fetches int
}

func (f *fakeHistory) Source() string { return "stripe" }

func (f *fakeHistory) FetchPage(_ context.Context, cursor string, _ int) (*HistoryPage, error) {
	f.fetches++
	if f.limited {
		f.limited = false
		return nil, &RateLimitedError{RetryAfter: time.Millisecond}
	}
	idx := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "page-%d", &idx)
	}
	page := f.pages[idx]
	return &page, nil
}

type fakeReplayer struct {
	payloads [][]byte
}

func (r *fakeReplayer) ReplayPayload(_ context.Context, _, _ string, payload []byte) (int, error) {
	r.payloads = append(r.payloads, payload)
	return 1, nil
}

func TestBackfillWalksPagesAndHonorsRateLimit(t *testing.T) {
	client := &fakeHistory{
		limited: true,
		pages: []HistoryPage{
			{Payloads: [][]byte{[]byte("a"), []byte("b")}, NextCursor: "page-1"},
			{Payloads: [][]byte{[]byte("c")}},
		},
	}
	replayer := &fakeReplayer{}

	result, err := Backfill(context.Background(), client, replayer, "org-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.PagesFetched)
	require.Equal(t, 3, result.PayloadsSeen)
	require.Equal(t, 3, result.EventsInserted)
	require.Len(t, replayer.payloads, 3)
	// One extra fetch for the rate-limited attempt.
	require.Equal(t, 3, client.fetches)
}
