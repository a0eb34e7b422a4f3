package api

import (
	"net/http"
	"time"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

// handleSummary is the dashboard landing payload: issue counts, revenue at
// risk, and entitlement distribution.
func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}
	ctx := req.Context()

	issueCounts, err := r.store.CountIssues(ctx, org.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count issues")
		return
	}
	revenue, err := r.issues.RevenueAtRisk(ctx, org.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to total revenue at risk")
		return
	}
	entitlements, err := r.store.CountEntitlementsByState(ctx, org.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count entitlements")
		return
	}
	connections, err := r.health.Connections(ctx, org.ID, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to grade connections")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"issues":              issueCounts,
		"revenueAtRiskCents":  revenue,
		"entitlementsByState": entitlements,
		"connections":         connections,
	})
}

func (r *Router) handleListEvents(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}

	q := req.URL.Query()
	events, err := r.store.ListEvents(req.Context(), org.ID, store.EventFilter{
		Source:    q.Get("source"),
		EventType: models.EventType(q.Get("eventType")),
		UserID:    q.Get("userId"),
		Limit:     intParam(q.Get("limit")),
		Offset:    intParam(q.Get("offset")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleUserProfile assembles the per-user view: identities, entitlements,
// recent events, and recent access checks.
func (r *Router) handleUserProfile(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}
	ctx := req.Context()
	userID := req.PathValue("id")

	user, err := r.store.GetUser(ctx, org.ID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	identities, err := r.store.ListIdentities(ctx, org.ID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load identities")
		return
	}
	entitlements, err := r.store.ListEntitlementsForUser(ctx, org.ID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load entitlements")
		return
	}
	events, err := r.store.ListEvents(ctx, org.ID, store.EventFilter{UserID: userID, Limit: 50})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	checks, err := r.store.RecentAccessChecks(ctx, org.ID, userID, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load access checks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":         user,
		"identities":   identities,
		"entitlements": entitlements,
		"events":       events,
		"accessChecks": checks,
	})
}

func (r *Router) handleWebhookLog(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}

	q := req.URL.Query()
	entries, err := r.store.ListRawWebhooks(req.Context(), org.ID, store.RawLogFilter{
		Source: q.Get("source"),
		Status: models.RawWebhookStatus(q.Get("status")),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list webhook log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": entries})
}

func (r *Router) handleDetectorRuns(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}

	runs, err := r.store.ListDetectorRuns(req.Context(), org.ID, intParam(req.URL.Query().Get("limit")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list detector runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleHealth is the liveness endpoint plus, when an org is named,
// per-connection health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	if err := r.store.Ping(req.Context()); err != nil {
		resp["status"] = "degraded"
		resp["database"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if slug := req.Header.Get(orgHeader); slug != "" {
		org, err := r.store.GetOrganizationBySlug(req.Context(), slug)
		if err == nil && org != nil {
			if conns, err := r.health.Connections(req.Context(), org.ID, time.Now()); err == nil {
				resp["connections"] = conns
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
