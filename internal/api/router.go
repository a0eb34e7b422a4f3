package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/revguard/revguard/internal/accesschecks"
	"github.com/revguard/revguard/internal/health"
	"github.com/revguard/revguard/internal/ingest"
	"github.com/revguard/revguard/internal/issues"
	"github.com/revguard/revguard/internal/logging"
	"github.com/revguard/revguard/internal/metrics"
	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/providers"
	"github.com/revguard/revguard/internal/store"
)

// orgHeader selects the tenant on /api routes. Authentication is out of scope
// for the core service; deployments front this with their own gateway.
const orgHeader = "X-Org"

// Router is the HTTP surface: webhook receiver, access-check ingress, issue
// lifecycle, read APIs, health, and metrics.
type Router struct {
	mux          *http.ServeMux
	store        *store.Store
	pool         *ingest.Pool
	registry     *providers.Registry
	issues       *issues.Service
	accessChecks *accesschecks.Service
	health       *health.Service
	logger       zerolog.Logger
}

// NewRouter wires every route.
func NewRouter(s *store.Store, pool *ingest.Pool, registry *providers.Registry,
	issueSvc *issues.Service, checks *accesschecks.Service, healthSvc *health.Service) *Router {

	r := &Router{
		mux:          http.NewServeMux(),
		store:        s,
		pool:         pool,
		registry:     registry,
		issues:       issueSvc,
		accessChecks: checks,
		health:       healthSvc,
		logger:       logging.With("api"),
	}

	r.mux.HandleFunc("POST /webhooks/{slug}/{source}", r.handleWebhook)

	r.mux.HandleFunc("POST /api/v1/access-checks", r.handleAccessCheck)
	r.mux.HandleFunc("POST /api/v1/access-checks/batch", r.handleAccessCheckBatch)

	r.mux.HandleFunc("GET /api/issues", r.handleListIssues)
	r.mux.HandleFunc("GET /api/issues/{id}", r.handleGetIssue)
	r.mux.HandleFunc("POST /api/issues/{id}/acknowledge", r.handleIssueTransition)
	r.mux.HandleFunc("POST /api/issues/{id}/resolve", r.handleIssueTransition)
	r.mux.HandleFunc("POST /api/issues/{id}/dismiss", r.handleIssueTransition)

	r.mux.HandleFunc("GET /api/summary", r.handleSummary)
	r.mux.HandleFunc("GET /api/events", r.handleListEvents)
	r.mux.HandleFunc("GET /api/users/{id}", r.handleUserProfile)
	r.mux.HandleFunc("GET /api/webhook-log", r.handleWebhookLog)
	r.mux.HandleFunc("GET /api/detector-runs", r.handleDetectorRuns)
	r.mux.HandleFunc("GET /api/health", r.handleHealth)

	r.mux.Handle("GET /metrics", metrics.Handler())

	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	r.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// org resolves the tenant from the X-Org header. Writes 401 and returns nil
// when the header is missing or unknown.
func (r *Router) org(w http.ResponseWriter, req *http.Request) *models.Organization {
	slug := req.Header.Get(orgHeader)
	if slug == "" {
		writeError(w, http.StatusUnauthorized, "missing "+orgHeader+" header")
		return nil
	}
	org, err := r.store.GetOrganizationBySlug(req.Context(), slug)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "organization lookup failed")
		return nil
	}
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unknown organization")
		return nil
	}
	return org
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing useful left to do.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
