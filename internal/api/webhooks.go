package api

import (
	"io"
	"net/http"

	"github.com/revguard/revguard/internal/metrics"
	"github.com/revguard/revguard/internal/providers"
)

// Only these inbound headers are persisted with the raw row; workers need the
// signature material, nothing else.
var forwardedHeaders = []string{
	"Stripe-Signature",
	"Recurly-Signature",
	"Content-Type",
}

const maxWebhookBody = 1 << 20 // providers stay well under 1 MiB

// handleWebhook is the receiver: persist the raw delivery and acknowledge.
// Signature verification happens in the worker so a slow provider retry storm
// cannot be used to probe secrets through timing.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	slug := req.PathValue("slug")
	source := req.PathValue("source")

	if r.registry.Get(source) == nil {
		metrics.WebhooksRejected.WithLabelValues(source, "unknown_source").Inc()
		writeError(w, http.StatusUnauthorized, "unknown source")
		return
	}
	org, err := r.store.GetOrganizationBySlug(req.Context(), slug)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "organization lookup failed")
		return
	}
	if org == nil {
		metrics.WebhooksRejected.WithLabelValues(source, "unknown_org").Inc()
		writeError(w, http.StatusUnauthorized, "unknown organization")
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	headers := make(map[string]string, len(forwardedHeaders)+1)
	for _, name := range forwardedHeaders {
		if v := req.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	// Google Pub/Sub push carries its shared token as a query parameter; store
	// it as a synthetic header so the worker verifies it like the rest.
	if source == providers.SourceGoogle {
		if token := req.URL.Query().Get("token"); token != "" {
			headers["X-Push-Token"] = token
		}
	}

	_, queued, err := r.pool.Enqueue(req.Context(), org.ID, source, headers, body)
	if err != nil {
		// The raw row did not land; the provider must retry.
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if !queued {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "deferred": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
