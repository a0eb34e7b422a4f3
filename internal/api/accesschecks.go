package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/revguard/revguard/internal/accesschecks"
	apperrors "github.com/revguard/revguard/internal/errors"
)

func (r *Router) handleAccessCheck(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}

	var sub accesschecks.Submission
	if err := json.NewDecoder(req.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	check, err := r.accessChecks.Submit(req.Context(), org.ID, sub)
	if err != nil {
		writeSubmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"userResolved": check.UserID != "",
	})
}

func (r *Router) handleAccessCheckBatch(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}

	var payload struct {
		Checks []accesschecks.Submission `json:"checks"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	checks, err := r.accessChecks.SubmitBatch(req.Context(), org.ID, payload.Checks)
	if err != nil {
		writeSubmissionError(w, err)
		return
	}

	resolved := 0
	for _, c := range checks {
		if c.UserID != "" {
			resolved++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"accepted": len(checks),
		"resolved": resolved,
	})
}

func writeSubmissionError(w http.ResponseWriter, err error) {
	if errors.Is(err, apperrors.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "failed to record access check")
}
