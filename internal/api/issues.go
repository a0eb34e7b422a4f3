package api

import (
	"encoding/json"
	"net/http"
	"path"
	"strconv"

	"github.com/revguard/revguard/internal/models"
	"github.com/revguard/revguard/internal/store"
)

func (r *Router) handleListIssues(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}

	q := req.URL.Query()
	filter := store.IssueFilter{
		Status:    models.IssueStatus(q.Get("status")),
		Severity:  models.Severity(q.Get("severity")),
		IssueType: q.Get("issueType"),
		UserID:    q.Get("userId"),
		Limit:     intParam(q.Get("limit")),
		Offset:    intParam(q.Get("offset")),
	}

	list, err := r.issues.List(req.Context(), org.ID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list issues")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": list})
}

func (r *Router) handleGetIssue(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}

	issue, err := r.issues.Get(req.Context(), org.ID, req.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load issue")
		return
	}
	if issue == nil {
		writeError(w, http.StatusNotFound, "issue not found")
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// handleIssueTransition serves acknowledge, resolve, and dismiss; the action
// is the last path segment.
func (r *Router) handleIssueTransition(w http.ResponseWriter, req *http.Request) {
	org := r.org(w, req)
	if org == nil {
		return
	}
	id := req.PathValue("id")

	var payload struct {
		Resolution string `json:"resolution"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&payload) // body is optional
	}

	var (
		issue *models.Issue
		err   error
	)
	switch path.Base(req.URL.Path) {
	case "acknowledge":
		issue, err = r.issues.Acknowledge(req.Context(), org.ID, id)
	case "resolve":
		issue, err = r.issues.Resolve(req.Context(), org.ID, id, payload.Resolution)
	case "dismiss":
		issue, err = r.issues.Dismiss(req.Context(), org.ID, id, payload.Resolution)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func intParam(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
