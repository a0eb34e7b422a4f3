package models

import "time"

// Severity of a detected issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// rank orders severities so updates can upgrade but never downgrade.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.rank() >= other.rank() }

// IssueStatus is the lifecycle state of an issue.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueResolved     IssueStatus = "resolved"
	IssueDismissed    IssueStatus = "dismissed"
)

// Closed reports whether the status is terminal.
func (s IssueStatus) Closed() bool { return s == IssueResolved || s == IssueDismissed }

// DetectionTier distinguishes billing-data-only detectors from those that
// cross-reference app-side access checks.
type DetectionTier string

const (
	TierOne         DetectionTier = "tier1"
	TierAppVerified DetectionTier = "app_verified"
)

// Issue is a concrete instance of a problem raised by a detector.
// (OrgID, DedupKey) identifies the currently open issue for a fingerprint;
// reopening a closed one creates a new row.
type Issue struct {
	ID                    string         `json:"id"`
	OrgID                 string         `json:"orgId"`
	DetectorID            string         `json:"detectorId"`
	IssueType             string         `json:"issueType"`
	Severity              Severity       `json:"severity"`
	Status                IssueStatus    `json:"status"`
	UserID                string         `json:"userId,omitempty"`
	Title                 string         `json:"title"`
	Description           string         `json:"description,omitempty"`
	EstimatedRevenueCents *int64         `json:"estimatedRevenueCents,omitempty"`
	Confidence            *float64       `json:"confidence,omitempty"`
	Evidence              map[string]any `json:"evidence,omitempty"`
	DetectionTier         DetectionTier  `json:"detectionTier"`
	DedupKey              string         `json:"dedupKey"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
	ResolvedAt            *time.Time     `json:"resolvedAt,omitempty"`
	Resolution            string         `json:"resolution,omitempty"`
}

// DetectedIssue is what a detector reports before deduplication. The dedup key
// fingerprints the situation, not the moment.
type DetectedIssue struct {
	IssueType             string
	Severity              Severity
	Title                 string
	Description           string
	UserID                string
	EstimatedRevenueCents *int64
	Confidence            *float64
	Evidence              map[string]any
	Tier                  DetectionTier
	DedupKey              string
}

// DetectorRun is one entry in the scheduled-scan ledger.
type DetectorRun struct {
	ID            string     `json:"id"`
	OrgID         string     `json:"orgId"`
	DetectorID    string     `json:"detectorId"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	IssuesCreated int        `json:"issuesCreated"`
	IssuesUpdated int        `json:"issuesUpdated"`
	Error         string     `json:"error,omitempty"`
	Aborted       bool       `json:"aborted,omitempty"`
}
