package models

import "time"

// Organization is the tenant root. Created externally, never mutated here.
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// BillingConnection holds credentials and configuration for one provider
// within an organization. The webhook secret is encrypted at rest.
type BillingConnection struct {
	ID              string     `json:"id"`
	OrgID           string     `json:"orgId"`
	Source          string     `json:"source"`
	SecretEncrypted string     `json:"-"`
	IsActive        bool       `json:"isActive"`
	GraceDays       int        `json:"graceDays"`
	LastWebhookAt   *time.Time `json:"lastWebhookAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// RawWebhookStatus is the processing status of a raw delivery.
type RawWebhookStatus string

const (
	RawReceived  RawWebhookStatus = "received"
	RawQueued    RawWebhookStatus = "queued"
	RawProcessed RawWebhookStatus = "processed"
	RawSkipped   RawWebhookStatus = "skipped"
	RawFailed    RawWebhookStatus = "failed"
)

// RawWebhookLog is the append-only record of an inbound delivery. Retained
// for debugging; not read on the hot path after processing.
type RawWebhookLog struct {
	ID               string            `json:"id"`
	OrgID            string            `json:"orgId"`
	Source           string            `json:"source"`
	ReceivedAt       time.Time         `json:"receivedAt"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             []byte            `json:"-"`
	ProcessingStatus RawWebhookStatus  `json:"processingStatus"`
	ExternalEventID  string            `json:"externalEventId,omitempty"`
	EventType        string            `json:"eventType,omitempty"`
	HTTPStatus       int               `json:"httpStatus,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	ProcessedAt      *time.Time        `json:"processedAt,omitempty"`
	Attempts         int               `json:"attempts"`
}

// AlertConfig describes one external alert channel for an organization.
type AlertConfig struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	Channel     string    `json:"channel"`
	Target      string    `json:"target,omitempty"`
	Enabled     bool      `json:"enabled"`
	RateLimit   int       `json:"rateLimit"`
	RateWindowS int       `json:"rateWindowSeconds"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AlertDeliveryOutcome records how a delivery attempt ended.
type AlertDeliveryOutcome string

const (
	DeliverySent        AlertDeliveryOutcome = "sent"
	DeliveryRateLimited AlertDeliveryOutcome = "rate_limited"
	DeliveryFailed      AlertDeliveryOutcome = "failed"
)

// AlertDelivery is one entry in the alert delivery log.
type AlertDelivery struct {
	ID            string               `json:"id"`
	OrgID         string               `json:"orgId"`
	AlertConfigID string               `json:"alertConfigId"`
	IssueID       string               `json:"issueId"`
	Outcome       AlertDeliveryOutcome `json:"outcome"`
	Detail        string               `json:"detail,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}
