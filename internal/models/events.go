package models

import (
	"encoding/json"
	"time"
)

// EventType is the canonical, provider-agnostic classification of a billing event.
type EventType string

const (
	EventPurchase        EventType = "purchase"
	EventRenewal         EventType = "renewal"
	EventCancellation    EventType = "cancellation"
	EventExpiration      EventType = "expiration"
	EventRefund          EventType = "refund"
	EventChargeback      EventType = "chargeback"
	EventBillingRetry    EventType = "billing_retry"
	EventTrialConversion EventType = "trial_conversion"
	EventUpgrade         EventType = "upgrade"
	EventDowngrade       EventType = "downgrade"
	EventPause           EventType = "pause"
	EventResume          EventType = "resume"
)

// EventStatus reflects the outcome the provider reported for the event.
type EventStatus string

const (
	EventStatusSuccess  EventStatus = "success"
	EventStatusFailed   EventStatus = "failed"
	EventStatusPending  EventStatus = "pending"
	EventStatusRefunded EventStatus = "refunded"
)

// CanonicalEvent is the single source of truth for "something happened" in a
// billing account. Immutable once written; (OrgID, IdempotencyKey) is unique.
type CanonicalEvent struct {
	ID                     string          `json:"id"`
	OrgID                  string          `json:"orgId"`
	Source                 string          `json:"source"`
	EventType              EventType       `json:"eventType"`
	SourceEventType        string          `json:"sourceEventType,omitempty"`
	Status                 EventStatus     `json:"status"`
	EventTime              time.Time       `json:"eventTime"`
	IngestedAt             time.Time       `json:"ingestedAt"`
	AmountCents            *int64          `json:"amountCents,omitempty"`
	Currency               string          `json:"currency,omitempty"`
	ExternalSubscriptionID string          `json:"externalSubscriptionId,omitempty"`
	ProductID              string          `json:"productId,omitempty"`
	PlanTier               string          `json:"planTier,omitempty"`
	BillingInterval        string          `json:"billingInterval,omitempty"`
	TrialStartedAt         *time.Time      `json:"trialStartedAt,omitempty"`
	PeriodStart            *time.Time      `json:"periodStart,omitempty"`
	PeriodEnd              *time.Time      `json:"periodEnd,omitempty"`
	UserID                 string          `json:"userId,omitempty"`
	IdempotencyKey         string          `json:"idempotencyKey"`
	RawPayload             json.RawMessage `json:"rawPayload,omitempty"`
}

// IdentityType classifies which kind of external identifier a hint carries.
type IdentityType string

const (
	IdentityCustomerID     IdentityType = "customer_id"
	IdentitySubscriptionID IdentityType = "subscription_id"
	IdentityEmail          IdentityType = "email"
	IdentityAppUserID      IdentityType = "app_user_id"
	IdentityAccountCode    IdentityType = "account_code"
)

// IdentityHint is a (source, id_type, external_id) tuple extracted from a raw
// payload and used to attach the event to an internal user.
type IdentityHint struct {
	Source     string       `json:"source"`
	IDType     IdentityType `json:"idType"`
	ExternalID string       `json:"externalId"`
}
