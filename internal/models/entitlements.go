package models

import "time"

// EntitlementState is the projected access state for a (user, source, product).
type EntitlementState string

const (
	EntitlementTrial        EntitlementState = "trial"
	EntitlementActive       EntitlementState = "active"
	EntitlementGracePeriod  EntitlementState = "grace_period"
	EntitlementBillingRetry EntitlementState = "billing_retry"
	EntitlementPastDue      EntitlementState = "past_due"
	EntitlementPaused       EntitlementState = "paused"
	EntitlementOnHold       EntitlementState = "on_hold"
	EntitlementExpired      EntitlementState = "expired"
	EntitlementCanceled     EntitlementState = "canceled"
	EntitlementRevoked      EntitlementState = "revoked"
	EntitlementRefunded     EntitlementState = "refunded"
)

// Granting reports whether the state still grants product access.
func (s EntitlementState) Granting() bool {
	switch s {
	case EntitlementTrial, EntitlementActive, EntitlementGracePeriod, EntitlementBillingRetry, EntitlementPaused:
		return true
	}
	return false
}

// Entitlement is the projected access record for one (user, source, product).
// Updated in place per projection step.
type Entitlement struct {
	ID                     string           `json:"id"`
	OrgID                  string           `json:"orgId"`
	UserID                 string           `json:"userId"`
	Source                 string           `json:"source"`
	ProductID              string           `json:"productId"`
	State                  EntitlementState `json:"state"`
	WillCancel             bool             `json:"willCancel"`
	CurrentPeriodStart     *time.Time       `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd       *time.Time       `json:"currentPeriodEnd,omitempty"`
	ExternalSubscriptionID string           `json:"externalSubscriptionId,omitempty"`
	PlanTier               string           `json:"planTier,omitempty"`
	LastAmountCents        *int64           `json:"lastAmountCents,omitempty"`
	LastEventID            string           `json:"lastEventId,omitempty"`
	UpdatedAt              time.Time        `json:"updatedAt"`
}
