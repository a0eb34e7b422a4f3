package models

import "time"

// User is the internal subject every canonical event and entitlement hangs off.
// Identities grow monotonically except during merges.
type User struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"orgId"`
	Email          string    `json:"email,omitempty"`
	ExternalUserID string    `json:"externalUserId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// UserIdentity links one external identifier to an internal user.
// (OrgID, Source, ExternalID) is unique across the organization.
type UserIdentity struct {
	ID         string       `json:"id"`
	OrgID      string       `json:"orgId"`
	UserID     string       `json:"userId"`
	Source     string       `json:"source"`
	IDType     IdentityType `json:"idType"`
	ExternalID string       `json:"externalId"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// AccessCheck is an app-side attestation that a user does or does not have
// access right now. Append-only; recent rows feed Tier-2 detectors.
type AccessCheck struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"orgId"`
	UserID          string    `json:"userId,omitempty"`
	ExternalUserRef string    `json:"externalUserRef"`
	HasAccess       bool      `json:"hasAccess"`
	ObservedAt      time.Time `json:"observedAt"`
	SourceTag       string    `json:"sourceTag,omitempty"`
}
