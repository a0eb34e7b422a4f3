package providers

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/revguard/revguard/internal/errors"
	"github.com/revguard/revguard/internal/models"
)

// GoogleNormalizer handles Play Billing real-time developer notifications
// delivered through a Pub/Sub push subscription. There is no payload
// signature; authenticity comes from a shared push token the receiver copies
// from the endpoint query string into the stored headers.
type GoogleNormalizer struct{}

// NewGoogleNormalizer returns the Google Play normalizer.
func NewGoogleNormalizer() *GoogleNormalizer { return &GoogleNormalizer{} }

func (n *GoogleNormalizer) Source() string { return SourceGoogle }

// googlePushTokenHeader is the synthetic header the receiver writes from the
// ?token= query parameter of the push endpoint.
const googlePushTokenHeader = "X-Push-Token"

type pubsubEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// developerNotification is the decoded Pub/Sub message body.
type developerNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// Play notification type codes.
const (
	googleRecovered   = 1
	googleRenewed     = 2
	googleCanceled    = 3
	googlePurchased   = 4
	googleOnHold      = 5
	googleGracePeriod = 6
	googleRestarted   = 7
	googlePaused      = 10
	googleRevoked     = 12
	googleExpired     = 13
)

// VerifySignature compares the stored push token against the connection
// secret in constant time, then enforces the publish-time replay window.
func (n *GoogleNormalizer) VerifySignature(raw *RawWebhook, secret string, now time.Time) error {
	token := raw.Header(googlePushTokenHeader)
	if token == "" {
		return apperrors.Auth("google.verify", SourceGoogle, fmt.Errorf("missing push token"))
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return apperrors.Auth("google.verify", SourceGoogle, fmt.Errorf("push token mismatch"))
	}

	var env pubsubEnvelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		return apperrors.Auth("google.verify", SourceGoogle, fmt.Errorf("decode envelope: %w", err))
	}
	if env.Message.PublishTime != "" {
		published, err := time.Parse(time.RFC3339Nano, env.Message.PublishTime)
		if err != nil {
			return apperrors.Auth("google.verify", SourceGoogle, fmt.Errorf("parse publishTime: %w", err))
		}
		if drift := now.Sub(published); drift > ReplayWindow || drift < -ReplayWindow {
			return apperrors.Auth("google.verify", SourceGoogle,
				fmt.Errorf("publishTime outside replay window: %s", drift))
		}
	}
	return nil
}

// googleEventType maps a Play notification code to the canonical enum.
func googleEventType(code int) (models.EventType, models.EventStatus, bool) {
	switch code {
	case googlePurchased:
		return models.EventPurchase, models.EventStatusSuccess, true
	case googleRenewed, googleRecovered:
		return models.EventRenewal, models.EventStatusSuccess, true
	case googleCanceled:
		return models.EventCancellation, models.EventStatusSuccess, true
	case googleExpired:
		return models.EventExpiration, models.EventStatusSuccess, true
	case googleRevoked:
		return models.EventRefund, models.EventStatusRefunded, true
	case googleOnHold, googleGracePeriod:
		return models.EventBillingRetry, models.EventStatusFailed, true
	case googlePaused:
		return models.EventPause, models.EventStatusSuccess, true
	case googleRestarted:
		return models.EventResume, models.EventStatusSuccess, true
	}
	return "", "", false
}

// Normalize decodes the push envelope and maps the notification code. Test
// notifications and one-time-product messages yield no events.
func (n *GoogleNormalizer) Normalize(orgID string, raw *RawWebhook) ([]*models.CanonicalEvent, error) {
	env, note, err := decodeGoogleNotification(raw.Body)
	if err != nil {
		return nil, err
	}
	if note.SubscriptionNotification == nil {
		return nil, nil
	}

	eventType, status, ok := googleEventType(note.SubscriptionNotification.NotificationType)
	if !ok {
		return nil, nil
	}

	eventTime := time.Now().UTC()
	if ms, err := parseMillis(note.EventTimeMillis); err == nil {
		eventTime = ms
	}

	ev := &models.CanonicalEvent{
		OrgID:           orgID,
		Source:          SourceGoogle,
		EventType:       eventType,
		SourceEventType: fmt.Sprintf("subscription_notification/%d", note.SubscriptionNotification.NotificationType),
		Status:          status,
		EventTime:       eventTime,
		// Pub/Sub redelivers with the same messageId, so it doubles as the
		// provider event id.
		IdempotencyKey:         idempotencyKey(SourceGoogle, env.Message.MessageID),
		ExternalSubscriptionID: note.SubscriptionNotification.PurchaseToken,
		ProductID:              note.SubscriptionNotification.SubscriptionID,
		RawPayload:             raw.Body,
	}
	return []*models.CanonicalEvent{ev}, nil
}

// ExtractIdentityHints surfaces the purchase token; Play RTDNs carry no
// account identifier, so cross-source linkage relies on later enrichment.
func (n *GoogleNormalizer) ExtractIdentityHints(raw *RawWebhook) []models.IdentityHint {
	_, note, err := decodeGoogleNotification(raw.Body)
	if err != nil || note.SubscriptionNotification == nil {
		return nil
	}
	if note.SubscriptionNotification.PurchaseToken == "" {
		return nil
	}
	return []models.IdentityHint{{
		Source:     SourceGoogle,
		IDType:     models.IdentitySubscriptionID,
		ExternalID: note.SubscriptionNotification.PurchaseToken,
	}}
}

func decodeGoogleNotification(body []byte) (*pubsubEnvelope, *developerNotification, error) {
	var env pubsubEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, apperrors.Validation("google.normalize", SourceGoogle, fmt.Errorf("decode envelope: %w", err))
	}
	if env.Message.MessageID == "" || env.Message.Data == "" {
		return nil, nil, apperrors.Validation("google.normalize", SourceGoogle, fmt.Errorf("envelope missing message"))
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, nil, apperrors.Validation("google.normalize", SourceGoogle, fmt.Errorf("decode message data: %w", err))
	}
	var note developerNotification
	if err := json.Unmarshal(data, &note); err != nil {
		return nil, nil, apperrors.Validation("google.normalize", SourceGoogle, fmt.Errorf("decode notification: %w", err))
	}
	return &env, &note, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
