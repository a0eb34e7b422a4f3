package providers

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/models"
)

// appleSigner builds JWS payloads the way App Store Server Notifications do:
// ES256 with the signing certificate in the x5c header.
type appleSigner struct {
	key  *ecdsa.PrivateKey
	cert string
}

func newAppleSigner(t *testing.T) *appleSigner {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &appleSigner{key: key, cert: base64.StdEncoding.EncodeToString(der)}
}

func (s *appleSigner) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["x5c"] = []any{s.cert}
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func (s *appleSigner) envelope(t *testing.T, claims jwt.MapClaims) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{"signedPayload": s.sign(t, claims)})
	require.NoError(t, err)
	return body
}

func appleClaims(signer *appleSigner, t *testing.T, notificationType, subtype string, signedAt time.Time) jwt.MapClaims {
	t.Helper()
	txn := signer.sign(t, jwt.MapClaims{
		"originalTransactionId": "orig_1",
		"transactionId":         "txn_1",
		"productId":             "pro_monthly",
		"appAccountToken":       "app-user-42",
		"purchaseDate":          signedAt.Add(-24 * time.Hour).UnixMilli(),
		"expiresDate":           signedAt.Add(29 * 24 * time.Hour).UnixMilli(),
		"price":                 9990,
		"currency":              "usd",
	})
	return jwt.MapClaims{
		"notificationType": notificationType,
		"subtype":          subtype,
		"notificationUUID": "uuid-1",
		"signedDate":       signedAt.UnixMilli(),
		"data": map[string]any{
			"bundleId":              "com.example.app",
			"signedTransactionInfo": txn,
		},
	}
}

func TestAppleVerifySignature(t *testing.T) {
	signer := newAppleSigner(t)
	n := NewAppleNormalizer()
	now := time.Now()

	body := signer.envelope(t, appleClaims(signer, t, "DID_RENEW", "", now))
	require.NoError(t, n.VerifySignature(&RawWebhook{Body: body}, "", now))

	// Stale signedDate is a replay.
	stale := signer.envelope(t, appleClaims(signer, t, "DID_RENEW", "", now.Add(-10*time.Minute)))
	require.Error(t, n.VerifySignature(&RawWebhook{Body: stale}, "", now))

	// Tampered payload fails the JWS check.
	tampered := body[:len(body)-10]
	require.Error(t, n.VerifySignature(&RawWebhook{Body: tampered}, "", now))
}

func TestAppleNormalizeRenewal(t *testing.T) {
	signer := newAppleSigner(t)
	n := NewAppleNormalizer()
	now := time.Now()

	body := signer.envelope(t, appleClaims(signer, t, "DID_RENEW", "", now))
	events, err := n.Normalize("org1", &RawWebhook{Body: body})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, models.EventRenewal, ev.EventType)
	require.Equal(t, "apple:uuid-1", ev.IdempotencyKey)
	require.Equal(t, "pro_monthly", ev.ProductID)
	require.Equal(t, "orig_1", ev.ExternalSubscriptionID)
	require.Equal(t, int64(999), *ev.AmountCents)
	require.Equal(t, "USD", ev.Currency)
	require.NotNil(t, ev.PeriodEnd)

	hints := n.ExtractIdentityHints(&RawWebhook{Body: body})
	require.Contains(t, hints, models.IdentityHint{Source: "apple", IDType: models.IdentityAppUserID, ExternalID: "app-user-42"})
	require.Contains(t, hints, models.IdentityHint{Source: "apple", IDType: models.IdentitySubscriptionID, ExternalID: "orig_1"})
}

func TestAppleRenewalStatusMapping(t *testing.T) {
	signer := newAppleSigner(t)
	n := NewAppleNormalizer()
	now := time.Now()

	disabled := signer.envelope(t, appleClaims(signer, t, "DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", now))
	events, err := n.Normalize("org1", &RawWebhook{Body: disabled})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.EventCancellation, events[0].EventType)

	upgrade := signer.envelope(t, appleClaims(signer, t, "DID_CHANGE_RENEWAL_PREF", "UPGRADE", now))
	events, err = n.Normalize("org1", &RawWebhook{Body: upgrade})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.EventUpgrade, events[0].EventType)

	// Unknown types are skipped quietly.
	unknown := signer.envelope(t, appleClaims(signer, t, "RENEWAL_EXTENDED", "", now))
	events, err = n.Normalize("org1", &RawWebhook{Body: unknown})
	require.NoError(t, err)
	require.Empty(t, events)
}
