package providers

import (
	"strconv"
	"strings"
	"time"

	"github.com/revguard/revguard/internal/models"
)

// ReplayWindow bounds how far a signed timestamp may drift from the server
// clock before the delivery is treated as a replay.
const ReplayWindow = 5 * time.Minute

// Source identifiers. These appear in URLs, idempotency keys, and the
// connection table, so they never change.
const (
	SourceStripe  = "stripe"
	SourceApple   = "apple"
	SourceGoogle  = "google"
	SourceRecurly = "recurly"
)

// RawWebhook is one inbound delivery as the receiver persisted it.
type RawWebhook struct {
	ID         string
	OrgID      string
	Source     string
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

// Header returns a stored header value, case-insensitively on the common
// casings the receiver writes.
func (r *RawWebhook) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Normalizer translates one provider's webhook payloads into canonical events.
// Implementations are stateless and safe for concurrent use.
type Normalizer interface {
	// Source returns the stable identifier for this provider.
	Source() string

	// VerifySignature checks the provider-native signature against the
	// connection secret, including replay protection. An auth-kind error
	// means the raw row should be marked skipped.
	VerifySignature(raw *RawWebhook, secret string, now time.Time) error

	// Normalize parses the payload and emits zero or more canonical events.
	// An unmapped event type is not an error; it yields an empty slice.
	Normalize(orgID string, raw *RawWebhook) ([]*models.CanonicalEvent, error)

	// ExtractIdentityHints pulls every external identifier the payload
	// carries. A payload that cannot be parsed yields no hints.
	ExtractIdentityHints(raw *RawWebhook) []models.IdentityHint
}

// Registry maps source identifiers to normalizers. Populated once at startup;
// read-only afterwards.
type Registry struct {
	normalizers map[string]Normalizer
}

// NewRegistry builds the registry with every supported provider.
func NewRegistry() *Registry {
	r := &Registry{normalizers: make(map[string]Normalizer)}
	for _, n := range []Normalizer{
		NewStripeNormalizer(),
		NewAppleNormalizer(),
		NewGoogleNormalizer(),
		NewRecurlyNormalizer(),
	} {
		r.normalizers[n.Source()] = n
	}
	return r
}

// Get returns the normalizer for a source, or nil when the source is unknown.
func (r *Registry) Get(source string) Normalizer {
	return r.normalizers[source]
}

// Sources lists every registered source identifier.
func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.normalizers))
	for s := range r.normalizers {
		out = append(out, s)
	}
	return out
}

// idempotencyKey builds the canonical "{source}:{provider_event_id}" key.
// Fan-out events append a suffix such as ":cancel" or ":price_change".
func idempotencyKey(source, providerEventID string, suffix ...string) string {
	key := source + ":" + providerEventID
	for _, s := range suffix {
		key += ":" + s
	}
	return key
}

// normalizeInterval renders a billing interval as "month" for unit intervals
// and "{length}_{unit}" otherwise.
func normalizeInterval(length int64, unit string) string {
	if unit == "" {
		return ""
	}
	if length <= 1 {
		return unit
	}
	return strconv.FormatInt(length, 10) + "_" + unit
}

func upperCurrency(c string) string {
	return strings.ToUpper(c)
}
