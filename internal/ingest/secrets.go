package ingest

import (
	"sync"
	"time"

	"github.com/revguard/revguard/internal/crypto"
	"github.com/revguard/revguard/internal/models"
)

// secretCache memoizes decrypted connection secrets for a short TTL so the
// hot path does one AES-GCM open per connection per minute instead of per
// delivery. Entries key on (connection id, updated_at) so secret rotation
// invalidates immediately.
type secretCache struct {
	manager *crypto.Manager
	ttl     time.Duration

	mu      sync.Mutex
	entries map[string]secretEntry
}

type secretEntry struct {
	secret    string
	expiresAt time.Time
}

func newSecretCache(manager *crypto.Manager, ttl time.Duration) *secretCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &secretCache{
		manager: manager,
		ttl:     ttl,
		entries: make(map[string]secretEntry),
	}
}

func (c *secretCache) get(conn *models.BillingConnection) (string, error) {
	key := conn.ID + "@" + conn.UpdatedAt.UTC().Format(time.RFC3339)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.secret, nil
	}
	c.mu.Unlock()

	secret, err := c.manager.DecryptString(conn.SecretEncrypted)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[key] = secretEntry{secret: secret, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return secret, nil
}
