package credential

import (
	"errors"
	"sync"
	"time"

	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

// ParseFunc turns a stored blob into a credential.
type ParseFunc func(blob string) (*ServiceAccount, error)

type cacheEntry struct {
	credential  *ServiceAccount
	activatedAt time.Time
}

// Cache maps a settings id to its parsed credential. An entry is reused only
// while the setting's activation timestamp is unchanged, so rotating a
// setting forces a reparse.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	parse   ParseFunc
}

func NewCache(parse ParseFunc) *Cache {
	return &Cache{entries: make(map[string]cacheEntry), parse: parse}
}

// GetOrParse returns the cached credential for settingsID or parses blob.
// It returns nil when the blob holds no usable credential; failures are
// logged and never cached.
func (c *Cache) GetOrParse(settingsID, blob string, activatedAt time.Time) *ServiceAccount {
	c.mu.RLock()
	entry, ok := c.entries[settingsID]
	c.mu.RUnlock()
	if ok && entry.activatedAt.Equal(activatedAt) {
		monitoring.CredentialCacheEvents.WithLabelValues("hit").Inc()
		return entry.credential
	}
	monitoring.CredentialCacheEvents.WithLabelValues("miss").Inc()

	sa, err := c.parse(blob)
	if err != nil {
		monitoring.CredentialCacheEvents.WithLabelValues("invalid").Inc()
		fields := log.Fields{"settings_id": settingsID}
		var verr *apperrors.ValidationError
		if errors.As(err, &verr) {
			log.WithFields(fields).WithField("missing", verr.Missing).Warn("credential is missing required fields")
		} else {
			log.WithError(err).WithFields(fields).Warn("credential could not be parsed")
		}
		return nil
	}

	c.mu.Lock()
	c.entries[settingsID] = cacheEntry{credential: sa, activatedAt: activatedAt}
	c.mu.Unlock()
	return sa
}

// Evict drops one entry.
func (c *Cache) Evict(settingsID string) {
	c.mu.Lock()
	delete(c.entries, settingsID)
	c.mu.Unlock()
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
