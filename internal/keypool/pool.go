// Package keypool caches the globally shared API key pool.
package keypool

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"contractai-go/internal/constants"
	"contractai-go/internal/monitoring"
	"contractai-go/internal/secrets"
	"contractai-go/internal/storage"

	log "github.com/sirupsen/logrus"
)

// ErrEmpty is returned by Pick when the pool is disabled, absent or empty.
var ErrEmpty = errors.New("shared key pool is disabled or empty")

// Store is the subset of storage the pool reads.
type Store interface {
	SharedPoolConfig(ctx context.Context) (*storage.SharedPoolConfig, error)
}

// Snapshot is one fetch of the pool.
type Snapshot struct {
	Keys      []string
	Enabled   bool
	FetchedAt time.Time
}

// Pool serves the key list from memory for ttl after each fetch. Disabled
// or missing pools are cached too, so a switched-off pool costs at most one
// store read per ttl.
type Pool struct {
	store Store
	codec secrets.Decrypter
	ttl   time.Duration

	mu   sync.RWMutex
	snap *Snapshot

	now  func() time.Time
	intn func(n int) int
}

type Option func(*Pool)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// WithRand overrides the uniform index source.
func WithRand(intn func(n int) int) Option { return func(p *Pool) { p.intn = intn } }

func New(store Store, codec secrets.Decrypter, ttl time.Duration, opts ...Option) *Pool {
	if ttl <= 0 {
		ttl = constants.KeyPoolTTL
	}
	p := &Pool{store: store, codec: codec, ttl: ttl, now: time.Now, intn: rand.IntN}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the enabled pool, or nil when it is disabled or absent.
// Store failures are returned and not cached.
func (p *Pool) Get(ctx context.Context) (*Snapshot, error) {
	now := p.now()
	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()
	if snap != nil && now.Sub(snap.FetchedAt) <= p.ttl {
		monitoring.KeyPoolFetches.WithLabelValues("cached").Inc()
		return enabledOrNil(snap), nil
	}

	cfg, err := p.store.SharedPoolConfig(ctx)
	if err != nil && !storage.IsNotFound(err) {
		monitoring.KeyPoolFetches.WithLabelValues("error").Inc()
		return nil, err
	}

	next := &Snapshot{Keys: []string{}, FetchedAt: now}
	switch {
	case cfg == nil || !cfg.Enabled:
		monitoring.KeyPoolFetches.WithLabelValues("disabled").Inc()
	default:
		keys, decodeErr := DecodeKeys(p.codec, cfg.EncryptedKeys)
		if decodeErr != nil {
			monitoring.KeyPoolFetches.WithLabelValues("error").Inc()
			log.WithError(decodeErr).Error("shared key pool could not be decoded; treating as disabled")
			break
		}
		next.Keys = keys
		next.Enabled = true
		monitoring.KeyPoolFetches.WithLabelValues("loaded").Inc()
	}

	p.mu.Lock()
	p.snap = next
	p.mu.Unlock()
	return enabledOrNil(next), nil
}

func enabledOrNil(s *Snapshot) *Snapshot {
	if !s.Enabled {
		return nil
	}
	return s
}

// Pick returns a uniformly random key from the current pool.
func (p *Pool) Pick(ctx context.Context) (string, error) {
	snap, err := p.Get(ctx)
	if err != nil {
		return "", err
	}
	if snap == nil || len(snap.Keys) == 0 {
		return "", ErrEmpty
	}
	return snap.Keys[p.intn(len(snap.Keys))], nil
}

// Clear forces the next Get to hit the store.
func (p *Pool) Clear() {
	p.mu.Lock()
	p.snap = nil
	p.mu.Unlock()
}

// DecodeKeys decrypts a stored key list and returns its non-empty entries.
func DecodeKeys(codec secrets.Decrypter, blob string) ([]string, error) {
	if strings.TrimSpace(blob) == "" {
		return []string{}, nil
	}
	if codec == nil {
		return nil, errors.New("key list is encrypted but no encryption key is configured")
	}
	plain, err := codec.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	var raw []string
	if err := json.Unmarshal([]byte(plain), &raw); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
