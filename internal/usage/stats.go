package usage

import (
	"sync"
	"time"
)

// Bucket aggregates records sharing one dimension value.
type Bucket struct {
	Requests       int64     `json:"requests"`
	Errors         int64     `json:"errors"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	CachedTokens   int64     `json:"cached_tokens"`
	ThinkingTokens int64     `json:"thinking_tokens"`
	LastUsed       time.Time `json:"last_used"`
}

func (b *Bucket) add(r *Record) {
	b.Requests++
	if r.IsError {
		b.Errors++
	}
	b.InputTokens += int64(r.InputTokens)
	b.OutputTokens += int64(r.OutputTokens)
	b.CachedTokens += int64(r.CachedTokens)
	b.ThinkingTokens += int64(r.ThinkingTokens)
	if r.CreatedAt.After(b.LastUsed) {
		b.LastUsed = r.CreatedAt
	}
}

// Stats is the in-process view of recorded usage since start.
type Stats struct {
	Total       Bucket             `json:"total"`
	KeySources  map[string]*Bucket `json:"key_sources"`
	SourceTiers map[string]*Bucket `json:"source_tiers"`
	Features    map[string]*Bucket `json:"features"`
	Models      map[string]*Bucket `json:"models"`
	Daily       map[string]*Bucket `json:"daily"` // key: "2006-01-02"
}

func NewStats() *Stats {
	return &Stats{
		KeySources:  make(map[string]*Bucket),
		SourceTiers: make(map[string]*Bucket),
		Features:    make(map[string]*Bucket),
		Models:      make(map[string]*Bucket),
		Daily:       make(map[string]*Bucket),
	}
}

func bucketFor(m map[string]*Bucket, key string) *Bucket {
	if key == "" {
		key = "unknown"
	}
	b, ok := m[key]
	if !ok {
		b = &Bucket{}
		m[key] = b
	}
	return b
}

type statsAggregator struct {
	mu    sync.RWMutex
	stats *Stats
}

func newAggregator() *statsAggregator { return &statsAggregator{stats: NewStats()} }

func (a *statsAggregator) add(r *Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Total.add(r)
	bucketFor(s.KeySources, r.KeySource).add(r)
	bucketFor(s.SourceTiers, r.SourceTier).add(r)
	bucketFor(s.Features, r.Feature).add(r)
	bucketFor(s.Models, r.Model).add(r)
	bucketFor(s.Daily, r.CreatedAt.UTC().Format("2006-01-02")).add(r)
}

func copyBuckets(in map[string]*Bucket) map[string]*Bucket {
	out := make(map[string]*Bucket, len(in))
	for k, v := range in {
		cp := *v
		out[k] = &cp
	}
	return out
}

// snapshot returns a deep copy safe to serialize.
func (a *statsAggregator) snapshot() *Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return &Stats{
		Total:       a.stats.Total,
		KeySources:  copyBuckets(a.stats.KeySources),
		SourceTiers: copyBuckets(a.stats.SourceTiers),
		Features:    copyBuckets(a.stats.Features),
		Models:      copyBuckets(a.stats.Models),
		Daily:       copyBuckets(a.stats.Daily),
	}
}
