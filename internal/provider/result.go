package provider

import (
	"context"
	"iter"
	"sync"
	"time"

	"contractai-go/internal/storage"
	"contractai-go/internal/upstream"
)

// Source tags name the tier that produced a Result.
const (
	SourcePoolPrimary       = "pool-primary"
	SourceSharedDedicated   = "shared-dedicated"
	SourceClientOwned       = "client-owned"
	SourceConsultantManaged = "consultant-managed"
	SourceFallbackPool      = "fallback-pool"
	SourceOwnKeys           = "own-keys"
	SourceEnv               = "env"
)

// Key sources group tiers by who pays.
const (
	KeySourceSuperadmin = "superadmin"
	KeySourceUser       = "user"
	KeySourceEnv        = "env"
)

// KeySourceFor maps a tier tag to its key source. managedBy only matters for
// consultant-managed results.
func KeySourceFor(source string, managedBy storage.ManagedBy) string {
	switch source {
	case SourcePoolPrimary, SourceSharedDedicated, SourceFallbackPool:
		return KeySourceSuperadmin
	case SourceConsultantManaged:
		if managedBy == storage.ManagedByAdmin {
			return KeySourceSuperadmin
		}
		return KeySourceUser
	case SourceEnv:
		return KeySourceEnv
	default:
		return KeySourceUser
	}
}

// Metadata describes the backing configuration of a Result.
type Metadata struct {
	DisplayName string            `json:"display_name,omitempty"`
	SettingsID  string            `json:"settings_id,omitempty"`
	ManagedBy   storage.ManagedBy `json:"managed_by,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	Location    string            `json:"location,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// Result is a resolved, tracked client for one request. Call Cleanup when
// done; skipping it only delays release until the caches expire.
type Result struct {
	Client    upstream.Client
	Source    string
	KeySource string
	Metadata  Metadata

	cleanup     func()
	cleanupOnce sync.Once
}

// SetFeature tags usage records emitted by subsequent calls.
func (r *Result) SetFeature(name, role string) {
	r.Client.Attribution().SetFeature(name, role)
}

func (r *Result) Generate(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	return r.Client.Generate(ctx, req)
}

func (r *Result) GenerateStream(ctx context.Context, req *upstream.Request) iter.Seq2[*upstream.Chunk, error] {
	return r.Client.GenerateStream(ctx, req)
}

// HasCleanup reports whether the result holds releasable resources.
func (r *Result) HasCleanup() bool { return r.cleanup != nil }

// Cleanup is safe to call more than once.
func (r *Result) Cleanup() {
	if r == nil || r.cleanup == nil {
		return
	}
	r.cleanupOnce.Do(r.cleanup)
}
