package storage

import (
	"context"
	"errors"
	"time"
)

// Store is the read side used by provider resolution, plus the best-effort
// counters it bumps.
type Store interface {
	Profile(ctx context.Context, id string) (*Profile, error)
	// SelfManagedSetting returns the newest enabled self-managed setting of owner.
	SelfManagedSetting(ctx context.Context, ownerID string) (*BackendSetting, error)
	// EnabledSettings lists enabled settings of owner, admin-managed first.
	EnabledSettings(ctx context.Context, ownerID string) ([]*BackendSetting, error)
	// SharedBackend returns the newest enabled shared dedicated backend.
	SharedBackend(ctx context.Context) (*BackendSetting, error)
	SharedPoolConfig(ctx context.Context) (*SharedPoolConfig, error)
	SettingGrant(ctx context.Context, settingsID, granteeID string) (*AccessGrant, error)
	SharedPoolAccess(ctx context.Context, consultantID string) (*AccessGrant, error)

	BumpSettingUsage(ctx context.Context, settingsID string, at time.Time) error
	AdvanceKeyRotation(ctx context.Context, identityID string, next int) error
	InsertUsage(ctx context.Context, row *UsageRow) error

	Ping(ctx context.Context) error
	Close() error
}

// Writer is the administrative side. Provider resolution never writes
// settings; seeding tools and tests do.
type Writer interface {
	UpsertProfile(ctx context.Context, p *Profile) error
	UpsertSetting(ctx context.Context, s *BackendSetting) error
	SetSharedPool(ctx context.Context, cfg *SharedPoolConfig) error
	UpsertSettingGrant(ctx context.Context, g *AccessGrant) error
	UpsertSharedPoolAccess(ctx context.Context, g *AccessGrant) error
}

// Backend is a full store implementation.
type Backend interface {
	Store
	Writer
	Initialize(ctx context.Context) error
}

// ErrNotFound is returned when a row does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "not found: " + e.Key
}

// IsNotFound reports whether err is (or wraps) *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
