package storage

import (
	"strings"
	"time"
)

// ManagedBy tells who configured a backend setting.
type ManagedBy string

const (
	ManagedBySelf  ManagedBy = "self"
	ManagedByAdmin ManagedBy = "admin"
)

// UsageScope controls which class of requester may use a setting.
type UsageScope string

const (
	ScopeBoth           UsageScope = "both"
	ScopeConsultantOnly UsageScope = "consultant_only"
	ScopeClientsOnly    UsageScope = "clients_only"
	ScopeSelective      UsageScope = "selective"
)

// Preference is the per-client preferred backend family.
type Preference string

const (
	PreferenceVertexAdmin  Preference = "vertex_admin"
	PreferenceGoogleStudio Preference = "google_studio"
	PreferenceCustom       Preference = "custom"
)

// BackendSetting is one dedicated cloud AI configuration.
type BackendSetting struct {
	ID             string
	OwnerID        string
	DisplayName    string
	ProjectID      string
	Location       string
	ServiceAccount string // plaintext JSON or legacy ciphertext
	ManagedBy      ManagedBy
	Enabled        bool
	Shared         bool
	UsageScope     UsageScope // empty means ScopeBoth
	ActivatedAt    time.Time
	ExpiresAt      *time.Time
	UsageCount     int64
	LastUsedAt     *time.Time
}

// EffectiveScope applies the default for unset scopes.
func (s *BackendSetting) EffectiveScope() UsageScope {
	if strings.TrimSpace(string(s.UsageScope)) == "" {
		return ScopeBoth
	}
	return s.UsageScope
}

// Valid reports whether the setting may be used at now: it must be enabled
// and either carry a future expiry or, without one, still be inside the
// validity window measured from activation.
func (s *BackendSetting) Valid(now time.Time, validity time.Duration) bool {
	if s == nil || !s.Enabled {
		return false
	}
	if s.ExpiresAt != nil {
		return s.ExpiresAt.After(now)
	}
	return now.Before(s.ActivatedAt.Add(validity))
}

// Profile holds per-identity provider preferences.
type Profile struct {
	ID               string
	PreferredBackend Preference
	UseSharedPool    *bool  // nil means opted in
	OwnAPIKeys       string // encrypted JSON list of keys
	KeyRotationIndex int
}

// SharedPoolOptIn applies the default-true rule for the opt-in flag.
func (p *Profile) SharedPoolOptIn() bool {
	if p == nil || p.UseSharedPool == nil {
		return true
	}
	return *p.UseSharedPool
}

// Preference returns the stored preference or the default.
func (p *Profile) Preference() Preference {
	if p == nil || p.PreferredBackend == "" {
		return PreferenceVertexAdmin
	}
	return p.PreferredBackend
}

// SharedPoolConfig is the singleton shared key pool row.
type SharedPoolConfig struct {
	Enabled       bool
	EncryptedKeys string
	UpdatedAt     time.Time
}

// AccessGrant is an explicit allow/deny record. SubjectID is a settings id
// for setting grants and a consultant id for shared pool access.
type AccessGrant struct {
	SubjectID string
	GranteeID string
	HasAccess bool
}

// UsageRow is a persisted usage record.
type UsageRow struct {
	ID             string
	ClientID       string
	ConsultantID   string
	Model          string
	Feature        string
	FeatureRole    string
	RequestKind    string
	KeySource      string
	SourceTier     string
	InputTokens    int
	OutputTokens   int
	CachedTokens   int
	ThinkingTokens int
	DurationMS     int64
	HasTools       bool
	IsError        bool
	CreatedAt      time.Time
}
