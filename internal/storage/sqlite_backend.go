package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// gorm models; table names match the PostgreSQL migrations.

type profileModel struct {
	ID               string `gorm:"primaryKey"`
	PreferredBackend string
	UseSharedPool    *bool
	OwnAPIKeys       string
	KeyRotationIndex int
	UpdatedAt        time.Time
}

func (profileModel) TableName() string { return "identity_profiles" }

type settingModel struct {
	ID             string `gorm:"primaryKey"`
	OwnerID        string `gorm:"index:idx_settings_owner"`
	DisplayName    string
	ProjectID      string
	Location       string
	ServiceAccount string
	ManagedBy      string
	Enabled        bool `gorm:"index:idx_settings_owner"`
	IsShared       bool
	UsageScope     *string
	ActivatedAt    time.Time
	ExpiresAt      *time.Time
	UsageCount     int64
	LastUsedAt     *time.Time
	CreatedAt      time.Time
}

func (settingModel) TableName() string { return "ai_backend_settings" }

type poolModel struct {
	ID            int `gorm:"primaryKey;autoIncrement:false"`
	Enabled       bool
	EncryptedKeys string
	UpdatedAt     time.Time
}

func (poolModel) TableName() string { return "shared_key_pool" }

type grantModel struct {
	SettingsID string `gorm:"primaryKey"`
	GranteeID  string `gorm:"primaryKey"`
	HasAccess  bool
	UpdatedAt  time.Time
}

func (grantModel) TableName() string { return "ai_setting_grants" }

type poolAccessModel struct {
	ConsultantID string `gorm:"primaryKey"`
	HasAccess    bool
	UpdatedAt    time.Time
}

func (poolAccessModel) TableName() string { return "shared_pool_access" }

type usageModel struct {
	ID             string `gorm:"primaryKey"`
	ClientID       string `gorm:"index"`
	ConsultantID   string `gorm:"index"`
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
	DurationMS     int64 `gorm:"column:duration_ms"`
	HasTools       bool
	IsError        bool
	CreatedAt      time.Time
}

func (usageModel) TableName() string { return "ai_usage_records" }

// SQLiteBackend implements Backend on an embedded SQLite file through gorm.
// It targets single-node deployments and local development.
type SQLiteBackend struct {
	db *gorm.DB
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	log.WithField("path", path).Info("Opened SQLite storage backend")
	return &SQLiteBackend{db: db}, nil
}

// Initialize creates or updates the schema.
func (s *SQLiteBackend) Initialize(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&profileModel{}, &settingModel{}, &poolModel{}, &grantModel{}, &poolAccessModel{}, &usageModel{})
}

func (s *SQLiteBackend) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteBackend) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &ErrNotFound{Key: key}
	}
	return err
}

func (s *SQLiteBackend) Profile(ctx context.Context, id string) (*Profile, error) {
	var m profileModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err, "profile:"+id)
	}
	return &Profile{
		ID:               m.ID,
		PreferredBackend: Preference(m.PreferredBackend),
		UseSharedPool:    m.UseSharedPool,
		OwnAPIKeys:       m.OwnAPIKeys,
		KeyRotationIndex: m.KeyRotationIndex,
	}, nil
}

func (m *settingModel) toSetting() *BackendSetting {
	out := &BackendSetting{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		DisplayName:    m.DisplayName,
		ProjectID:      m.ProjectID,
		Location:       m.Location,
		ServiceAccount: m.ServiceAccount,
		ManagedBy:      ManagedBy(m.ManagedBy),
		Enabled:        m.Enabled,
		Shared:         m.IsShared,
		ActivatedAt:    m.ActivatedAt,
		ExpiresAt:      m.ExpiresAt,
		UsageCount:     m.UsageCount,
		LastUsedAt:     m.LastUsedAt,
	}
	if m.UsageScope != nil {
		out.UsageScope = UsageScope(*m.UsageScope)
	}
	return out
}

func (s *SQLiteBackend) SelfManagedSetting(ctx context.Context, ownerID string) (*BackendSetting, error) {
	var m settingModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND managed_by = ? AND enabled = ?", ownerID, string(ManagedBySelf), true).
		Order("activated_at DESC").First(&m).Error
	if err != nil {
		return nil, notFound(err, "self_setting:"+ownerID)
	}
	return m.toSetting(), nil
}

func (s *SQLiteBackend) EnabledSettings(ctx context.Context, ownerID string) ([]*BackendSetting, error) {
	var rows []settingModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND enabled = ?", ownerID, true).
		Order("managed_by ASC").Order("activated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*BackendSetting, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSetting())
	}
	return out, nil
}

func (s *SQLiteBackend) SharedBackend(ctx context.Context) (*BackendSetting, error) {
	var m settingModel
	err := s.db.WithContext(ctx).Where("is_shared = ? AND enabled = ?", true, true).
		Order("activated_at DESC").First(&m).Error
	if err != nil {
		return nil, notFound(err, "shared_backend")
	}
	return m.toSetting(), nil
}

func (s *SQLiteBackend) SharedPoolConfig(ctx context.Context) (*SharedPoolConfig, error) {
	var m poolModel
	if err := s.db.WithContext(ctx).Where("id = ?", 1).First(&m).Error; err != nil {
		return nil, notFound(err, "shared_key_pool")
	}
	return &SharedPoolConfig{Enabled: m.Enabled, EncryptedKeys: m.EncryptedKeys, UpdatedAt: m.UpdatedAt}, nil
}

func (s *SQLiteBackend) SettingGrant(ctx context.Context, settingsID, granteeID string) (*AccessGrant, error) {
	var m grantModel
	err := s.db.WithContext(ctx).Where("settings_id = ? AND grantee_id = ?", settingsID, granteeID).First(&m).Error
	if err != nil {
		return nil, notFound(err, "grant:"+settingsID+":"+granteeID)
	}
	return &AccessGrant{SubjectID: m.SettingsID, GranteeID: m.GranteeID, HasAccess: m.HasAccess}, nil
}

func (s *SQLiteBackend) SharedPoolAccess(ctx context.Context, consultantID string) (*AccessGrant, error) {
	var m poolAccessModel
	if err := s.db.WithContext(ctx).Where("consultant_id = ?", consultantID).First(&m).Error; err != nil {
		return nil, notFound(err, "pool_access:"+consultantID)
	}
	return &AccessGrant{SubjectID: m.ConsultantID, GranteeID: m.ConsultantID, HasAccess: m.HasAccess}, nil
}

func (s *SQLiteBackend) BumpSettingUsage(ctx context.Context, settingsID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&settingModel{}).Where("id = ?", settingsID).
		Updates(map[string]any{"usage_count": gorm.Expr("usage_count + 1"), "last_used_at": at.UTC()}).Error
}

func (s *SQLiteBackend) AdvanceKeyRotation(ctx context.Context, identityID string, next int) error {
	return s.db.WithContext(ctx).Model(&profileModel{}).Where("id = ?", identityID).
		Updates(map[string]any{"key_rotation_index": next, "updated_at": time.Now().UTC()}).Error
}

func (s *SQLiteBackend) InsertUsage(ctx context.Context, r *UsageRow) error {
	return s.db.WithContext(ctx).Create(&usageModel{
		ID: r.ID, ClientID: r.ClientID, ConsultantID: r.ConsultantID, Model: r.Model,
		Feature: r.Feature, FeatureRole: r.FeatureRole, RequestKind: r.RequestKind,
		KeySource: r.KeySource, SourceTier: r.SourceTier,
		InputTokens: r.InputTokens, OutputTokens: r.OutputTokens, CachedTokens: r.CachedTokens,
		ThinkingTokens: r.ThinkingTokens, DurationMS: r.DurationMS, HasTools: r.HasTools,
		IsError: r.IsError, CreatedAt: r.CreatedAt.UTC(),
	}).Error
}

func (s *SQLiteBackend) upsert(ctx context.Context, value any) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

func (s *SQLiteBackend) UpsertProfile(ctx context.Context, p *Profile) error {
	return s.upsert(ctx, &profileModel{
		ID: p.ID, PreferredBackend: string(p.Preference()), UseSharedPool: p.UseSharedPool,
		OwnAPIKeys: p.OwnAPIKeys, KeyRotationIndex: p.KeyRotationIndex, UpdatedAt: time.Now().UTC(),
	})
}

func (s *SQLiteBackend) UpsertSetting(ctx context.Context, in *BackendSetting) error {
	m := &settingModel{
		ID: in.ID, OwnerID: in.OwnerID, DisplayName: in.DisplayName, ProjectID: in.ProjectID,
		Location: in.Location, ServiceAccount: in.ServiceAccount, ManagedBy: string(in.ManagedBy),
		Enabled: in.Enabled, IsShared: in.Shared, ActivatedAt: in.ActivatedAt, ExpiresAt: in.ExpiresAt,
		UsageCount: in.UsageCount, LastUsedAt: in.LastUsedAt,
	}
	if m.ManagedBy == "" {
		m.ManagedBy = string(ManagedBySelf)
	}
	if m.ActivatedAt.IsZero() {
		m.ActivatedAt = time.Now().UTC()
	}
	if in.UsageScope != "" {
		scope := string(in.UsageScope)
		m.UsageScope = &scope
	}
	return s.upsert(ctx, m)
}

func (s *SQLiteBackend) SetSharedPool(ctx context.Context, cfg *SharedPoolConfig) error {
	return s.upsert(ctx, &poolModel{ID: 1, Enabled: cfg.Enabled, EncryptedKeys: cfg.EncryptedKeys, UpdatedAt: time.Now().UTC()})
}

func (s *SQLiteBackend) UpsertSettingGrant(ctx context.Context, g *AccessGrant) error {
	return s.upsert(ctx, &grantModel{SettingsID: g.SubjectID, GranteeID: g.GranteeID, HasAccess: g.HasAccess, UpdatedAt: time.Now().UTC()})
}

func (s *SQLiteBackend) UpsertSharedPoolAccess(ctx context.Context, g *AccessGrant) error {
	return s.upsert(ctx, &poolAccessModel{ConsultantID: g.SubjectID, HasAccess: g.HasAccess, UpdatedAt: time.Now().UTC()})
}
