package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"contractai-go/internal/constants"
	"contractai-go/internal/migrations"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// PostgresBackend implements Backend on PostgreSQL through lib/pq.
type PostgresBackend struct {
	db *sql.DB
}

func withPGTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, constants.StoreQueryTimeout)
}

// NewPostgresBackend opens and pings the database.
func NewPostgresBackend(dsn string, maxOpen int) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("Connected to PostgreSQL storage backend")
	return &PostgresBackend{db: db}, nil
}

// NewPostgresBackendFromDB wraps an existing handle.
func NewPostgresBackendFromDB(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Initialize brings the schema up to date.
func (p *PostgresBackend) Initialize(ctx context.Context) error {
	if err := migrations.Apply(p.db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Close() error { return p.db.Close() }

func (p *PostgresBackend) Ping(ctx context.Context) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

// wrapPQ adds a hint for the most common deployment mistake.
func wrapPQ(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "42P01" {
		return fmt.Errorf("%s: %w (schema missing, run migrations)", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const profileColumns = `id, preferred_backend, use_shared_pool, own_api_keys, key_rotation_index`

func (p *PostgresBackend) Profile(ctx context.Context, id string) (*Profile, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	var (
		prof    Profile
		pref    string
		optIn   sql.NullBool
		ownKeys string
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM identity_profiles WHERE id = $1`, id).
		Scan(&prof.ID, &pref, &optIn, &ownKeys, &prof.KeyRotationIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Key: "profile:" + id}
	}
	if err != nil {
		return nil, wrapPQ("get profile", err)
	}
	prof.PreferredBackend = Preference(pref)
	prof.OwnAPIKeys = ownKeys
	if optIn.Valid {
		v := optIn.Bool
		prof.UseSharedPool = &v
	}
	return &prof, nil
}

const settingColumns = `id, owner_id, display_name, project_id, location, service_account, managed_by,
	enabled, is_shared, usage_scope, activated_at, expires_at, usage_count, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSetting(row rowScanner) (*BackendSetting, error) {
	var (
		s         BackendSetting
		managedBy string
		scope     sql.NullString
		expires   sql.NullTime
		lastUsed  sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &s.DisplayName, &s.ProjectID, &s.Location, &s.ServiceAccount, &managedBy,
		&s.Enabled, &s.Shared, &scope, &s.ActivatedAt, &expires, &s.UsageCount, &lastUsed); err != nil {
		return nil, err
	}
	s.ManagedBy = ManagedBy(managedBy)
	if scope.Valid {
		s.UsageScope = UsageScope(scope.String)
	}
	if expires.Valid {
		t := expires.Time
		s.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		s.LastUsedAt = &t
	}
	return &s, nil
}

func (p *PostgresBackend) querySetting(ctx context.Context, key, query string, args ...any) (*BackendSetting, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	s, err := scanSetting(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Key: key}
	}
	if err != nil {
		return nil, wrapPQ("get setting", err)
	}
	return s, nil
}

func (p *PostgresBackend) SelfManagedSetting(ctx context.Context, ownerID string) (*BackendSetting, error) {
	return p.querySetting(ctx, "self_setting:"+ownerID,
		`SELECT `+settingColumns+` FROM ai_backend_settings
		 WHERE owner_id = $1 AND managed_by = 'self' AND enabled = TRUE
		 ORDER BY activated_at DESC LIMIT 1`, ownerID)
}

func (p *PostgresBackend) SharedBackend(ctx context.Context) (*BackendSetting, error) {
	return p.querySetting(ctx, "shared_backend",
		`SELECT `+settingColumns+` FROM ai_backend_settings
		 WHERE is_shared = TRUE AND enabled = TRUE
		 ORDER BY activated_at DESC LIMIT 1`)
}

func (p *PostgresBackend) EnabledSettings(ctx context.Context, ownerID string) ([]*BackendSetting, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+settingColumns+` FROM ai_backend_settings
		 WHERE owner_id = $1 AND enabled = TRUE
		 ORDER BY managed_by ASC, activated_at DESC`, ownerID)
	if err != nil {
		return nil, wrapPQ("list settings", err)
	}
	defer rows.Close()

	var out []*BackendSetting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (p *PostgresBackend) SharedPoolConfig(ctx context.Context) (*SharedPoolConfig, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	var cfg SharedPoolConfig
	err := p.db.QueryRowContext(ctx, `SELECT enabled, encrypted_keys, updated_at FROM shared_key_pool WHERE id = 1`).
		Scan(&cfg.Enabled, &cfg.EncryptedKeys, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Key: "shared_key_pool"}
	}
	if err != nil {
		return nil, wrapPQ("get shared pool", err)
	}
	return &cfg, nil
}

func (p *PostgresBackend) SettingGrant(ctx context.Context, settingsID, granteeID string) (*AccessGrant, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	g := AccessGrant{SubjectID: settingsID, GranteeID: granteeID}
	err := p.db.QueryRowContext(ctx,
		`SELECT has_access FROM ai_setting_grants WHERE settings_id = $1 AND grantee_id = $2`, settingsID, granteeID).
		Scan(&g.HasAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Key: "grant:" + settingsID + ":" + granteeID}
	}
	if err != nil {
		return nil, wrapPQ("get setting grant", err)
	}
	return &g, nil
}

func (p *PostgresBackend) SharedPoolAccess(ctx context.Context, consultantID string) (*AccessGrant, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	g := AccessGrant{SubjectID: consultantID, GranteeID: consultantID}
	err := p.db.QueryRowContext(ctx,
		`SELECT has_access FROM shared_pool_access WHERE consultant_id = $1`, consultantID).Scan(&g.HasAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Key: "pool_access:" + consultantID}
	}
	if err != nil {
		return nil, wrapPQ("get pool access", err)
	}
	return &g, nil
}

func (p *PostgresBackend) BumpSettingUsage(ctx context.Context, settingsID string, at time.Time) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx,
		`UPDATE ai_backend_settings SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1`,
		settingsID, at.UTC())
	if err != nil {
		return wrapPQ("bump setting usage", err)
	}
	return nil
}

func (p *PostgresBackend) AdvanceKeyRotation(ctx context.Context, identityID string, next int) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx,
		`UPDATE identity_profiles SET key_rotation_index = $2, updated_at = now() WHERE id = $1`, identityID, next)
	if err != nil {
		return wrapPQ("advance key rotation", err)
	}
	return nil
}

func (p *PostgresBackend) InsertUsage(ctx context.Context, r *UsageRow) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ai_usage_records (id, client_id, consultant_id, model, feature, feature_role, request_kind,
			key_source, source_tier, input_tokens, output_tokens, cached_tokens, thinking_tokens, duration_ms,
			has_tools, is_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.ClientID, r.ConsultantID, r.Model, r.Feature, r.FeatureRole, r.RequestKind,
		r.KeySource, r.SourceTier, r.InputTokens, r.OutputTokens, r.CachedTokens, r.ThinkingTokens, r.DurationMS,
		r.HasTools, r.IsError, r.CreatedAt.UTC())
	if err != nil {
		return wrapPQ("insert usage", err)
	}
	return nil
}

// Writer

func (p *PostgresBackend) UpsertProfile(ctx context.Context, prof *Profile) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	var optIn sql.NullBool
	if prof.UseSharedPool != nil {
		optIn = sql.NullBool{Bool: *prof.UseSharedPool, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO identity_profiles (id, preferred_backend, use_shared_pool, own_api_keys, key_rotation_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET preferred_backend = EXCLUDED.preferred_backend,
			use_shared_pool = EXCLUDED.use_shared_pool, own_api_keys = EXCLUDED.own_api_keys,
			key_rotation_index = EXCLUDED.key_rotation_index, updated_at = now()`,
		prof.ID, string(prof.Preference()), optIn, prof.OwnAPIKeys, prof.KeyRotationIndex)
	if err != nil {
		return wrapPQ("upsert profile", err)
	}
	return nil
}

func (p *PostgresBackend) UpsertSetting(ctx context.Context, s *BackendSetting) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	var scope sql.NullString
	if s.UsageScope != "" {
		scope = sql.NullString{String: string(s.UsageScope), Valid: true}
	}
	managedBy := s.ManagedBy
	if managedBy == "" {
		managedBy = ManagedBySelf
	}
	activated := s.ActivatedAt
	if activated.IsZero() {
		activated = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ai_backend_settings (id, owner_id, display_name, project_id, location, service_account,
			managed_by, enabled, is_shared, usage_scope, activated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, display_name = EXCLUDED.display_name,
			project_id = EXCLUDED.project_id, location = EXCLUDED.location,
			service_account = EXCLUDED.service_account, managed_by = EXCLUDED.managed_by,
			enabled = EXCLUDED.enabled, is_shared = EXCLUDED.is_shared, usage_scope = EXCLUDED.usage_scope,
			activated_at = EXCLUDED.activated_at, expires_at = EXCLUDED.expires_at`,
		s.ID, s.OwnerID, s.DisplayName, s.ProjectID, s.Location, s.ServiceAccount,
		string(managedBy), s.Enabled, s.Shared, scope, activated.UTC(), nullTime(s.ExpiresAt))
	if err != nil {
		return wrapPQ("upsert setting", err)
	}
	return nil
}

func (p *PostgresBackend) SetSharedPool(ctx context.Context, cfg *SharedPoolConfig) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO shared_key_pool (id, enabled, encrypted_keys, updated_at) VALUES (1, $1, $2, now())
		ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled, encrypted_keys = EXCLUDED.encrypted_keys, updated_at = now()`,
		cfg.Enabled, cfg.EncryptedKeys)
	if err != nil {
		return wrapPQ("set shared pool", err)
	}
	return nil
}

func (p *PostgresBackend) UpsertSettingGrant(ctx context.Context, g *AccessGrant) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ai_setting_grants (settings_id, grantee_id, has_access, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (settings_id, grantee_id) DO UPDATE SET has_access = EXCLUDED.has_access, updated_at = now()`,
		g.SubjectID, g.GranteeID, g.HasAccess)
	if err != nil {
		return wrapPQ("upsert setting grant", err)
	}
	return nil
}

func (p *PostgresBackend) UpsertSharedPoolAccess(ctx context.Context, g *AccessGrant) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO shared_pool_access (consultant_id, has_access, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (consultant_id) DO UPDATE SET has_access = EXCLUDED.has_access, updated_at = now()`,
		g.SubjectID, g.HasAccess)
	if err != nil {
		return wrapPQ("upsert pool access", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
