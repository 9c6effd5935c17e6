package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	store "contractai-go/internal/storage"
)

// seedFile is the YAML (or JSON) document accepted by -mode seed. Key lists
// are given in plaintext and encrypted before they are written.
type seedFile struct {
	SharedPool *struct {
		Enabled bool     `yaml:"enabled"`
		Keys    []string `yaml:"keys"`
	} `yaml:"shared_pool"`
	Profiles []struct {
		ID               string   `yaml:"id"`
		PreferredBackend string   `yaml:"preferred_backend"`
		UseSharedPool    *bool    `yaml:"use_shared_pool"`
		OwnAPIKeys       []string `yaml:"own_api_keys"`
	} `yaml:"profiles"`
	Settings []struct {
		ID             string     `yaml:"id"`
		OwnerID        string     `yaml:"owner_id"`
		DisplayName    string     `yaml:"display_name"`
		ProjectID      string     `yaml:"project_id"`
		Location       string     `yaml:"location"`
		ServiceAccount string     `yaml:"service_account"`
		ManagedBy      string     `yaml:"managed_by"`
		UsageScope     string     `yaml:"usage_scope"`
		Disabled       bool       `yaml:"disabled"`
		Shared         bool       `yaml:"shared"`
		ActivatedAt    *time.Time `yaml:"activated_at"`
		ExpiresAt      *time.Time `yaml:"expires_at"`
	} `yaml:"settings"`
	SettingGrants []seedGrant `yaml:"setting_grants"`
	PoolAccess    []seedGrant `yaml:"shared_pool_access"`
}

type seedGrant struct {
	Subject   string `yaml:"subject"`
	Grantee   string `yaml:"grantee"`
	HasAccess bool   `yaml:"has_access"`
}

type encrypter interface {
	EncryptJSON(v any) (string, error)
}

type seedCounts struct {
	Profiles, Settings, Grants int
	Pool                       bool
}

func (c seedCounts) String() string {
	return fmt.Sprintf("profiles=%d settings=%d grants=%d shared_pool=%t", c.Profiles, c.Settings, c.Grants, c.Pool)
}

// applySeed upserts every row in s. It stops at the first failed write.
func applySeed(ctx context.Context, w store.Writer, enc encrypter, s *seedFile, now time.Time) (seedCounts, error) {
	var counts seedCounts
	encryptKeys := func(keys []string) (string, error) {
		if len(keys) == 0 {
			return "", nil
		}
		if enc == nil {
			return "", fmt.Errorf("key lists need secrets.encryption_key")
		}
		return enc.EncryptJSON(keys)
	}

	if s.SharedPool != nil {
		blob, err := encryptKeys(s.SharedPool.Keys)
		if err != nil {
			return counts, fmt.Errorf("shared pool: %w", err)
		}
		if err := w.SetSharedPool(ctx, &store.SharedPoolConfig{Enabled: s.SharedPool.Enabled, EncryptedKeys: blob, UpdatedAt: now}); err != nil {
			return counts, fmt.Errorf("shared pool: %w", err)
		}
		counts.Pool = true
	}

	for _, p := range s.Profiles {
		blob, err := encryptKeys(p.OwnAPIKeys)
		if err != nil {
			return counts, fmt.Errorf("profile %s: %w", p.ID, err)
		}
		if err := w.UpsertProfile(ctx, &store.Profile{
			ID:               p.ID,
			PreferredBackend: store.Preference(p.PreferredBackend),
			UseSharedPool:    p.UseSharedPool,
			OwnAPIKeys:       blob,
		}); err != nil {
			return counts, fmt.Errorf("profile %s: %w", p.ID, err)
		}
		counts.Profiles++
	}

	for _, st := range s.Settings {
		managedBy := store.ManagedBy(strings.TrimSpace(st.ManagedBy))
		if managedBy == "" {
			managedBy = store.ManagedBySelf
		}
		activated := now
		if st.ActivatedAt != nil {
			activated = *st.ActivatedAt
		}
		if err := w.UpsertSetting(ctx, &store.BackendSetting{
			ID:             st.ID,
			OwnerID:        st.OwnerID,
			DisplayName:    st.DisplayName,
			ProjectID:      st.ProjectID,
			Location:       st.Location,
			ServiceAccount: strings.TrimSpace(st.ServiceAccount),
			ManagedBy:      managedBy,
			Enabled:        !st.Disabled,
			Shared:         st.Shared,
			UsageScope:     store.UsageScope(st.UsageScope),
			ActivatedAt:    activated,
			ExpiresAt:      st.ExpiresAt,
		}); err != nil {
			return counts, fmt.Errorf("setting %s: %w", st.ID, err)
		}
		counts.Settings++
	}

	for _, g := range s.SettingGrants {
		if err := w.UpsertSettingGrant(ctx, &store.AccessGrant{SubjectID: g.Subject, GranteeID: g.Grantee, HasAccess: g.HasAccess}); err != nil {
			return counts, fmt.Errorf("setting grant %s/%s: %w", g.Subject, g.Grantee, err)
		}
		counts.Grants++
	}
	for _, g := range s.PoolAccess {
		if err := w.UpsertSharedPoolAccess(ctx, &store.AccessGrant{SubjectID: g.Subject, GranteeID: g.Subject, HasAccess: g.HasAccess}); err != nil {
			return counts, fmt.Errorf("shared pool access %s: %w", g.Subject, err)
		}
		counts.Grants++
	}
	return counts, nil
}
