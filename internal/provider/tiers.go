package provider

import (
	"context"
	"errors"
	"fmt"

	"contractai-go/internal/keypool"
	"contractai-go/internal/storage"

	log "github.com/sirupsen/logrus"
)

// tier is one resolution strategy. try returns (nil, nil) to skip.
type tier struct {
	name string
	try  func(ctx context.Context, q *request) (*Result, error)
}

// Tier names as they appear in logs, metrics and terminal errors.
const (
	tierPoolPrimary       = "tier0-pool-primary"
	tierSharedDedicated   = "tier0.5-shared-dedicated"
	tierClientOwned       = "tier1-client-owned"
	tierConsultantManaged = "tier2-consultant-managed"
	tierTerminal          = "tier3-terminal"
	tierOwnKeysOnly       = "custom-own-keys"
)

var errNoCredential = errors.New("backend setting has no usable service account")

// 池优先：新模型只在这里开放
func (r *Resolver) poolPrimaryTier() tier {
	return tier{name: tierPoolPrimary, try: func(ctx context.Context, q *request) (*Result, error) {
		if !q.hasConsultant() || !r.policy.SharedPoolOptIn(ctx, q.consultantID) {
			return nil, nil
		}
		return r.fromPool(ctx, SourcePoolPrimary, q.settings.PrimaryModel)
	}}
}

func (r *Resolver) sharedDedicatedTier() tier {
	return tier{name: tierSharedDedicated, try: func(ctx context.Context, q *request) (*Result, error) {
		if !q.hasConsultant() || !r.policy.CanUseSharedPool(ctx, q.consultantID) {
			return nil, nil
		}
		setting, err := r.store.SharedBackend(ctx)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		if !setting.Enabled {
			return nil, nil
		}
		return r.fromSetting(ctx, SourceSharedDedicated, setting, q.settings)
	}}
}

func (r *Resolver) clientOwnedTier() tier {
	return tier{name: tierClientOwned, try: func(ctx context.Context, q *request) (*Result, error) {
		setting, err := r.store.SelfManagedSetting(ctx, q.clientID)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		if !setting.Valid(r.now(), q.settings.Validity) {
			log.WithFields(log.Fields{"settings_id": setting.ID, "client_id": q.clientID}).Info("self-managed backend expired or disabled")
			return nil, nil
		}
		res, err := r.fromSetting(ctx, SourceClientOwned, setting, q.settings)
		if err != nil {
			return nil, err
		}
		r.bumpUsage(q, setting.ID)
		return res, nil
	}}
}

// 顾问配置：admin 优先，逐条尝试
func (r *Resolver) consultantManagedTier() tier {
	return tier{name: tierConsultantManaged, try: func(ctx context.Context, q *request) (*Result, error) {
		if !q.hasConsultant() {
			return nil, nil
		}
		settings, err := r.store.EnabledSettings(ctx, q.consultantID)
		if err != nil {
			return nil, err
		}
		isOwner := q.clientID == q.consultantID
		now := r.now()
		for _, s := range settings {
			fields := log.Fields{"settings_id": s.ID, "client_id": q.clientID, "consultant_id": q.consultantID}
			if !s.Valid(now, q.settings.Validity) {
				log.WithFields(fields).Debug("consultant backend expired or disabled")
				continue
			}
			if !r.policy.CanUse(ctx, s, q.clientID, isOwner) {
				log.WithFields(fields).WithField("scope", s.EffectiveScope()).Debug("consultant backend denied by usage scope")
				continue
			}
			res, err := r.fromSetting(ctx, SourceConsultantManaged, s, q.settings)
			if err != nil {
				log.WithError(err).WithFields(fields).Warn("consultant backend unusable; trying next")
				continue
			}
			r.bumpUsage(q, s.ID)
			return res, nil
		}
		return nil, nil
	}}
}

// terminalTier tries the shared pool, then the identity's own keys, then
// the process-wide fallback key.
func (r *Resolver) terminalTier() tier {
	return tier{name: tierTerminal, try: func(ctx context.Context, q *request) (*Result, error) {
		id := q.effectiveID()
		model := q.settings.DefaultModel
		steps := []struct {
			name string
			fn   func() (*Result, error)
		}{
			{SourceFallbackPool, func() (*Result, error) {
				if !r.policy.SharedPoolOptIn(ctx, id) {
					return nil, nil
				}
				return r.fromPool(ctx, SourceFallbackPool, model)
			}},
			{SourceOwnKeys, func() (*Result, error) { return r.fromOwnKeys(ctx, q, id, model) }},
			{SourceEnv, func() (*Result, error) {
				if q.settings.FallbackAPIKey == "" {
					return nil, nil
				}
				return r.fromKey(ctx, SourceEnv, q.settings.FallbackAPIKey, model, Metadata{DisplayName: "environment fallback key"})
			}},
		}
		var errs []error
		for _, step := range steps {
			res, err := step.fn()
			if err != nil {
				log.WithError(err).WithFields(log.Fields{"step": step.name, "identity": id}).Warn("terminal tier step failed")
				errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
				continue
			}
			if res != nil {
				return res, nil
			}
		}
		return nil, errors.Join(errs...)
	}}
}

func (r *Resolver) ownKeysOnlyTier() tier {
	return tier{name: tierOwnKeysOnly, try: func(ctx context.Context, q *request) (*Result, error) {
		return r.fromOwnKeys(ctx, q, q.clientID, q.settings.DefaultModel)
	}}
}

func (r *Resolver) fromPool(ctx context.Context, source, model string) (*Result, error) {
	if r.pool == nil {
		return nil, nil
	}
	key, err := r.pool.Pick(ctx)
	if err != nil {
		if errors.Is(err, keypool.ErrEmpty) {
			return nil, nil
		}
		return nil, err
	}
	return r.fromKey(ctx, source, key, model, Metadata{DisplayName: "shared key pool"})
}

// fromOwnKeys picks keys[index % len] and advances the stored index in the
// background, except on dry runs.
func (r *Resolver) fromOwnKeys(ctx context.Context, q *request, identityID, model string) (*Result, error) {
	profile, err := r.store.Profile(ctx, identityID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	keys, err := keypool.DecodeKeys(r.codec, profile.OwnAPIKeys)
	if err != nil {
		return nil, fmt.Errorf("own api keys unreadable: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	idx := profile.KeyRotationIndex % len(keys)
	if idx < 0 {
		idx += len(keys)
	}
	next := (idx + 1) % len(keys)
	res, err := r.fromKey(ctx, SourceOwnKeys, keys[idx], model, Metadata{DisplayName: "own API keys"})
	if err != nil {
		return nil, err
	}
	if !q.dryRun {
		r.background("advance-key-rotation", func(ctx context.Context) error {
			return r.store.AdvanceKeyRotation(ctx, identityID, next)
		})
	}
	return res, nil
}

func (r *Resolver) fromKey(ctx context.Context, source, key, model string, md Metadata) (*Result, error) {
	client, err := r.factory.Studio(ctx, key, model)
	if err != nil {
		return nil, err
	}
	return &Result{Client: client, Source: source, Metadata: md}, nil
}

// fromSetting builds a Vertex client from a backend setting. Settings with
// an explicit expiry get their cached credential evicted on cleanup.
func (r *Resolver) fromSetting(ctx context.Context, source string, s *storage.BackendSetting, st Settings) (*Result, error) {
	if r.creds == nil {
		return nil, errNoCredential
	}
	sa := r.creds.GetOrParse(s.ID, s.ServiceAccount, s.ActivatedAt)
	if sa == nil {
		return nil, fmt.Errorf("settings %s: %w", s.ID, errNoCredential)
	}
	location := s.Location
	if location == "" {
		location = st.DefaultLocation
	}
	client, err := r.factory.Vertex(ctx, s, sa, location, st.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("settings %s: %w", s.ID, err)
	}
	project := s.ProjectID
	if project == "" {
		project = sa.ProjectID
	}
	settingsID, ephemeral := s.ID, s.ExpiresAt != nil
	return &Result{
		Client: client,
		Source: source,
		Metadata: Metadata{
			DisplayName: s.DisplayName,
			SettingsID:  s.ID,
			ManagedBy:   s.ManagedBy,
			ProjectID:   project,
			Location:    location,
			ExpiresAt:   s.ExpiresAt,
		},
		cleanup: func() {
			_ = client.Close()
			if ephemeral {
				r.creds.Evict(settingsID)
			}
		},
	}, nil
}

func (r *Resolver) bumpUsage(q *request, settingsID string) {
	if q.dryRun {
		return
	}
	at := r.now()
	r.background("bump-setting-usage", func(ctx context.Context) error {
		return r.store.BumpSettingUsage(ctx, settingsID, at)
	})
}
