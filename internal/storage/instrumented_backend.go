package storage

import (
	"context"
	"time"

	"contractai-go/internal/monitoring"
	"contractai-go/internal/monitoring/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// WithInstrumentation wraps the read path of a backend with tracing and
// latency metrics. Writer methods pass through untouched.
func WithInstrumentation(inner Backend, label string) Backend {
	if inner == nil {
		return nil
	}
	if label == "" {
		label = "unknown"
	}
	return &instrumentedBackend{Backend: inner, label: label}
}

type instrumentedBackend struct {
	Backend
	label string
}

func (i *instrumentedBackend) instrument(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "storage", "storage."+op)
	span.SetAttributes(attribute.String("storage.backend", i.label))

	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	switch {
	case err == nil:
		tracing.End(span, nil)
	case IsNotFound(err):
		outcome = "not_found"
		tracing.End(span, nil)
	default:
		outcome = "error"
		tracing.End(span, err)
	}
	monitoring.StoreOperationDuration.WithLabelValues(i.label, op, outcome).Observe(time.Since(start).Seconds())
	return err
}

func (i *instrumentedBackend) Profile(ctx context.Context, id string) (out *Profile, err error) {
	err = i.instrument(ctx, "profile", func(ctx context.Context) error {
		out, err = i.Backend.Profile(ctx, id)
		return err
	})
	return out, err
}

func (i *instrumentedBackend) SelfManagedSetting(ctx context.Context, ownerID string) (out *BackendSetting, err error) {
	err = i.instrument(ctx, "self_managed_setting", func(ctx context.Context) error {
		out, err = i.Backend.SelfManagedSetting(ctx, ownerID)
		return err
	})
	return out, err
}

func (i *instrumentedBackend) EnabledSettings(ctx context.Context, ownerID string) (out []*BackendSetting, err error) {
	err = i.instrument(ctx, "enabled_settings", func(ctx context.Context) error {
		out, err = i.Backend.EnabledSettings(ctx, ownerID)
		return err
	})
	return out, err
}

func (i *instrumentedBackend) SharedBackend(ctx context.Context) (out *BackendSetting, err error) {
	err = i.instrument(ctx, "shared_backend", func(ctx context.Context) error {
		out, err = i.Backend.SharedBackend(ctx)
		return err
	})
	return out, err
}

func (i *instrumentedBackend) SharedPoolConfig(ctx context.Context) (out *SharedPoolConfig, err error) {
	err = i.instrument(ctx, "shared_pool_config", func(ctx context.Context) error {
		out, err = i.Backend.SharedPoolConfig(ctx)
		return err
	})
	return out, err
}

func (i *instrumentedBackend) SettingGrant(ctx context.Context, settingsID, granteeID string) (out *AccessGrant, err error) {
	err = i.instrument(ctx, "setting_grant", func(ctx context.Context) error {
		out, err = i.Backend.SettingGrant(ctx, settingsID, granteeID)
		return err
	})
	return out, err
}

func (i *instrumentedBackend) SharedPoolAccess(ctx context.Context, consultantID string) (out *AccessGrant, err error) {
	err = i.instrument(ctx, "shared_pool_access", func(ctx context.Context) error {
		out, err = i.Backend.SharedPoolAccess(ctx, consultantID)
		return err
	})
	return out, err
}

func (i *instrumentedBackend) BumpSettingUsage(ctx context.Context, settingsID string, at time.Time) error {
	return i.instrument(ctx, "bump_setting_usage", func(ctx context.Context) error {
		return i.Backend.BumpSettingUsage(ctx, settingsID, at)
	})
}

func (i *instrumentedBackend) InsertUsage(ctx context.Context, row *UsageRow) error {
	return i.instrument(ctx, "insert_usage", func(ctx context.Context) error {
		return i.Backend.InsertUsage(ctx, row)
	})
}
