package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s=%s]: %s", e.Field, e.Value, e.Message)
}

// Validate normalizes a few fields and rejects unusable values.
func (c *Config) Validate() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch c.Storage.Backend {
	case "postgres", "sqlite":
	case "":
		c.Storage.Backend = "postgres"
	default:
		return ValidationError{Field: "storage.backend", Value: c.Storage.Backend, Message: "expected postgres or sqlite"}
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return ValidationError{Field: "storage.postgres_dsn", Message: "required for the postgres backend (or set DATABASE_URL)"}
	}
	if c.Retry.MaxAttempts < 1 {
		return ValidationError{Field: "retry.max_attempts", Value: fmt.Sprint(c.Retry.MaxAttempts), Message: "must be at least 1"}
	}
	if c.Retry.RPS < 0 {
		return ValidationError{Field: "retry.rps", Value: fmt.Sprint(c.Retry.RPS), Message: "must not be negative"}
	}
	if c.Providers.KeyPoolTTLSec < 0 {
		return ValidationError{Field: "providers.key_pool_ttl_sec", Value: fmt.Sprint(c.Providers.KeyPoolTTLSec), Message: "must not be negative"}
	}
	if c.Providers.DefaultModel == "" {
		return ValidationError{Field: "providers.default_model", Message: "must be set"}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return ValidationError{Field: "tracing.sample_ratio", Value: fmt.Sprint(c.Tracing.SampleRatio), Message: "must be within [0, 1]"}
	}
	if c.Usage.QueueSize <= 0 {
		c.Usage.QueueSize = Default().Usage.QueueSize
	}
	return nil
}
