package config

import (
	"time"

	"contractai-go/internal/constants"
)

// Config is the full runtime configuration. Every section can be set from
// the config file and overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Secrets   SecretsConfig   `yaml:"secrets" json:"secrets"`
	Providers ProvidersConfig `yaml:"providers" json:"providers"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Usage     UsageConfig     `yaml:"usage" json:"usage"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
}

// ServerConfig 服务器与日志
type ServerConfig struct {
	Addr          string `yaml:"addr" json:"addr"`
	ManagementKey string `yaml:"management_key" json:"management_key"`
	Debug         bool   `yaml:"debug" json:"debug"`
	LogLevel      string `yaml:"log_level" json:"log_level"`
	LogFile       string `yaml:"log_file" json:"log_file"`
	// Per-IP requests per second on the public API; 0 disables the limiter.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	// Extra browser origins allowed to open the streaming WebSocket.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// StorageConfig selects the relational store.
type StorageConfig struct {
	Backend     string `yaml:"backend" json:"backend"` // postgres | sqlite
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path"`
	AutoMigrate bool   `yaml:"auto_migrate" json:"auto_migrate"`
	MaxOpenConn int    `yaml:"max_open_conns" json:"max_open_conns"`
}

type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key" json:"encryption_key"`
}

// ProvidersConfig 提供商选择
type ProvidersConfig struct {
	// FallbackAPIKey is the process-wide last resort key for the terminal tier.
	FallbackAPIKey     string `yaml:"fallback_api_key" json:"fallback_api_key"`
	PrimaryModel       string `yaml:"primary_model" json:"primary_model"`
	DefaultModel       string `yaml:"default_model" json:"default_model"`
	DefaultLocation    string `yaml:"default_location" json:"default_location"`
	KeyPoolTTLSec      int    `yaml:"key_pool_ttl_sec" json:"key_pool_ttl_sec"`
	BackendValidityDay int    `yaml:"backend_validity_days" json:"backend_validity_days"`
	VertexEndpoint     string `yaml:"vertex_endpoint" json:"vertex_endpoint"`
	StudioEndpoint     string `yaml:"studio_endpoint" json:"studio_endpoint"`
	ProxyURL           string `yaml:"proxy_url" json:"proxy_url"`
}

// RetryConfig drives the rate-limited call wrapper around vendor calls.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts"`
	InitialIntervalMS int     `yaml:"initial_interval_ms" json:"initial_interval_ms"`
	MaxIntervalMS     int     `yaml:"max_interval_ms" json:"max_interval_ms"`
	RPS               float64 `yaml:"rps" json:"rps"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// UsageConfig 用量记录
type UsageConfig struct {
	QueueSize     int    `yaml:"queue_size" json:"queue_size"`
	PersistSQL    bool   `yaml:"persist_sql" json:"persist_sql"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
}

// TracingConfig enables OTLP span export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			LogLevel:       "info",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Storage: StorageConfig{
			Backend:     "postgres",
			SQLitePath:  "contractai.db",
			AutoMigrate: true,
			MaxOpenConn: 20,
		},
		Providers: ProvidersConfig{
			PrimaryModel:       constants.DefaultPrimaryModel,
			DefaultModel:       constants.DefaultModel,
			DefaultLocation:    constants.DefaultVertexLocation,
			KeyPoolTTLSec:      int(constants.KeyPoolTTL / time.Second),
			BackendValidityDay: int(constants.BackendValidity / (24 * time.Hour)),
		},
		Retry: RetryConfig{
			MaxAttempts:       constants.DefaultRetryMaxAttempts,
			InitialIntervalMS: int(constants.DefaultRetryInitialInterval / time.Millisecond),
			MaxIntervalMS:     int(constants.DefaultRetryMaxInterval / time.Millisecond),
			RPS:               constants.DefaultUpstreamRPS,
			Burst:             constants.DefaultUpstreamBurst,
		},
		Usage: UsageConfig{
			QueueSize:   constants.UsageQueueSize,
			PersistSQL:  true,
			RedisPrefix: "contractai:usage:",
		},
		Tracing: TracingConfig{
			Insecure:    true,
			SampleRatio: 1,
			ServiceName: "contractai-go",
		},
	}
}

// KeyPoolTTL returns the configured pool TTL as a duration.
func (c *Config) KeyPoolTTL() time.Duration {
	if c.Providers.KeyPoolTTLSec <= 0 {
		return constants.KeyPoolTTL
	}
	return time.Duration(c.Providers.KeyPoolTTLSec) * time.Second
}

// BackendValidity returns the validity window for settings without expiry.
func (c *Config) BackendValidity() time.Duration {
	if c.Providers.BackendValidityDay <= 0 {
		return constants.BackendValidity
	}
	return time.Duration(c.Providers.BackendValidityDay) * 24 * time.Hour
}

// Clone returns a copy that shares no slices with c.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	cp := *c
	cp.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return &cp
}
