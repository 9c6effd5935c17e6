package config

// ApplyEnv overlays environment variables on cfg. Env always wins over the file.
func ApplyEnv(cfg *Config) {
	setStringFromEnv("SERVER_ADDR", func(v string) { cfg.Server.Addr = v })
	setStringFromEnv("MANAGEMENT_KEY", func(v string) { cfg.Server.ManagementKey = v })
	setToggleFromEnv("DEBUG", func(v bool) { cfg.Server.Debug = v })
	setStringFromEnv("LOG_LEVEL", func(v string) { cfg.Server.LogLevel = v })
	setStringFromEnv("LOG_FILE", func(v string) { cfg.Server.LogFile = v })
	setFloatFromEnv("RATE_LIMIT_RPS", func(v float64) { cfg.Server.RateLimitRPS = v })
	setIntFromEnv("RATE_LIMIT_BURST", func(v int) { cfg.Server.RateLimitBurst = v })
	setStringFromEnv("ALLOWED_ORIGINS", func(v string) { cfg.Server.AllowedOrigins = splitList(v) })

	setStringFromEnv("STORAGE_BACKEND", func(v string) { cfg.Storage.Backend = v })
	setStringFromEnv("DATABASE_URL", func(v string) { cfg.Storage.PostgresDSN = v })
	setStringFromEnv("SQLITE_PATH", func(v string) { cfg.Storage.SQLitePath = v })
	setToggleFromEnv("AUTO_MIGRATE", func(v bool) { cfg.Storage.AutoMigrate = v })

	setStringFromEnv("SECRETS_ENCRYPTION_KEY", func(v string) { cfg.Secrets.EncryptionKey = v })

	setStringFromEnv("GEMINI_API_KEY", func(v string) { cfg.Providers.FallbackAPIKey = v })
	setStringFromEnv("PRIMARY_MODEL", func(v string) { cfg.Providers.PrimaryModel = v })
	setStringFromEnv("DEFAULT_MODEL", func(v string) { cfg.Providers.DefaultModel = v })
	setStringFromEnv("VERTEX_LOCATION", func(v string) { cfg.Providers.DefaultLocation = v })
	setStringFromEnv("VERTEX_ENDPOINT", func(v string) { cfg.Providers.VertexEndpoint = v })
	setStringFromEnv("STUDIO_ENDPOINT", func(v string) { cfg.Providers.StudioEndpoint = v })
	setStringFromEnv("UPSTREAM_PROXY", func(v string) { cfg.Providers.ProxyURL = v })
	setIntFromEnv("KEY_POOL_TTL_SEC", func(v int) { cfg.Providers.KeyPoolTTLSec = v })

	setIntFromEnv("RETRY_MAX_ATTEMPTS", func(v int) { cfg.Retry.MaxAttempts = v })
	setFloatFromEnv("UPSTREAM_RPS", func(v float64) { cfg.Retry.RPS = v })
	setIntFromEnv("UPSTREAM_BURST", func(v int) { cfg.Retry.Burst = v })

	setStringFromEnv("REDIS_ADDR", func(v string) { cfg.Usage.RedisAddr = v })
	setStringFromEnv("REDIS_PASSWORD", func(v string) { cfg.Usage.RedisPassword = v })
	setIntFromEnv("REDIS_DB", func(v int) { cfg.Usage.RedisDB = v })
	setToggleFromEnv("USAGE_PERSIST_SQL", func(v bool) { cfg.Usage.PersistSQL = v })

	setStringFromEnv("OTEL_EXPORTER_OTLP_ENDPOINT", func(v string) { cfg.Tracing.Endpoint = v })
	setToggleFromEnv("OTEL_EXPORTER_OTLP_INSECURE", func(v bool) { cfg.Tracing.Insecure = v })
	setFloatFromEnv("OTEL_TRACES_SAMPLER_ARG", func(v float64) { cfg.Tracing.SampleRatio = v })
	setStringFromEnv("OTEL_SERVICE_NAME", func(v string) { cfg.Tracing.ServiceName = v })
}
