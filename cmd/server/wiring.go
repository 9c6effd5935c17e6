package main

import (
	"context"
	"time"

	"contractai-go/internal/config"
	"contractai-go/internal/credential"
	"contractai-go/internal/events"
	"contractai-go/internal/keypool"
	"contractai-go/internal/provider"
	"contractai-go/internal/runtime"
	"contractai-go/internal/secrets"
	store "contractai-go/internal/storage"
	"contractai-go/internal/upstream"
	"contractai-go/internal/usage"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type providers struct {
	resolver *provider.Resolver
	pool     *keypool.Pool
}

// buildProviders wires caches, adapters and the resolver. A missing
// encryption key leaves encrypted blobs unreadable; plaintext credentials and
// the fallback key still work.
func buildProviders(cfg *config.Config, backend store.Store, rec usage.Recorder, jobs *runtime.Dispatcher, hub events.Publisher) *providers {
	var codec secrets.Decrypter
	if c, err := secrets.NewCodec(cfg.Secrets.EncryptionKey); err != nil {
		log.WithError(err).Warn("secret codec disabled; encrypted key lists and legacy credentials cannot be read")
	} else {
		codec = c
	}

	pool := keypool.New(backend, codec, cfg.KeyPoolTTL())
	factory := &provider.SDKFactory{
		HTTPClient: upstream.NewHTTPClient(cfg.Providers.ProxyURL),
		Invoker:    upstream.NewInvoker(cfg.Retry),
		Recorder:   rec,
		VertexBase: cfg.Providers.VertexEndpoint,
		StudioBase: cfg.Providers.StudioEndpoint,
	}
	resolver := provider.NewResolver(provider.Deps{
		Store:       backend,
		Credentials: credential.NewCache(credential.NewParser(codec).Parse),
		Pool:        pool,
		Codec:       codec,
		Factory:     factory,
		Jobs:        jobs,
		Events:      hub,
		Settings:    provider.SettingsFromConfig(cfg),
	})
	return &providers{resolver: resolver, pool: pool}
}

// buildUsageSinks returns the configured sinks and a closer for any
// connections they hold. An unreachable Redis is logged and skipped.
func buildUsageSinks(ctx context.Context, cfg config.UsageConfig, backend usage.UsageWriter) ([]usage.Sink, func()) {
	sinks := []usage.Sink{usage.LogSink{}}
	closers := []func() error{}
	if cfg.PersistSQL && backend != nil {
		sinks = append(sinks, usage.SQLSink{Store: backend})
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).WithField("addr", cfg.RedisAddr).Warn("redis usage sink disabled")
			_ = client.Close()
		} else {
			sinks = append(sinks, usage.NewRedisSink(client, cfg.RedisPrefix))
			closers = append(closers, client.Close)
		}
	}
	return sinks, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}
