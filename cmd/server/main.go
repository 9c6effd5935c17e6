package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contractai-go/internal/config"
	"contractai-go/internal/constants"
	"contractai-go/internal/events"
	"contractai-go/internal/logging"
	"contractai-go/internal/monitoring/tracing"
	"contractai-go/internal/provider"
	"contractai-go/internal/runtime"
	srv "contractai-go/internal/server"
	store "contractai-go/internal/storage"
	"contractai-go/internal/usage"
	"contractai-go/internal/version"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (yaml or json)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cm, err := config.NewConfigManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	defer cm.Close()
	cfg := cm.GetConfig()
	if *debug {
		cfg.Server.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	log.WithFields(log.Fields{"version": version.Version, "config": cm.Path()}).Info("starting contractai provider service")

	traceShutdown, err := tracing.Init(context.Background(), cfg.Tracing)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	defer func() {
		if err := traceShutdown(context.Background()); err != nil {
			log.WithError(err).Warn("failed to shutdown tracing")
		}
	}()

	hub := events.NewHub()
	cm.SetEventPublisher(hub)
	journal := events.NewJournal(constants.EventJournalSize)
	journal.Follow(hub, events.TopicConfigUpdated, events.TopicCachesCleared, events.TopicResolutionError)
	defer journal.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).WithField("backend", cfg.Storage.Backend).Fatal("storage initialization failed")
	}
	defer func() { _ = backend.Close() }()

	sinks, closeSinks := buildUsageSinks(ctx, cfg.Usage, backend)
	defer closeSinks()
	tracker := usage.NewTracker(cfg.Usage.QueueSize, sinks...)
	tracker.Start(ctx)

	jobs := runtime.NewDispatcher(constants.BackgroundJobLimit)
	app := buildProviders(cfg, backend, tracker, jobs, hub)

	cm.OnChange(func(next *config.Config) {
		app.resolver.UpdateSettings(provider.SettingsFromConfig(next))
		if err := logging.Setup(next); err != nil {
			log.WithError(err).Warn("failed to apply logging config")
		}
	})

	tasks := runtime.NewTaskManager(ctx)
	// A tick just past the TTL always finds the snapshot stale and refetches it.
	warmEvery := cfg.KeyPoolTTL() + time.Second
	if err := tasks.StartPeriodic("key-pool-warm", "keep the shared key pool snapshot fresh", warmEvery, func(ctx context.Context) error {
		_, err := app.pool.Get(ctx)
		return err
	}); err != nil {
		log.WithError(err).Warn("key pool warmer not started")
	}

	engine := srv.BuildEngine(srv.Dependencies{
		Providers: app.resolver,
		Store:     backend,
		Usage:     tracker,
		Events:    hub,
		Journal:   journal,
		Tasks:     tasks.Tasks,
		Config:    cm.GetConfig,
	})
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: engine, ReadHeaderTimeout: constants.DefaultResponseHeaderTimeout}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	tasks.StopAll()
	tasks.Wait()
	if err := jobs.Wait(shutdownCtx); err != nil {
		log.WithError(err).Warn("background jobs still running at shutdown")
	}
	if err := tracker.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("usage queue not fully drained")
	}
	log.Info("server stopped")
}
