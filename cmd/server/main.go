package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/allocator"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/coupon"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/sandbox"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	drivers, closeDrivers := openRegistry(ctx, cfg, logger)
	defer closeDrivers()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("publishing ride events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("close event publisher", "error", err)
		}
	}()

	var sb sandbox.Manager = sandbox.Nop{}
	if cfg.SandboxMode == config.SandboxDocker {
		sb = sandbox.NewDocker(sandbox.DockerConfig{
			Image:   cfg.SandboxImage,
			Network: cfg.SandboxNetwork,
			Asset:   cfg.SandboxAsset,
		}, logger)
	}

	wsreg := dispatch.NewWSRegistry()
	var webhook *dispatch.Webhook
	if cfg.DriverWebhookURL != "" {
		webhook = dispatch.NewWebhook(cfg.DriverWebhookURL)
		webhook.Client.Timeout = cfg.WebhookTimeout
	}
	coupons := coupon.NewEngine(store, logger)

	engine := matcher.New(matcher.Deps{
		Store:    store,
		Drivers:  drivers,
		Ports:    allocator.New(cfg.PortBase, cfg.PortRange, allocator.TCPProbe),
		Sandbox:  sb,
		Coupons:  coupons,
		Events:   publisher,
		Notifier: dispatch.NewPushDispatcher(wsreg, webhook, logger),
		Logger:   logger,
	}, matcher.Options{
		BaseFare:        cfg.BaseFare,
		ServiceRadiusKm: cfg.ServiceRadiusKm,
		MaxFanout:       cfg.MaxFanout,
		TripDuration:    cfg.TripDuration,
		RequestTimeout:  cfg.RequestTimeout,
		EndpointHost:    cfg.SandboxHost,
		LivenessTimeout: cfg.LivenessTimeout,
	})
	defer engine.Shutdown()

	go engine.Run(ctx)
	engine.Kick()
	go sweepDrivers(ctx, engine, cfg.SweepInterval, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, coupons, wsreg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Info("using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(cfg.MigrationsPath)
		if err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		if err := ps.Migrate(ctx, string(script)); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migration applied", "path", cfg.MigrationsPath)
	}
	return ps, func() { _ = ps.Close() }, nil
}

func openRegistry(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (matcher.DriverRegistry, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory driver registry")
		return registry.NewMemory(), func() {}
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable yet", "addr", cfg.RedisAddr, "error", err)
	}
	return registry.NewRedis(rc, cfg.RedisGeoKey), func() { _ = rc.Close() }
}

func sweepDrivers(ctx context.Context, engine *matcher.Engine, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := engine.SweepExpired(ctx); err != nil {
				logger.Warn("driver sweep failed", "error", err)
			}
		}
	}
}
