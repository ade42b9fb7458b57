package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"baseline/api/internal/app"
	"baseline/api/internal/archive"
	"baseline/api/internal/authpw"
	"baseline/api/internal/baseline"
	"baseline/api/internal/config"
	"baseline/api/internal/events"
	"baseline/api/internal/metrics"
	"baseline/api/internal/search"
	"baseline/api/internal/session"
	"baseline/api/internal/store"
)

// backend is what both store implementations provide.
type backend interface {
	baseline.Store
	authpw.UserStore
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  serveRun,
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg := configFromCommand(cmd)
	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := baseline.LoadRegistry(cfg.RegistryFile)
	if err != nil {
		return err
	}

	st, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(promRegistry)
	bus := events.NewBus(promRegistry, logger)
	defer bus.Stop()
	recorder.Attach(bus)

	deps := app.Deps{Users: st, Logger: logger}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		publisher := events.NewRedisPublisher(redisStore.Client(), cfg.EventsChannel, events.WithRedisLogger(logger))
		// Drain queued events before the client closes.
		defer publisher.Close()
		publisher.Attach(bus)
		logger.Info("using redis for refresh sessions and event fan-out", "channel", cfg.EventsChannel)
	}

	workflow := baseline.NewWorkflow(st, baseline.Options{
		Registry: registry,
		Events:   bus,
		Logger:   logger,
	})
	deps.Workflow = workflow

	if pending, err := workflow.ListPending(ctx, ""); err == nil {
		recorder.SetPending(len(pending))
	} else {
		logger.Warn("count pending requests", "err", err)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewLedgerScan(st), logger)
	searchService.Attach(bus)
	go searchService.ReindexAll(ctx, st)
	deps.Search = searchService

	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		objects, err := archive.NewMinioStore(ctx, archive.MinioConfig{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			return err
		}
		archiver := archive.New(objects,
			archive.WithLogger(logger),
			archive.WithPromRegistry(promRegistry),
		)
		archiver.Attach(bus)
		deps.Archive = archiver
	}

	expirer := baseline.NewExpirer(workflow, cfg.PendingTTL, cfg.ExpiryInterval, logger)
	expirer.OnExpired(recorder.RequestsExpired)
	go expirer.Run(ctx)
	if cfg.PendingTTL > 0 {
		logger.Info("pending request expiry enabled", "ttl", cfg.PendingTTL.String(), "interval", cfg.ExpiryInterval.String())
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		return err
	}
	handler := app.NewHTTPServer(service, cfg.CORSOrigin, logger).
		WithMetrics(recorder, recorder.Handler()).
		Handler()
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("baseline API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}
