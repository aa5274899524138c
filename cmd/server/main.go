// Command server runs the experiment layer REST API with the background
// promotion loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/peptide-ai/experiment-layer/internal/app"
	"github.com/peptide-ai/experiment-layer/internal/app/httpapi"
	"github.com/peptide-ai/experiment-layer/internal/app/metrics"
	"github.com/peptide-ai/experiment-layer/internal/app/storage/postgres"
	"github.com/peptide-ai/experiment-layer/internal/config"
	"github.com/peptide-ai/experiment-layer/pkg/logger"
)

func main() {
	log := logger.NewDefault("server")
	if err := run(log); err != nil {
		log.WithError(err).Error("server exited")
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	cfg := config.LoadOrDefault()

	stores := app.Stores{}
	if cfg.Database.DSN != "" {
		db, err := sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()

		if err := runMigrations(db, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		store := postgres.New(db)
		stores = app.Stores{Experiments: store, Events: store, ActiveConfigs: store}
		log.Info("using postgres storage")
	} else {
		log.Warn("DATABASE_DSN not set; using in-memory storage")
	}

	application, err := app.New(stores, app.Options{
		PromotionSchedule:     cfg.Promotion.Schedule,
		PromotionCycleTimeout: cfg.CycleTimeout(),
		DisablePromotionLoop:  cfg.Promotion.Disabled,
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	var auditSink httpapi.AuditSink
	if cfg.Server.AuditLogPath != "" {
		sink, err := httpapi.NewFileAuditSink(cfg.Server.AuditLogPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		auditSink = sink
	}
	audit := httpapi.NewAuditLog(0, auditSink)

	var api http.Handler = httpapi.NewHandler(application)
	api = audit.Wrap(api)
	api = metrics.InstrumentHandler(api)
	if cfg.Server.RateLimitPerSec > 0 {
		api = httpapi.NewRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst, log).Wrap(api)
	}
	api = httpapi.WrapWithAuth(api, cfg.Server.AuthTokens)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/audit", httpapi.WrapWithAuth(audit.ListHandler(), cfg.Server.AuthTokens))
	mux.Handle("/", api)

	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}
	return nil
}

func runMigrations(db *sqlx.DB, dir string) error {
	if dir == "" {
		dir = "migrations"
	}
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
