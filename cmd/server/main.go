// marketfabric serves cached stock analysis over HTTP, backed by a
// three-tier cache fabric and upstream market data providers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/marketfabric/internal/analysis"
	"github.com/aristath/marketfabric/internal/cache"
	"github.com/aristath/marketfabric/internal/clients/marketdata"
	"github.com/aristath/marketfabric/internal/config"
	"github.com/aristath/marketfabric/internal/database"
	"github.com/aristath/marketfabric/internal/domain"
	"github.com/aristath/marketfabric/internal/fingerprint"
	"github.com/aristath/marketfabric/internal/fx"
	"github.com/aristath/marketfabric/internal/maintenance"
	"github.com/aristath/marketfabric/internal/reliability"
	"github.com/aristath/marketfabric/internal/scheduler"
	"github.com/aristath/marketfabric/internal/server"
	"github.com/aristath/marketfabric/internal/storage"
	"github.com/aristath/marketfabric/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().
		Str("storage_mode", string(cfg.StorageMode)).
		Bool("redis", cfg.RedisAddr != "").
		Int("port", cfg.Port).
		Msg("Starting marketfabric")

	// Persistent tier. The embedded variant also backs maintenance upkeep
	// and snapshot backups; hosted mode delegates both to the database host.
	var (
		store storage.Store
		db    *database.DB
	)
	switch cfg.StorageMode {
	case config.ModeEmbedded:
		db, err = database.New(database.Config{
			Path:    cfg.DataDir + "/market.db",
			Profile: database.ProfileStandard,
			Name:    "market",
		})
		if err != nil {
			return fmt.Errorf("failed to open embedded database: %w", err)
		}
		store, err = storage.NewSQLiteStore(db, log)
		if err != nil {
			return fmt.Errorf("failed to initialize embedded store: %w", err)
		}
	case config.ModeHosted:
		store, err = storage.NewPostgresStore(cfg.DatabaseURL, log)
		if err != nil {
			return fmt.Errorf("failed to connect to hosted store: %w", err)
		}
	}
	defer store.Close()

	// Optional distributed tier.
	var redisTier *cache.RedisTier
	if cfg.RedisAddr != "" {
		redisTier, err = cache.NewRedisTier(cfg.RedisAddr)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("Redis unavailable, continuing without distributed tier")
			redisTier = nil
		} else {
			defer redisTier.Close()
		}
	}

	manager := cache.NewManager(store, redisTier, cfg.CacheMaxEntries, log)

	// The currency routes answer 503 when FX is switched off.
	var fxSvc *fx.Service
	if cfg.FxEnabled {
		fxSvc = fx.NewService(store, fx.DefaultProviders(cfg.FxAPIKey), cfg.FxAllowStale, log)
	}

	upstream := marketdata.NewClient(cfg.MarketDataBaseURL, cfg.MarketDataAPIKey, cfg.AllowSyntheticOHLC, log)
	analysisSvc := analysis.NewService(manager, store, upstream, cfg.AnalysisTTL, log)

	// Live quotes refresh the in-process tier between daily bar fetches.
	var stream *marketdata.QuoteStream
	if cfg.MarketDataStreamURL != "" {
		stream = marketdata.NewQuoteStream(cfg.MarketDataStreamURL, func(q marketdata.Quote) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			key := fingerprint.Key("quote", q.Symbol)
			manager.Set(ctx, key, q, domain.DataTypeOHLCV, domain.TTLOHLCV)
		}, log)
		if err := stream.Start(); err != nil {
			log.Warn().Err(err).Msg("Quote stream not connected yet")
		}
		defer stream.Stop()
	}

	// Background jobs.
	sched := scheduler.New(log)

	var maintainer maintenance.DBMaintainer
	if db != nil {
		maintainer = db
	}
	maintenanceSvc := maintenance.New(manager, store, maintainer, log)
	sweepSchedule := fmt.Sprintf("@every %s", cfg.MaintenanceInterval)
	if err := sched.AddJob(sweepSchedule, maintenanceSvc); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	if cfg.Backup.Enabled() {
		if db == nil {
			log.Warn().Msg("Snapshot backups require embedded storage, skipping")
		} else {
			objectStore, err := reliability.NewObjectStore(context.Background(), reliability.ObjectStoreConfig{
				Bucket:    cfg.Backup.Bucket,
				Endpoint:  cfg.Backup.Endpoint,
				Region:    cfg.Backup.Region,
				AccessKey: cfg.Backup.AccessKey,
				SecretKey: cfg.Backup.SecretKey,
			}, log)
			if err != nil {
				return fmt.Errorf("failed to configure snapshot backups: %w", err)
			}
			snapshotSvc := reliability.NewSnapshotService(objectStore, db, cfg.Backup.RetentionDays, log)
			if err := sched.AddJob("0 0 3 * * *", snapshotSvc); err != nil {
				return fmt.Errorf("failed to schedule snapshots: %w", err)
			}
		}
	}

	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Log:      log,
		Store:    store,
		Cache:    manager,
		Analysis: analysisSvc,
		FX:       fxSvc,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}

	return nil
}
