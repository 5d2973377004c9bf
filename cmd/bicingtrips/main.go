package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bicingtrips-data/internal/common/config"
	"github.com/bicingtrips-data/internal/common/db"
	"github.com/bicingtrips-data/internal/common/discord"
	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/internal/common/maintenance"
	"github.com/bicingtrips-data/internal/ingest"
	"github.com/bicingtrips-data/internal/metrics"
	"github.com/bicingtrips-data/internal/network"
	"github.com/bicingtrips-data/internal/output"
	"github.com/bicingtrips-data/internal/pipeline"
	"github.com/bicingtrips-data/internal/publisher"
	"github.com/bicingtrips-data/internal/traveltime"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

const serviceName = "Bicing Trips"

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	alerts := discord.NewClient(cfg.Logging.DiscordWebhook, serviceName)
	loggerConfig := logger.DefaultConfig()
	loggerConfig.Level = logger.ParseLogLevel(cfg.Logging.Level)
	loggerConfig.FilePath = cfg.Logging.FilePath
	loggerConfig.File = cfg.Logging.FilePath != ""
	if alerts.Enabled() {
		loggerConfig.AlertHook = alerts.Hook()
	}
	log := logger.NewFromConfig(loggerConfig)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, log, alerts)
	stop()
	if err != nil {
		log.Error("Run failed", "error", err)
	}
	alerts.Wait()

	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger, alerts *discord.Client) error {
	log.Info("Bicing trip inference starting",
		"log_level", cfg.Logging.Level,
		"input", cfg.Input.Path,
		"cache_backend", cfg.Cache.Backend,
		"use_google_api", cfg.Estimator.UseGoogleAPI)

	collector := metrics.NewCollector(log)
	if cfg.Output.MetricsAddr != "" {
		srv := collector.Serve(cfg.Output.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, closeStore, err := openCacheStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var remote traveltime.Walker
	if cfg.Estimator.UseGoogleAPI {
		remote = traveltime.NewDistanceMatrixClient(traveltime.ClientConfig{
			BaseURL:         cfg.Estimator.BaseURL,
			APIKey:          cfg.Estimator.GoogleAPIKey,
			Timeout:         cfg.Estimator.Timeout,
			RateLimitPerMin: cfg.Estimator.RateLimitPerMin,
		}, log)
	}
	estimator := traveltime.NewEstimator(traveltime.Config{
		UseRemote:     cfg.Estimator.UseGoogleAPI,
		AllowFallback: cfg.Estimator.AllowFallback,
		ScaleFactor:   cfg.Estimator.BikeScaleFactor,
		CIPercentage:  cfg.Estimator.BikeCIPercent,
		MemorySize:    cfg.Cache.MemorySize,
	}, remote, store, log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := estimator.Close(closeCtx); err != nil {
			log.Error("Failed to save walking cache", "error", err)
		}
	}()

	snapshots, err := loadSnapshots(ctx, cfg, log)
	if err != nil {
		return err
	}
	if cfg.Input.ExportPath != "" {
		if err := ingest.Export(cfg.Input.ExportPath, snapshots); err != nil {
			return fmt.Errorf("exporting time series: %w", err)
		}
		log.Info("Time series exported", "path", cfg.Input.ExportPath, "snapshots", len(snapshots))
	}

	engine, err := network.NewEngine(snapshots, network.EstimatorWindows{Estimator: estimator}, network.Options{
		MaxPendingAge: cfg.Engine.MaxPendingAge,
		Workers:       cfg.Engine.Workers,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	sinks := []pipeline.Sink{collector}
	if cfg.Output.TopologyPath != "" {
		writer, err := output.NewJSONLWriter(cfg.Output.TopologyPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := writer.Close(); err != nil {
				log.Error("Failed to close topology output", "error", err)
			}
		}()
		sinks = append(sinks, writer)
	}
	if cfg.Output.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.Output.NATSURL, cfg.Output.NATSSubject, collector, log)
		if err != nil {
			log.Warn("NATS publisher disabled", "url", cfg.Output.NATSURL, "error", err)
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}

	runner := pipeline.NewRunner(engine, log,
		pipeline.WithSinks(sinks...),
		pipeline.WithObserver(stepObserver{collector: collector, estimator: estimator}),
		pipeline.WithSinkErrorCounter(collector),
	)
	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	fields := summary.Fields()
	stats := estimator.Stats()
	fields["estimator_remote"] = stats.Remote
	fields["estimator_fallback"] = stats.Fallback
	fields["estimator_cache_hits"] = stats.MemoryHits + stats.StoreHits
	fields["estimator_failures"] = stats.Failures
	if alerts.Enabled() {
		reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := alerts.SendRunSummary(reportCtx, "Trip inference completed", fields); err != nil {
			log.Warn("Failed to send run summary", "error", err)
		}
	}
	return nil
}

func loadSnapshots(ctx context.Context, cfg *config.Config, log logger.Logger) ([]models.Snapshot, error) {
	path := cfg.Input.Path
	if cfg.Input.URL != "" {
		path = ingest.DownloadTarget(cfg.Input.DownloadDir, cfg.Input.URL)
		if err := ingest.NewHTTPDownloader(log).Download(ctx, cfg.Input.URL, path); err != nil {
			return nil, fmt.Errorf("downloading input: %w", err)
		}
	}
	snapshots, err := ingest.New(log).Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("loading snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, errors.New("input contains no snapshots")
	}
	return snapshots, nil
}

func openCacheStore(ctx context.Context, cfg *config.Config, log logger.Logger) (traveltime.CacheStore, func(), error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendFile:
		return traveltime.OpenFileCache(cfg.Cache.FilePath, cfg.Cache.FlushEvery, log), func() {}, nil

	case config.CacheBackendPostgres:
		database, err := db.New(ctx, cfg.Database.ConnectionString(), log)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := database.EnsureSchema(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
		if cfg.Cache.PruneStale {
			if _, err := maintenance.New(database, log).PruneTravelCache(ctx, traveltime.CacheVersion); err != nil {
				log.Warn("Travel cache pruning failed", "error", err)
			}
		}
		return db.NewTravelCache(database, traveltime.CacheVersion, cfg.Cache.FlushEvery), func() { database.Close() }, nil

	default:
		return nil, func() {}, nil
	}
}

// stepObserver forwards engine and estimator progress to the collector.
type stepObserver struct {
	collector *metrics.Collector
	estimator *traveltime.Estimator
}

func (o stepObserver) ObserveStep(s network.StepStats, d time.Duration) {
	o.collector.ObserveStep(s, d)
	o.collector.ObserveEstimator(o.estimator.Stats())
}
