// Package main wires together the crawl service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/harvestlab/qacrawl/internal/api"
	"github.com/harvestlab/qacrawl/internal/archive"
	"github.com/harvestlab/qacrawl/internal/browser"
	"github.com/harvestlab/qacrawl/internal/clock/system"
	"github.com/harvestlab/qacrawl/internal/config"
	"github.com/harvestlab/qacrawl/internal/crawl"
	"github.com/harvestlab/qacrawl/internal/dispatch"
	"github.com/harvestlab/qacrawl/internal/fetch"
	"github.com/harvestlab/qacrawl/internal/hash/sha256"
	"github.com/harvestlab/qacrawl/internal/id/uuid"
	"github.com/harvestlab/qacrawl/internal/logging"
	"github.com/harvestlab/qacrawl/internal/orchestrator"
	"github.com/harvestlab/qacrawl/internal/progress"
	"github.com/harvestlab/qacrawl/internal/progress/sinks"
	memorypublisher "github.com/harvestlab/qacrawl/internal/publisher/memory"
	pubsubpublisher "github.com/harvestlab/qacrawl/internal/publisher/pubsub"
	"github.com/harvestlab/qacrawl/internal/session"
	memorystorage "github.com/harvestlab/qacrawl/internal/storage/memory"
	"github.com/harvestlab/qacrawl/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	pageArchive, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, stopPublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopPublisher()

	var (
		minter crawl.Minter
		heavy  crawl.HeavyFetcher
	)
	if cfg.Browser.Enabled {
		chrome, err := browser.New(browser.Config{
			BaseURL:           cfg.Source.BaseURL,
			UserAgent:         cfg.Source.UserAgent,
			MaxParallel:       cfg.Browser.MaxParallel,
			NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
			ExtractScript:     cfg.Browser.ExtractScript,
		})
		if err != nil {
			return fmt.Errorf("init browser: %w", err)
		}
		defer chrome.Close()
		minter = chrome
		heavy = chrome
	}

	sessionStore, err := session.OpenSQLiteStore(ctx, cfg.Session.DBPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() {
		if cerr := sessionStore.Close(); cerr != nil {
			logger.Warn("session store close failed", zap.Error(cerr))
		}
	}()

	clock := system.New()
	pool := session.New(session.Config{
		DegradeAfter:     cfg.Session.DegradeAfter,
		RetireAfter:      cfg.Session.RetireAfter,
		LowWater:         cfg.Session.LowWater,
		MaxPool:          cfg.Session.MaxPool,
		MaxAge:           cfg.SessionMaxAge(),
		MintTimeout:      time.Duration(cfg.Session.MintTimeoutSec) * time.Second,
		MintFailureLimit: cfg.Session.MintFailureLimit,
		MintRetryAfter:   time.Duration(cfg.Session.MintRetrySec) * time.Second,
	}, sessionStore, minter, clock, logger.Named("session"))
	if err := pool.Restore(ctx); err != nil {
		logger.Warn("restore credential pool failed", zap.Error(err))
	}

	transport := fetch.NewCollyTransport(fetch.TransportConfig{
		BaseURL:   cfg.Source.BaseURL,
		UserAgent: cfg.Source.UserAgent,
		PageSize:  cfg.Source.PageSize,
		Timeout:   cfg.SourceTimeout(),
	})
	engine := fetch.NewEngine(store, transport, pool, sha256.New(), pageArchive, logger.Named("fetch"), fetch.Config{
		MaxPages:      cfg.Crawl.MaxPagesPerTarget,
		ArchivePrefix: cfg.Archive.Prefix,
	})

	orch := orchestrator.New(store, uuid.New(), clock, publisher, logger.Named("orchestrator"), orchestrator.Config{
		MaxTargetRetries: cfg.Crawl.MaxTargetRetries,
		CompletionTopic:  cfg.PubSub.TopicName,
	})

	policy := crawl.NewRetryPolicy(
		cfg.Crawl.MaxRetries,
		time.Duration(cfg.Crawl.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Crawl.BackoffMaxMs)*time.Millisecond,
	)
	controller := dispatch.New(store, engine, orch, heavy, policy, logger.Named("dispatch"), dispatch.Config{
		Workers:           cfg.Crawl.Workers,
		SoftBlockEscalate: cfg.Crawl.SoftBlockEscalate,
		RateWindow:        cfg.Crawl.SoftBlockRateWindow,
		RateLimit:         cfg.Crawl.SoftBlockRateLimit,
	})

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init progress sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)
	controller.SetEmitter(hub)

	apiServer := api.NewServer(orch, controller, pool, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	// running tasks park as paused so a restart can resume them
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("task shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.Config) (crawl.Store, func(), error) {
	if cfg.DB.DSN == "" {
		return memorystorage.New(), func() {}, nil
	}
	store, err := postgres.New(ctx, postgres.Config{DSN: cfg.DB.DSN})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return store, store.Close, nil
}

func buildArchive(ctx context.Context, cfg config.Config) (crawl.Archive, error) {
	switch {
	case cfg.Archive.GCSBucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		return archive.NewGCS(client, cfg.Archive.GCSBucket)
	case cfg.Archive.LocalDir != "":
		return archive.NewLocal(cfg.Archive.LocalDir)
	default:
		return archive.NewMemory(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (crawl.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(), func() {}, nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	return pub, func() {
		pub.Stop()
		if cerr := client.Close(); cerr != nil {
			zap.L().Warn("pubsub client close failed", zap.Error(cerr))
		}
	}, nil
}
