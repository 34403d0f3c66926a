// Package main wires together the harvester service binary.
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

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/claimradar/harvester/internal/api"
	"github.com/claimradar/harvester/internal/clock/system"
	"github.com/claimradar/harvester/internal/collector"
	"github.com/claimradar/harvester/internal/collector/filings"
	"github.com/claimradar/harvester/internal/collector/page"
	"github.com/claimradar/harvester/internal/collector/press"
	"github.com/claimradar/harvester/internal/collector/websearch"
	"github.com/claimradar/harvester/internal/config"
	"github.com/claimradar/harvester/internal/dedup"
	"github.com/claimradar/harvester/internal/extractor"
	"github.com/claimradar/harvester/internal/harvest"
	"github.com/claimradar/harvester/internal/id/uuid"
	"github.com/claimradar/harvester/internal/logging"
	"github.com/claimradar/harvester/internal/notifier"
	"github.com/claimradar/harvester/internal/orchestrator"
	memorypublisher "github.com/claimradar/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/claimradar/harvester/internal/publisher/pubsub"
	"github.com/claimradar/harvester/internal/queue"
	"github.com/claimradar/harvester/internal/renderer"
	"github.com/claimradar/harvester/internal/scheduler"
	"github.com/claimradar/harvester/internal/search"
	memorystore "github.com/claimradar/harvester/internal/store/memory"
	"github.com/claimradar/harvester/internal/store/postgres"
	gcsstorage "github.com/claimradar/harvester/internal/storage/gcs"
	"github.com/claimradar/harvester/internal/worker"
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

	clock := system.New()
	idGen := uuid.New()

	caseStore, sourceStore, closeStore := buildStores(ctx, cfg, logger)
	defer closeStore()

	blobs := buildBlobStore(ctx, cfg, logger)
	publisher := buildPublisher(ctx, cfg, logger)

	extractClient, err := extractor.NewClient(extractor.Config{
		Endpoint: cfg.Extractor.Endpoint,
		APIKey:   cfg.Extractor.APIKey,
		Timeout:  time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("extractor client init failed", zap.Error(err))
	}
	searchClient, err := search.NewClient(search.Config{
		Endpoint:    cfg.Search.Endpoint,
		APIKey:      cfg.Search.APIKey,
		Delay:       time.Duration(cfg.Search.DelayMs) * time.Millisecond,
		Timeout:     time.Duration(cfg.Search.TimeoutSeconds) * time.Second,
		ResultLimit: cfg.Search.ResultLimit,
	}, logger)
	if err != nil {
		logger.Fatal("search client init failed", zap.Error(err))
	}

	var render harvest.Renderer
	if cfg.Headless.Enabled {
		chromeRenderer, err := renderer.NewChromedp(renderer.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Collector.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless renderer init failed", zap.Error(err))
		} else {
			render = chromeRenderer
			defer chromeRenderer.Close()
		}
	}

	deduper := dedup.New(caseStore, extractClient, dedup.Config{
		RecentWindow:        time.Duration(cfg.Dedup.RecentWindowHours) * time.Hour,
		SimilarityThreshold: cfg.Dedup.SimilarityThreshold,
	}, logger)

	collectorCfg := collector.Config{
		UserAgent:          cfg.Collector.UserAgent,
		Timeout:            cfg.CollectorTimeout(),
		RequestsPerSecond:  cfg.Collector.RequestsPerSecond,
		BatchSize:          cfg.Collector.BatchSize,
		BatchCooldown:      time.Duration(cfg.Collector.BatchCooldownSeconds) * time.Second,
		MinTextChars:       cfg.Collector.MinTextChars,
		ArchivePrefix:      cfg.Storage.Prefix,
		ArchiveContentType: cfg.Storage.ContentType,
	}
	pipeline := collector.NewPipeline(extractClient, deduper, caseStore, blobs, clock, collectorCfg, logger)
	limiter := collector.NewLimiter(cfg.Collector.RequestsPerSecond)
	fetcher := page.New(collectorCfg.UserAgent, collectorCfg.Timeout)

	seeds := make(map[string]harvest.Source, len(cfg.Sources))
	for name, spec := range cfg.Sources {
		seeds[name] = harvest.Source{
			Name:     name,
			Type:     harvest.SourceType(spec.Type),
			Endpoint: spec.Endpoint,
			Config:   spec.Options,
		}
	}

	work := worker.New(sourceStore, seeds, clock, idGen, logger)
	work.Register(websearch.New(searchClient, render, pipeline, limiter, clock, collectorCfg, logger))
	work.Register(filings.New(fetcher, pipeline, limiter, clock, logger))
	work.Register(press.New(fetcher, render, pipeline, limiter, clock, collectorCfg, logger))

	if !work.KnownSource(ctx, cfg.Orchestrator.FallbackSource) {
		logger.Fatal("orchestrator.fallback_source does not resolve to any seed or stored source",
			zap.String("source", cfg.Orchestrator.FallbackSource))
	}

	q := queue.New(queue.Config{
		Depth:             cfg.Queue.Depth,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BackoffBase:       time.Duration(cfg.Queue.BackoffBaseSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Queue.HeartbeatSeconds) * time.Second,
		MaxJobDuration:    cfg.MaxJobDuration(),
		KeepCompleted:     cfg.Queue.KeepCompleted,
		KeepFailed:        cfg.Queue.KeepFailed,
		Clock:             clock,
		IDGen:             idGen,
		Logger:            logger,
	})
	q.RegisterWorker(ctx, cfg.Queue.Concurrency, work.Handle)

	tracker := orchestrator.NewPerformanceTracker(cfg.Orchestrator.WindowSize)
	var selector orchestrator.Selector = orchestrator.HeuristicSelector{
		TargetedThreshold: cfg.Orchestrator.TargetedThreshold,
	}
	if cfg.Orchestrator.FixedStrategy != "" {
		selector = orchestrator.FixedSelector{Strategy: harvest.Strategy(cfg.Orchestrator.FixedStrategy)}
	}
	orch := orchestrator.New(q, sourceStore, caseStore, tracker, selector, clock, orchestrator.Config{
		FallbackSource:    cfg.Orchestrator.FallbackSource,
		TargetedThreshold: cfg.Orchestrator.TargetedThreshold,
		RecencyCap:        time.Duration(cfg.Orchestrator.RecencyCapHours) * time.Hour,
	}, logger)
	go orch.Consume(q.Subscribe(0))

	notify := notifier.New(notifier.Config{
		WebhookURL:  cfg.Notifier.WebhookURL,
		MaxAttempts: cfg.Notifier.MaxAttempts,
		BackoffBase: time.Duration(cfg.Notifier.BackoffBaseMs) * time.Millisecond,
		Concurrency: cfg.Notifier.Concurrency,
		QueueDepth:  cfg.Notifier.QueueDepth,
		Topic:       cfg.PubSub.TopicName,
		Timeout:     time.Duration(cfg.Notifier.TimeoutSeconds) * time.Second,
	}, publisher, clock, logger)
	go notify.Run(ctx, q.Subscribe(0))

	schedules := make([]scheduler.Schedule, 0, len(cfg.Schedules))
	for name, spec := range cfg.Schedules {
		schedules = append(schedules, scheduler.Schedule{
			Name:     name,
			Cron:     spec.Cron,
			Timezone: spec.Timezone,
			Source:   spec.Source,
		})
	}
	sched, err := scheduler.New(q, schedules, logger)
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	sched.Start()

	apiServer := api.NewServer(q, orch, work, sched, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown error", zap.Error(err))
	}
	q.Close()
	logger.Info("shutdown complete")
}

// buildStores wires Postgres when a DSN is configured, in-memory otherwise.
func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.CaseStore, harvest.SourceStore, func()) {
	if cfg.DB.DSN == "" {
		store := memorystore.NewStore()
		return store, store, func() {}
	}
	store, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	return store, store, store.Close
}

// buildBlobStore wires GCS archival when a bucket is configured.
func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) harvest.BlobStore {
	if cfg.Storage.GCSBucket == "" {
		return nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		logger.Warn("gcs client init failed, archival disabled", zap.Error(err))
		return nil
	}
	blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
	if err != nil {
		logger.Warn("gcs blob store init failed, archival disabled", zap.Error(err))
		return nil
	}
	return blobs
}

// buildPublisher wires the Pub/Sub event mirror when a topic is configured,
// falling back to the in-memory ring when no project is set or the client
// cannot start.
func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) harvest.Publisher {
	if cfg.PubSub.TopicName == "" {
		return nil
	}
	if cfg.PubSub.ProjectID == "" {
		logger.Info("pubsub project not configured, mirroring events in memory")
		return memorypublisher.New(0)
	}
	client, err := pubsubv2.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Warn("pubsub client init failed, mirroring events in memory", zap.Error(err))
		return memorypublisher.New(0)
	}
	return pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicName))
}
