package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"bundlegw/ans104"
	"bundlegw/observability/logging"
	telemetry "bundlegw/observability/otel"
	"bundlegw/services/uploadd/bundler"
	"bundlegw/services/uploadd/config"
	"bundlegw/services/uploadd/db"
	"bundlegw/services/uploadd/gateway"
	"bundlegw/services/uploadd/ingest"
	"bundlegw/services/uploadd/payment"
	"bundlegw/services/uploadd/pipeline"
	"bundlegw/services/uploadd/queue"
	"bundlegw/services/uploadd/server"
	"bundlegw/services/uploadd/store"
)

const version = "1.0.0"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/uploadd/config.yaml", "path to uploadd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BUNDLEGW_ENV"))
	logger := logging.Setup("uploadd", env)

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.InitFromEnv(ctx, "uploadd", env)
	if err != nil {
		log.Fatalf("uploadd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("uploadd: load config: %v", err)
	}

	database, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("uploadd: open database: %v", err)
	}
	if cfg.RunMigrations {
		if err := db.Migrate(database); err != nil {
			log.Fatalf("uploadd: migrate schema: %v", err)
		}
	}

	cold, err := store.NewFSObjectStore(cfg.Store.ColdPath)
	if err != nil {
		log.Fatalf("uploadd: cold store: %v", err)
	}
	warm, err := store.NewWarmStore(cfg.Store.WarmPath)
	if err != nil {
		log.Fatalf("uploadd: warm store: %v", err)
	}
	hot, err := store.NewHotStore(cfg.Store.HotPath, cfg.Store.HotTTL.Duration)
	if err != nil {
		log.Fatalf("uploadd: hot store: %v", err)
	}
	defer hot.Close()

	fabric, err := queue.Open(cfg.Queue.DatabasePath, logger)
	if err != nil {
		log.Fatalf("uploadd: queue fabric: %v", err)
	}
	fabric.WithDrainTimeout(cfg.Queue.DrainTimeout.Duration)

	chain := gateway.New(cfg.GatewayURLs, 60*time.Second)
	pay, err := payment.New(cfg.PaymentURL, cfg.SharedSecret, 30*time.Second)
	if err != nil {
		log.Fatalf("uploadd: payment client: %v", err)
	}

	wallet, err := bundler.LoadWallet(cfg.BundlerKeyPath, os.Getenv("BUNDLEGW_KEY_PASSPHRASE"))
	if err != nil {
		log.Fatalf("uploadd: load posting wallet: %v", err)
	}
	itemSigner, err := wallet.ItemSigner()
	if err != nil {
		log.Fatalf("uploadd: wallet item signer: %v", err)
	}

	ingestEngine := ingest.New(database, cold, warm, hot, fabric, pay, chain,
		ingest.Limits{
			MaxItemBytes:       cfg.Limits.MaxItemBytes,
			FreeAllowanceBytes: cfg.Limits.FreeAllowanceBytes,
		},
		ingest.Policy{
			FreeSigner: cfg.IsFreeSigner,
			Blocked:    cfg.IsBlocked,
			Premium:    premiumMatcher(cfg.PremiumTags),
		},
		cfg.DataCaches, cfg.Store.SpoolPath, logger).
		WithReceiptSigner(wallet.Address(), wallet.SignReceipt).
		WithRawPaymentMode(cfg.RawPaymentMode)

	optical := bundler.NewOpticalPoster(bundler.OpticalConfig{
		PrimaryURL:      cfg.Optical.PrimaryURL,
		AdminKey:        cfg.Optical.AdminKey,
		SecondaryURLs:   cfg.Optical.SecondaryURLs,
		CanaryURLs:      cfg.Optical.CanaryURLs,
		CanaryPercent:   cfg.Optical.CanaryPercent,
		PremiumURLs:     cfg.Optical.PremiumURLs,
		SkipNestedTypes: cfg.Optical.SkipNestedTypes,
		FreeSigner:      cfg.IsFreeSigner,
	}, logger)
	pipelineWorkers := bundler.New(database, cold, warm, hot, fabric, chain, pay, wallet, optical,
		bundler.PlanLimits{
			MaxBundleBytes: cfg.Plan.MaxBundleBytes,
			MaxBundleItems: cfg.Plan.MaxBundleItems,
		},
		cfg.AppName, logger)
	pipelineWorkers.Register()
	fabric.Register(pipeline.QueueFinalizeMultipart, pipeline.Concurrency[pipeline.QueueFinalizeMultipart],
		func(ctx context.Context, payload []byte) error {
			var job pipeline.SessionJob
			if err := jsonDecode(payload, &job); err != nil {
				return err
			}
			return ingestEngine.CleanupSession(ctx, job.SessionID)
		})

	srv := server.New(server.Deps{
		Ingest:        ingestEngine,
		RawSigner:     ingest.NewRawSigner(itemSigner, cfg.AppName),
		FreeAllowance: cfg.Limits.FreeAllowanceBytes,
		MaxItemBytes:  cfg.Limits.MaxItemBytes,
		Version:       version,
		Addresses:     map[string]string{"ethereum": wallet.Address()},
		RateLimits:    rateLimits(cfg.RateLimits),
		Log:           logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var background sync.WaitGroup
	runInBackground := func(fn func()) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn()
		}()
	}
	runInBackground(func() { fabric.Run(runCtx) })
	runInBackground(func() { pipelineWorkers.PlanLoop(runCtx, cfg.Plan.Interval.Duration) })
	runInBackground(func() { pipelineWorkers.CleanupLoop(runCtx) })
	runInBackground(func() { hot.SweepLoop(runCtx, 10*time.Minute) })
	runInBackground(func() { staleSessionLoop(runCtx, ingestEngine, logger) })

	errCh := make(chan error, 1)
	go func() {
		logger.Info("uploadd listening", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("uploadd: serve: %v", err)
		}
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	stop()
	background.Wait()
	logger.Info("uploadd stopped")
}

func rateLimits(limits map[string]config.RateLimit) map[string]server.RateLimit {
	out := make(map[string]server.RateLimit, len(limits))
	for group, limit := range limits {
		out[group] = server.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}
	return out
}

func premiumMatcher(premiumTags []string) func([]ans104.Tag) string {
	set := make(map[string]struct{}, len(premiumTags))
	for _, tag := range premiumTags {
		set[tag] = struct{}{}
	}
	return func(tags []ans104.Tag) string {
		for _, tag := range tags {
			if tag.Name != "Premium" {
				continue
			}
			if _, ok := set[tag.Value]; ok {
				return tag.Value
			}
		}
		return ""
	}
}

func staleSessionLoop(ctx context.Context, engine *ingest.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.SweepStaleSessions(ctx); err != nil {
				logger.Warn("sweep stale multipart sessions", "error", err)
			}
		}
	}
}

func jsonDecode(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}
