package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"bundlegw/observability/logging"
	telemetry "bundlegw/observability/otel"
	"bundlegw/services/paymentd/arns"
	"bundlegw/services/paymentd/audit"
	"bundlegw/services/paymentd/config"
	"bundlegw/services/paymentd/gasless"
	"bundlegw/services/paymentd/ledger"
	"bundlegw/services/paymentd/pricing"
	"bundlegw/services/paymentd/server"
	"bundlegw/services/paymentd/topup"
	"bundlegw/svcauth"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/paymentd/config.yaml", "path to paymentd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BUNDLEGW_ENV"))
	logger := logging.Setup("paymentd", env)

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.InitFromEnv(ctx, "paymentd", env)
	if err != nil {
		log.Fatalf("paymentd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("paymentd: load config: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("paymentd: open database: %v", err)
	}
	if cfg.RunMigrations {
		if err := ledger.Migrate(db); err != nil {
			log.Fatalf("paymentd: migrate ledger schema: %v", err)
		}
		if err := audit.Migrate(db); err != nil {
			log.Fatalf("paymentd: migrate audit schema: %v", err)
		}
	}

	led := ledger.NewEngine(db)
	auditWriter := audit.NewWriter(db, cfg.AuditExportDir, logger)
	led.WithAuditor(auditWriter)

	rates := pricing.NewRateTable()
	var storageFeed, tokenFeed *pricing.Cache
	for _, oracle := range cfg.Oracles {
		source := pricing.NewHTTPSource(oracle.Name, oracle.URL, "value", nil)
		cache := pricing.NewCache(source, oracle.CacheTTL.Duration, 24*time.Hour, logger)
		switch oracle.Name {
		case pricing.FeedStoragePrice:
			storageFeed = cache
		case pricing.FeedTokenUSD:
			tokenFeed = cache
		}
	}
	if storageFeed == nil || tokenFeed == nil {
		log.Fatalf("paymentd: oracles %q and %q must be configured", pricing.FeedStoragePrice, pricing.FeedTokenUSD)
	}
	price := pricing.NewEngine(storageFeed, tokenFeed, rates, pricing.NewStaticPromos(), nil, cfg.InfraFeeBPS)

	facilitators := make(map[string]string)
	for _, network := range cfg.EnabledNetworks() {
		facilitators[network.Name] = network.FacilitatorURL
	}
	settler := gasless.NewFacilitatorClient(facilitators, cfg.SettleTimeout.Duration)
	gaslessEngine := gasless.NewEngine(led, price, settler, cfg.EnabledNetworks(),
		cfg.FraudToleranceBPS, cfg.QuoteWindow.Duration, logger)

	processor := topup.NewStripeProcessor(os.Getenv(cfg.Stripe.SecretKeyEnv), cfg.Stripe.APIBaseURL)
	webhookSecret := []byte(os.Getenv(cfg.Stripe.WebhookSecretEnv))
	fiat := topup.NewFiat(led, price, processor, webhookSecret, logger)

	chain := newGatewayChainReader(cfg.GatewayURLs[0])
	crypto := topup.NewCrypto(led, price, chain, os.Getenv("BUNDLEGW_DEPOSIT_ADDRESS"), logger)

	registry := newGatewayRegistry(cfg.GatewayURLs[0], cfg.ArNSContract)
	arnsEngine := arns.NewEngine(led, price, registry, logger)

	verifier, err := svcauth.NewVerifier(cfg.SharedSecret, nil)
	if err != nil {
		log.Fatalf("paymentd: service verifier: %v", err)
	}
	if noncePath := strings.TrimSpace(cfg.NoncePath); noncePath != "" {
		persistence, err := svcauth.NewLevelDBNoncePersistence(noncePath)
		if err != nil {
			log.Fatalf("paymentd: nonce persistence: %v", err)
		}
		defer persistence.Close()
		verifier, err = svcauth.NewVerifier(cfg.SharedSecret, persistence)
		if err != nil {
			log.Fatalf("paymentd: service verifier: %v", err)
		}
	}

	srv := server.New(server.Deps{
		Ledger:    led,
		Pricing:   price,
		Gasless:   gaslessEngine,
		Fiat:      fiat,
		Crypto:    crypto,
		ArNS:      arnsEngine,
		Verifier:  verifier,
		Log:       logger,
		Countries: supportedCountries,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go crypto.Watch(runCtx, time.Minute)
	go auditWriter.ExportDaily(runCtx)
	go expireDelegationsLoop(runCtx, led, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("paymentd listening", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("paymentd: serve: %v", err)
		}
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("paymentd stopped")
}

func expireDelegationsLoop(ctx context.Context, led *ledger.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := led.ExpireDelegations(ctx); err != nil {
				logger.Warn("expire delegations", "error", err)
			}
		}
	}
}
