package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/escrow-market/internal/api"
	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/clock"
	"github.com/Checker-Finance/escrow-market/internal/config"
	"github.com/Checker-Finance/escrow-market/internal/escrow"
	"github.com/Checker-Finance/escrow-market/internal/history"
	"github.com/Checker-Finance/escrow-market/internal/jobs"
	"github.com/Checker-Finance/escrow-market/internal/ledger"
	"github.com/Checker-Finance/escrow-market/internal/ledger/boltdb"
	"github.com/Checker-Finance/escrow-market/internal/ledger/postgres"
	"github.com/Checker-Finance/escrow-market/internal/publisher"
	"github.com/Checker-Finance/escrow-market/internal/rate"
	"github.com/Checker-Finance/escrow-market/internal/registry"
	internalsecrets "github.com/Checker-Finance/escrow-market/internal/secrets"
	"github.com/Checker-Finance/escrow-market/internal/store"
	"github.com/Checker-Finance/escrow-market/internal/stream"
	"github.com/Checker-Finance/escrow-market/migrations"
	"github.com/Checker-Finance/escrow-market/pkg/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/logger"
	"github.com/Checker-Finance/escrow-market/pkg/model"
	"github.com/Checker-Finance/escrow-market/pkg/secrets"
	"github.com/Checker-Finance/escrow-market/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [escrow-market]...")
	if err := cfg.Validate(); err != nil {
		logg.Fatalw("invalid configuration", "error", err)
	}
	logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))

	// --- Store (Redis listing cache + optional Postgres pool) ---
	st, err := store.NewHybrid(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
		TTL:      cfg.ListingCacheTTL,
	}, cfg.DatabaseURL, store.PGPoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	}, logger.Named("store"))
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}
	pgPool := st.(*store.HybridStore).PG

	if pgPool != nil {
		if err := migrations.Apply(ctx, pgPool, logger.Named("migrations")); err != nil {
			logg.Fatalw("failed to apply migrations", "error", err)
		}
	}

	// --- Ledger ---
	var lg ledger.Ledger
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		lg, err = postgres.New(pgPool, cfg.Rent(), logger.Named("ledger"))
	default:
		lg, err = boltdb.Open(cfg.BoltPath, cfg.Rent(), logger.Named("ledger"))
	}
	if err != nil {
		logg.Fatalw("failed to open ledger", "backend", cfg.LedgerBackend, "error", err)
	}

	programID := authority.DefaultMarketID
	if cfg.ProgramID != "" {
		programID, err = model.ParseAddress(cfg.ProgramID)
		if err != nil {
			logg.Fatalw("invalid PROGRAM_ID", "error", err)
		}
	}

	// --- Market and registry ---
	bus := eventbus.New(logger.Named("eventbus"))
	market := escrow.NewMarket(lg, authority.NewProgram(programID), logger.Named("escrow"), escrow.WithEvents(bus))
	reg := registry.New(lg, clock.System(), logger.Named("registry"))

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}

	// --- Event sinks ---
	pub, err := publisher.New(nc, cfg.EventsSubject, "ESCROW_EVENTS")
	if err != nil {
		logg.Fatalw("failed to init publisher", "error", err)
	}
	pub.Attach(bus)

	var amqpPub *publisher.AMQPPublisher
	if cfg.AMQPURL != "" {
		amqpPub, err = publisher.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, logger.Named("amqp"))
		if err != nil {
			logg.Fatalw("failed to init amqp publisher", "error", err)
		}
		amqpPub.Attach(bus)
	}

	var historyReader api.HistoryReader
	if pgPool != nil {
		hw := history.NewWriter(pgPool, logger.Named("history"))
		hw.Attach(bus)
		historyReader = hw
	}

	listingSync := store.NewListingSync(st, market, logger.Named("listing_sync"))
	listingSync.Attach(bus)

	// --- Websocket sale feed ---
	var streamSrv *http.Server
	hub := stream.NewHub(logger.Named("stream"))
	if cfg.StreamPort != 0 {
		hub.Attach(bus)
		mux := http.NewServeMux()
		mux.Handle("/stream/sales", hub)
		streamSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.StreamPort),
			Handler:           mux,
			ReadHeaderTimeout: cfg.HTTPReadTimeout,
		}
		go func() {
			logg.Infof("sale stream listening on :%d", cfg.StreamPort)
			if err := streamSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logg.Fatalw("stream.listen_failed", "error", err)
			}
		}()
	}

	refresher := jobs.NewCacheRefresher(logger.Named("cache_refresher"), listingSync, pub, cfg.CacheRefreshInterval)
	go refresher.Start(ctx)

	// --- Rate limiter ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.RateRPS,
		Burst:             cfg.RateBurst,
		Cooldown:          1 * time.Second,
	})
	go pruneLimiters(ctx, rateMgr, 10*time.Minute)

	// --- Integrator auth (API keys cached in-memory from Secrets Manager) ---
	guards := api.Guards{
		Signature: api.SignatureAuth(api.SignatureConfig{
			MaxSkew: cfg.SignatureMaxSkew,
			Nonces:  st,
			Logger:  logger.Named("api"),
		}),
		RateLimit: api.RateLimit(rateMgr),
	}
	stopCleaner := make(chan struct{})
	if cfg.ClientAuthEnabled {
		var provider secrets.Provider
		if cfg.SecretsProvider == config.SecretsStatic {
			provider, err = internalsecrets.StaticIntegrators(cfg.Env, cfg.ServiceName, cfg.IntegratorKeys)
		} else {
			provider, err = secrets.NewAWSProvider(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		}
		if err != nil {
			logg.Fatalw("failed to create secrets provider", "provider", cfg.SecretsProvider, "error", err)
		}
		keyCache := secrets.NewCache[internalsecrets.Integrator](cfg.SecretsCacheTTL).
			WithNegative(cfg.SecretsMissTTL, func(err error) bool { return errors.Is(err, secrets.ErrSecretNotFound) })
		go keyCache.StartCleaner(cfg.CleanupFreq, stopCleaner)

		resolver := internalsecrets.NewAWSResolver(logger.Named("secrets"), cfg.Env, cfg.ServiceName, provider, keyCache)
		clients, err := resolver.DiscoverClients(ctx)
		if err != nil {
			logg.Warnw("failed to discover integrator clients", "error", err)
		} else {
			logg.Infow("discovered integrator clients", "count", len(clients))
		}
		guards.ClientAuth = api.ClientAuth(internalsecrets.NewIntegratorAuth(resolver), logger.Named("api"))
	}

	var faucetMax uint64
	if cfg.FaucetEnabled {
		faucetMax = cfg.FaucetMax
		logg.Warnw("faucet enabled", "max_lamports", faucetMax)
	}

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})
	handler := api.NewMarketHandler(logger.Named("api"), market, reg, st, historyReader, faucetMax)
	api.RegisterRoutes(app, nc, st, lg, handler, guards)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[escrow-market] running",
		"nats", cfg.NATSURL,
		"env", cfg.Env,
		"ledger", cfg.LedgerBackend,
		"program", programID.String())

	<-ctx.Done()
	logg.Info("shutting down [escrow-market]...")

	close(stopCleaner)
	refresher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if streamSrv != nil {
		hub.Close()
		if err := streamSrv.Shutdown(shutdownCtx); err != nil {
			logg.Warnw("stream.shutdown_failed", "error", err)
		}
	}
	// Let in-flight event deliveries finish before closing the sinks.
	bus.Wait()
	if amqpPub != nil {
		if err := amqpPub.Close(); err != nil {
			logg.Warnw("amqp.close_failed", "error", err)
		}
	}
	if err := nc.Drain(); err != nil {
		logg.Warnw("nats.drain_failed", "error", err)
	}
	if err := lg.Close(); err != nil {
		logg.Warnw("ledger.close_failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
}

func pruneLimiters(ctx context.Context, mgr *rate.Manager, idle time.Duration) {
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Prune(idle)
		}
	}
}
