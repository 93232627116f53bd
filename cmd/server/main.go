package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"customs/internal/customs/allowlist"
	"customs/internal/customs/blocklist"
	"customs/internal/customs/checker"
	"customs/internal/customs/handler"
	"customs/internal/customs/limits"
	"customs/internal/customs/metrics"
	"customs/internal/customs/reputation"
	"customs/internal/customs/rules"
	"customs/internal/customs/store"
	"customs/internal/platform/config"
	"customs/internal/platform/logger"
	"customs/internal/platform/middleware"
	"customs/internal/platform/redis"
)

const version = "1.0.0"

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("redis init failed", "error", err)
		os.Exit(1)
	}

	var recordStore store.Store
	if redisClient != nil {
		recordStore = store.NewRedisStore(redisClient.Client)
		defer redisClient.Close()
		go pollRedisStats(ctx, redisClient)
	} else {
		log.Warn("no redis configured, using in-memory store")
		recordStore = store.NewInMemoryStore()
	}

	limitsProvider := limits.NewProvider(recordStore, limits.DefaultLimits(),
		limits.WithLogger(log),
		limits.WithPollInterval(cfg.UpdatePollInterval))
	if err := limitsProvider.Refresh(ctx, true); err != nil {
		log.Warn("initial limits refresh failed", "error", err)
	}
	go limitsProvider.PollForUpdates(ctx)

	checksProvider := limits.NewRequestChecksProvider(recordStore, limits.RequestChecks{}, log, cfg.UpdatePollInterval)
	if err := checksProvider.Refresh(ctx, true); err != nil {
		log.Warn("initial request checks refresh failed", "error", err)
	}
	go checksProvider.PollForUpdates(ctx)

	allow := allowlist.New(recordStore, allowlist.Lists{
		IPs:          cfg.AllowedIPs,
		EmailDomains: cfg.AllowedEmailDomains,
		PhoneNumbers: cfg.AllowedPhoneNumbers,
	}, allowlist.WithLogger(log), allowlist.WithPollInterval(cfg.UpdatePollInterval))
	if err := allow.Refresh(ctx, true); err != nil {
		log.Warn("initial allowlist refresh failed", "error", err)
	}
	go allow.PollForUpdates(ctx)

	var rep checker.ReputationService = reputation.Disabled{}
	if cfg.Reputation.Enable {
		rep = reputation.New(reputation.Config{
			BaseURL:      cfg.Reputation.BaseURL,
			Timeout:      cfg.Reputation.Timeout,
			BlockBelow:   cfg.Reputation.BlockBelow,
			SuspectBelow: cfg.Reputation.SuspectBelow,
		}, reputation.WithLogger(log))
	}

	opts := []checker.Option{
		checker.WithLogger(log),
		checker.WithMetrics(metrics.New(nil)),
		checker.WithRecordLifetime(cfg.RecordLifetime),
	}

	if cfg.Blocklist.Enable {
		bl := blocklist.New(cfg.Blocklist.Paths,
			blocklist.WithLogger(log),
			blocklist.WithPollInterval(cfg.Blocklist.PollInterval))
		if err := bl.Load(ctx); err != nil {
			log.Error("blocklist load failed", "error", err)
			os.Exit(1)
		}
		go bl.PollForUpdates(ctx)
		opts = append(opts, checker.WithBlocklist(bl))
	}

	if cfg.RulesFile != "" {
		defs, err := rules.LoadDefinitions(cfg.RulesFile)
		if err != nil {
			log.Error("rules load failed", "file", cfg.RulesFile, "error", err)
			os.Exit(1)
		}
		opts = append(opts, checker.WithRules(rules.New(recordStore, defs,
			rules.WithLogger(log),
			rules.WithRecordLifetime(cfg.RecordLifetime))))
		log.Info("user-defined rules loaded", "file", cfg.RulesFile, "rules", len(defs))
	}

	engine, err := checker.New(recordStore, limitsProvider, checksProvider, rep, allow, opts...)
	if err != nil {
		log.Error("checker init failed", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(log))
	router.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.ThrottleRPS > 0 {
		router.Use(middleware.Throttle(cfg.ThrottleRPS, cfg.ThrottleBurst))
	}
	handler.New(engine, limitsProvider, allow, log, version).Register(router)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout + time.Second,
		IdleTimeout:  time.Minute,
	}

	go func() {
		log.Info("customs server listening", "addr", cfg.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
}

func pollRedisStats(ctx context.Context, client *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.RecordPoolStats()
		}
	}
}
