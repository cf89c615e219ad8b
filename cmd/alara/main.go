package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/alara-bridge/internal/api"
	"github.com/nidhogg/alara-bridge/internal/archetype"
	"github.com/nidhogg/alara-bridge/internal/bridge"
	"github.com/nidhogg/alara-bridge/internal/catalog"
	"github.com/nidhogg/alara-bridge/internal/config"
	"github.com/nidhogg/alara-bridge/internal/hebbian"
	"github.com/nidhogg/alara-bridge/internal/relay"
	"github.com/nidhogg/alara-bridge/internal/sacolu"
	"github.com/nidhogg/alara-bridge/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/alara.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Alara bridge...", zap.String("config", cfgPath))

	// Initialize storage: PostgreSQL when configured, in-memory otherwise
	var (
		backend store.Backend
		pgStore *store.Store
	)
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(pgErr))
		}
		if mErr := ps.Migrate(context.Background(), cfg.Database.Postgres.MigrationsDir); mErr != nil {
			logger.Fatal("migration failed", zap.Error(mErr))
		}
		pgStore = ps
		backend = ps
	} else {
		logger.Warn("no PostgreSQL DSN configured, using in-memory store; profiles are lost on restart")
		backend = store.NewMemory()
	}

	// Trigger catalog with optional Redis cache
	var cache catalog.Cache
	var redisCache *catalog.RedisCache
	if cfg.Database.Redis.URL != "" {
		rc, rErr := catalog.NewRedisCache(cfg.Database.Redis.URL, cfg.Bridge.TriggerCacheTTL())
		if rErr != nil {
			logger.Warn("Redis unavailable, running without trigger cache", zap.Error(rErr))
		} else {
			redisCache = rc
			cache = rc
		}
	}
	cat := catalog.New(backend, cache, logger)

	if cfg.Bridge.TriggersFile != "" {
		defs, lErr := archetype.LoadDefinitionsFile(cfg.Bridge.TriggersFile)
		if lErr != nil {
			logger.Fatal("failed to load trigger definitions", zap.String("path", cfg.Bridge.TriggersFile), zap.Error(lErr))
		}
		if iErr := cat.Import(context.Background(), defs); iErr != nil {
			logger.Fatal("failed to import trigger definitions", zap.Error(iErr))
		}
	}

	// Enrichment pipeline
	classifier := archetype.NewClassifier(cat, backend, logger)
	machine := hebbian.New(backend, logger)
	enricher := bridge.New(backend, classifier, machine, logger).
		WithCommitTimeout(cfg.Bridge.CommitTimeout())
	phases := sacolu.NewManager(backend, cfg.SaCoLu.Phases, logger)

	// Next stage: relay to the AI endpoint, or the context preview
	var next http.Handler
	if cfg.Relay.UpstreamURL != "" {
		proxy, pErr := relay.New(cfg.Relay.UpstreamURL, cfg.Relay.Timeout(), logger)
		if pErr != nil {
			logger.Fatal("invalid relay upstream", zap.Error(pErr))
		}
		next = proxy
		logger.Info("Relaying interactions", zap.String("upstream", cfg.Relay.UpstreamURL))
	} else {
		next = relay.Preview(logger)
		logger.Info("No relay upstream configured, serving context preview")
	}

	handler := api.NewHandler(enricher.Middleware, next, backend, cat, phases, api.ProfileDefaults{
		InitialPhase:         cfg.SaCoLu.InitialPhase,
		EvaluationWindowDays: cfg.Bridge.DefaultEvaluationWindowDays,
	}, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Alara bridge listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Alara bridge...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Bridge.CommitTimeout()+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if redisCache != nil {
		redisCache.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

// newLogger builds a development logger for "debug" and a production logger
// at the given level otherwise.
func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
