package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/agents"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/api"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/auth"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/cache"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/collab"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/config"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/health"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/inference"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/kv"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/notifications"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/presence"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/ratelimit"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/tracing"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/redis/go-redis/v9"
)

const serviceName = "artifactor-backend"

func main() {
	// Load .env for local development; production relies on real env vars.
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("environment validation failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	devMode := cfg.DevelopmentMode()
	if err := logging.Initialize(devMode); err != nil {
		os.Stderr.WriteString("logger initialization failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()
	if devMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.Server.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.Server.OTLPAddr)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled, exporter init failed", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Durable store ---
	st, err := store.New(cfg.Database.DSN, cfg.Database.OpTimeout, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logging.Error(ctx, "Failed to open database", zap.Error(err))
		os.Exit(1)
	}

	// --- Shared KV store (optional) ---
	var kvStore *kv.Store
	var redisClient *redis.Client
	if cfg.KV.Enabled {
		kvStore, err = kv.NewStore(cfg.KV.Addr, cfg.KV.Password, cfg.KV.OpTimeout)
		if err != nil {
			logging.Warn(ctx, "Redis unavailable, running in single-instance mode", zap.Error(err))
			kvStore = nil
		} else {
			redisClient = kvStore.Client()
			logging.Info(ctx, "Connected to redis", zap.String("addr", cfg.KV.Addr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (redis disabled)")
	}

	// --- Services ---
	resultCache := cache.New(cfg.Cache.MaxBytes, cfg.Cache.LocalTTL, cfg.Cache.SharedTTL, kvStore)
	presenceSvc := presence.NewService(kvStore, st, cfg.Collab.PresenceTTL)
	notifSvc := notifications.NewService(st, st)
	collector := metrics.NewCollector(cfg.Metrics.CollectionInterval, cfg.Metrics.Retention)
	bridge := agents.New()

	embedder := inference.HashEmbedder{Dimension: cfg.Pipeline.EmbeddingDim}
	pipeline := inference.New(resultCache, inference.Options{
		Workers:       cfg.Pipeline.Workers,
		QueueCapacity: cfg.Pipeline.QueueCapacity,
		MaxTags:       cfg.Pipeline.MaxTags,
		ResultTTL:     cfg.Pipeline.ResultTTL,
		Embedder:      embedder,
		Recorder:      st,
		Collector:     collector,
	})

	// --- Auth ---
	skipAuth := cfg.Auth.SkipAuth
	if devMode && !skipAuth && (cfg.Auth.Domain == "" || cfg.Auth.Audience == "") {
		logging.Warn(ctx, "Development mode without auth credentials, skipping token validation")
		skipAuth = true
	}
	var validator types.TokenValidator
	if skipAuth {
		logging.Warn(ctx, "Authentication DISABLED - do not use in production")
		validator = &auth.MockValidator{}
	} else {
		validator, err = auth.NewValidator(ctx, cfg.Auth.Domain, cfg.Auth.Audience)
		if err != nil {
			logging.Error(ctx, "Failed to create auth validator", zap.Error(err))
			os.Exit(1)
		}
		logging.Info(ctx, "Token validator initialized", zap.String("domain", cfg.Auth.Domain))
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "Failed to create rate limiter", zap.Error(err))
		os.Exit(1)
	}

	// --- Hub ---
	hub := collab.NewHub(ctx, validator, rateLimiter, collab.Deps{
		Comments: st,
		Notifier: notifSvc,
		Presence: presenceSvc,
		Users:    st,
	}, collab.HubOptions{
		GracePeriod:  cfg.Collab.RoomGracePeriod,
		SendBuffer:   cfg.Collab.SendBufferSize,
		CommentLimit: cfg.Collab.MaxCachedComments,
		DevMode:      devMode,
	})

	// --- Background loops ---
	bgCtx, bgCancel := context.WithCancel(ctx)
	pipeline.Run(bgCtx)
	go notifSvc.Run(bgCtx)
	go collector.Run(bgCtx)
	go presenceSvc.RunCleanup(bgCtx, cfg.Collab.CleanupInterval)

	// --- HTTP server ---
	var kvPinger health.Pinger
	if kvStore != nil {
		kvPinger = kvStore
	}
	server := api.NewServer(api.Deps{
		Store:     st,
		Notifier:  notifSvc,
		Presence:  presenceSvc,
		Pipeline:  pipeline,
		Agents:    bridge,
		Hub:       hub,
		Users:     st,
		Embedder:  embedder,
		Collector: collector,
	})
	router := server.Router(api.RouterOptions{
		Validator:      validator,
		SkipAuth:       skipAuth,
		AllowedOrigins: auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		RateLimiter:    rateLimiter,
		Health:         health.NewHandler(st, kvPinger),
		ServeWs:        hub.ServeWs,
		TracingEnabled: cfg.Server.TracingEnabled,
		ServiceName:    serviceName,
		MaxBodyBytes:   cfg.Server.UploadSizeLimit,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "API server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new requests first, then drain in dependency order:
	// live rooms, inference queues, the notification delivery queue, the
	// periodic loops, and finally the connection pools.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "HTTP server forced to shut down", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Hub shutdown error", zap.Error(err))
	}
	pipeline.Shutdown(shutdownCtx)

	bgCancel()
	notifSvc.Wait()

	if err := st.Close(); err != nil {
		logging.Error(ctx, "Failed to close database", zap.Error(err))
	}
	if kvStore != nil {
		if err := kvStore.Close(); err != nil {
			logging.Error(ctx, "Failed to close redis", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
	_ = logging.GetLogger().Sync()
}
