package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/macromind/realtime/internal/v1/auth"
	"github.com/macromind/realtime/internal/v1/config"
	"github.com/macromind/realtime/internal/v1/health"
	"github.com/macromind/realtime/internal/v1/hub"
	"github.com/macromind/realtime/internal/v1/logging"
	"github.com/macromind/realtime/internal/v1/middleware"
	"github.com/macromind/realtime/internal/v1/ratelimit"
	"github.com/macromind/realtime/internal/v1/store"
	"github.com/macromind/realtime/internal/v1/tracing"
)

func main() {
	ctx := context.Background()

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		logging.Warn(ctx, "No .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "Invalid configuration", zap.Error(err))
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		logging.Fatal(ctx, "Failed to initialize logger", zap.Error(err))
	}

	// Optional tracing.
	if cfg.OTELCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "realtime-hub", cfg.OTELCollectorAddr)
		if err != nil {
			logging.Fatal(ctx, "Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(shutdownCtx, "Failed to shut down tracer", zap.Error(err))
			}
		}()
	}

	// --- Token validator ---
	// Shared-secret HS256 by default; JWKS when an OIDC provider is
	// configured.
	var validator auth.TokenValidator
	if cfg.OIDCDomain != "" {
		v, err := auth.NewValidator(ctx, cfg.OIDCDomain, cfg.OIDCAudience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create OIDC validator", zap.Error(err))
		}
		validator = v
		logging.Info(ctx, "✅ OIDC validator initialized", zap.String("domain", cfg.OIDCDomain))
	} else {
		validator = auth.NewHMACValidator(cfg.JWTSecret)
		logging.Info(ctx, "✅ Shared-secret validator initialized")
	}

	// --- Identity / access store ---
	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "Failed to connect to database", zap.Error(err))
	}
	defer st.Close()

	// --- Rate limiting ---
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}
	limiter, err := ratelimit.New(cfg.RateLimitWsIP, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	// --- Hub ---
	h := hub.NewHub(validator, st, hub.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		FrameBudget:       cfg.RateLimitFrameBudget,
	})
	h.Run()

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OTELCollectorAddr != "" {
		router.Use(otelgin.Middleware("realtime-hub"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	// The hub listens at the root; everything else is operational surface.
	router.GET("/", limiter.UpgradeMiddleware(), h.ServeWs)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(st)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		logging.Info(ctx, "Hub server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Hub forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}
