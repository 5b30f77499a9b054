package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carepath/cds-gateway/internal/audit"
	"github.com/carepath/cds-gateway/internal/cache"
	"github.com/carepath/cds-gateway/internal/config"
	"github.com/carepath/cds-gateway/internal/gateway"
	"github.com/carepath/cds-gateway/internal/ratelimit"
	"github.com/carepath/cds-gateway/internal/runtime"
	"github.com/carepath/cds-gateway/internal/safety"
	"github.com/carepath/cds-gateway/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()

	// Connect to PostgreSQL (audit trail)
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable (audit records will be logged only)", "error", err)
		dbPool = nil
	} else {
		logger.Info("database connected")
	}

	// Connect to Redis (rate limits + response cache)
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (rate limits fail open, cache disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	// Model runtimes
	selector := runtime.BuildFromConfig(cfg.Runtime)

	// Role policy (rego bundle) + safety validator
	rolePolicy := safety.NewRolePolicy()
	if err := rolePolicy.Load(loader.Safety().RolePolicy.BundlePath); err != nil {
		logger.Error("failed to load role policy", "error", err)
		os.Exit(1)
	}
	loader.OnReload(func() {
		if err := rolePolicy.Load(loader.Safety().RolePolicy.BundlePath); err != nil {
			logger.Error("failed to reload role policy", "error", err)
		}
	})
	validator := safety.NewValidator(loader.Safety, rolePolicy)

	metrics := telemetry.NewMetrics()
	monitor := telemetry.NewMonitor()
	auditStore := audit.NewStore(dbPool)
	defer auditStore.Close()

	gate := ratelimit.NewGate(rdb, cfg.Limits.GlobalPerMinute, cfg.Limits.DailyQuota)
	respCache := cache.New(rdb)

	handler := gateway.NewHandler(gate, respCache, selector, validator, metrics, monitor, auditStore, loader.Config)

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/cds/v1/health", healthHandler)
	r.Get("/v1/health/report", handler.HealthReport)
	r.Post("/v1/assist", handler.Assist)
	r.Post("/v1/assist/stream", handler.AssistStream)
	r.Post("/v1/cache/invalidate", handler.InvalidateCache)

	// Metrics on their own port, off the request path.
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server error", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

const requestIDKey contextKey = "request_id"
