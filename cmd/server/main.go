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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"stockpos/backend/internal/cache"
	"stockpos/backend/internal/config"
	"stockpos/backend/internal/dashboard"
	"stockpos/backend/internal/httpapi"
	"stockpos/backend/internal/logger"
	"stockpos/backend/internal/service"
	"stockpos/backend/internal/store"
	"stockpos/backend/internal/store/memory"
	pgstore "stockpos/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logger.New(logger.ForEnvironment(cfg.AppEnv, cfg.LogLevel))
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("schema migration failed", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository ready", zap.String("kind", "postgres"))
	} else {
		repo = memory.NewSeeded(log)
		log.Info("repository ready", zap.String("kind", "memory"))
	}

	cacheStore := cache.SummaryCache(cache.NoopSummaryCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSummaryCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using noop cache", zap.Error(err))
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("dashboard cache ready", zap.String("addr", cfg.RedisAddr))
		}
	}

	summaries := dashboard.NewEngine(cacheStore, time.Duration(cfg.DashboardTTLSeconds)*time.Second, log)
	svc := service.New(repo, summaries, log)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, log)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, cfg.OperationTimeout(), log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("stockpos backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.OperationTimeout() <= 0 {
		return fmt.Errorf("OPERATION_TIMEOUT_SECONDS must be positive")
	}
	return nil
}
