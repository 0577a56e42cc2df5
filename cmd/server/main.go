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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/realm-server/internal/auth"
	"github.com/koopa0/realm-server/internal/character"
	"github.com/koopa0/realm-server/internal/config"
	"github.com/koopa0/realm-server/internal/lock"
	"github.com/koopa0/realm-server/internal/migrations"
	"github.com/koopa0/realm-server/internal/presence"
	"github.com/koopa0/realm-server/internal/ratelimit"
	"github.com/koopa0/realm-server/internal/realtime"
	"github.com/koopa0/realm-server/internal/server"
	"github.com/koopa0/realm-server/internal/store"
	"github.com/koopa0/realm-server/pkg/logger"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, "stdout", false); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithContext(context.Background())

	// 連接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// 連接 PostgreSQL
	pgConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		log.Error("failed to parse postgres config", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns

	pgPool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	// 執行資料庫遷移
	migrator, err := migrations.New(cfg.MigrateURL(), log)
	if err != nil {
		log.Error("failed to create migrator", "error", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	if err := migrator.Close(); err != nil {
		log.Warn("failed to close migrator", "error", err)
	}

	// 組裝核心組件
	kv := store.New(redisClient, cfg.Redis.KeyPrefix)

	locker := lock.New(kv, log)
	lockOpts := lock.Options{
		Retries:        cfg.Lock.Retries,
		RetryDelay:     cfg.Lock.RetryDelay,
		ExtendInterval: cfg.Lock.ExtendInterval,
	}

	limiter := ratelimit.New(kv, ratelimit.ConnectionRule{
		MaxPoints:     cfg.RateLimit.Connection.MaxPoints,
		Window:        cfg.RateLimit.Connection.Window,
		BlockDuration: cfg.RateLimit.Connection.BlockDuration,
	}, log)
	for event, limit := range cfg.RateLimit.Events {
		limiter.Configure(event, ratelimit.Rule{
			MaxPoints: limit.MaxPoints,
			Window:    limit.Window,
		})
	}

	presenceMgr := presence.NewManager(kv, presence.Config{
		ActivityTimeout: cfg.Presence.ActivityTimeout,
		RecordTTL:       cfg.Presence.RecordTTL,
		HistoryLimit:    cfg.Presence.HistoryLimit,
		HistoryTTL:      cfg.Presence.HistoryTTL,
		CleanupInterval: cfg.Presence.CleanupInterval,
	}, log)
	presenceMgr.Start()

	accounts := auth.NewPostgresAccounts(pgPool)
	authSvc := auth.NewService(kv, accounts, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.SessionTTL, log)

	characters := character.NewStore(pgPool, log)

	hub := realtime.NewHub(realtime.Config{
		Auth:       authSvc,
		Presence:   presenceMgr,
		Limiter:    limiter,
		Locker:     locker,
		Characters: characters,
		Store:      kv,
		Logger:     log,
		SessionTTL: cfg.Auth.SessionTTL,
		LockTTL:    cfg.Lock.DefaultTTL,
		LockOpts:   lockOpts,
	})

	handler := server.NewHandler(server.Config{
		Auth:       authSvc,
		Characters: characters,
		Presence:   presenceMgr,
		Hub:        hub,
		Locker:     locker,
		Limiter:    limiter,
		KV:         kv,
		PG:         pgPool,
		Logger:     log,
		LockTTL:    cfg.Lock.DefaultTTL,
		LockOpts:   lockOpts,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Server.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 先斷開 websocket 連接，再關閉 HTTP 伺服器，最後停掃描
		hub.Stop()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}

		presenceMgr.Stop()
	}

	log.Info("server stopped")
}
