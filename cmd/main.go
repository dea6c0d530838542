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

	"meetzap/backend/internal/api/handler"
	"meetzap/backend/internal/auth"
	"meetzap/backend/internal/chat"
	"meetzap/backend/internal/chathub"
	"meetzap/backend/internal/config"
	"meetzap/backend/internal/localization"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/matchmaker"
	"meetzap/backend/internal/preferences"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/signaling"
	"meetzap/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type dependencies struct {
	store  storage.Storage
	rdb    *redis.Client
	broker realtime.Broker
	prefs  preferences.Repository
}

func setupDependencies(ctx context.Context, cfg config.Config, log *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	if cfg.NeedsRedis() {
		deps.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := deps.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	switch cfg.StorageBackend {
	case config.StoragePostgres:
		db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{TranslateError: true})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := storage.NewStorageService(db, deps.rdb)
		if err := s.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		deps.store = s
		deps.prefs = preferences.NewRedisRepository(deps.rdb)
	default:
		log.Warn("using in-memory storage, state is lost on restart")
		deps.store = storage.NewMemoryStore()
		prefs, err := preferences.NewFileRepository(cfg.PreferencesDir)
		if err != nil {
			return nil, err
		}
		deps.prefs = prefs
	}

	if cfg.RealtimeBackend == config.RealtimeRedis {
		deps.broker = realtime.NewRedisBroker(deps.rdb, log)
	} else {
		deps.broker = realtime.NewLocalBroker(log)
	}

	log.Info("dependencies ready",
		zap.String("storage", cfg.StorageBackend), zap.String("realtime", cfg.RealtimeBackend))
	return deps, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := setupDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	if deps.rdb != nil {
		defer deps.rdb.Close()
	}

	loc, err := localization.NewLocalizer(cfg.LocalesDir)
	if err != nil {
		return err
	}

	match := matchmaker.NewService(deps.store, deps.store, deps.broker, matchmaker.Options{
		FreshnessWindow: cfg.FreshnessWindow,
		Localizer:       loc,
		Logger:          log.Named("matchmaker"),
	})
	relay := signaling.NewRelay(deps.store, deps.broker, log.Named("signaling"))
	chatSvc := chat.NewService(deps.store, deps.broker, loc, log.Named("chat"))

	hub, err := chathub.NewManagerService(ctx, deps.broker, match, relay, chatSvc, log.Named("hub"))
	if err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	runner := matchmaker.NewRunner(match, deps.store, cfg.MatchScanInterval, cfg.StaleSweepEvery, log.Named("runner"))

	go hub.Run(ctx)
	go runner.Run(ctx)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), handler.RequestLogger(log.Named("http")))
	h := handler.NewHandler(hub, auth.NewService(deps.store, deps.store, cfg.JWTSecret, cfg.TokenTTL),
		match, relay, chatSvc, deps.prefs, loc, log.Named("api"))
	h.Routes(r)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
