// Command admin inspects and repairs session state in the production
// database.
package main

import (
	"context"
	"fmt"
	"os"

	"meetzap/backend/internal/config"
	"meetzap/backend/internal/logging"
	"meetzap/backend/internal/matchmaker"
	"meetzap/backend/internal/realtime"
	"meetzap/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	logLevel string
	dsn      string
)

var rootCmd = &cobra.Command{
	Use:           "admin",
	Short:         "Administer meetzap sessions",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to DATABASE_DSN)")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
}

// env is what every subcommand works with.
type env struct {
	cfg   config.Config
	log   *zap.Logger
	store *storage.Service
	match *matchmaker.Service
	close func()
}

// connect opens the database and, when the realtime backend is Redis, the
// broker, so changes made here reach connected clients.
func connect(ctx context.Context) (*env, error) {
	cfg, err := config.Read()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	log, err := logging.New(logLevel)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	var (
		rdb    *redis.Client
		broker realtime.Broker = realtime.NewLocalBroker(log)
	)
	if cfg.RealtimeBackend == config.RealtimeRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		broker = realtime.NewRedisBroker(rdb, log)
	}

	store := storage.NewStorageService(db, rdb)
	return &env{
		cfg:   cfg,
		log:   log,
		store: store,
		match: matchmaker.NewService(store, store, broker, matchmaker.Options{FreshnessWindow: cfg.FreshnessWindow, Logger: log}),
		close: func() {
			if rdb != nil {
				rdb.Close()
			}
			_ = log.Sync()
		},
	}, nil
}
