// Package config loads runtime settings from the environment (optionally
// seeded from a .env file) and holds the tunables of matching and chat.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RealtimeRedis = "redis"
	RealtimeLocal = "local"

	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config is the server configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string
	TokenTTL  time.Duration

	// RealtimeBackend is "redis" (multi-node) or "local" (single process).
	RealtimeBackend string
	// StorageBackend is "postgres" or "memory" (development, state is lost
	// on restart). With "memory", preferences go to PreferencesDir.
	StorageBackend string
	PreferencesDir string

	FreshnessWindow   time.Duration
	MatchScanInterval time.Duration
	StaleSweepEvery   time.Duration

	LocalesDir string
}

// Load reads the configuration and validates it for the server.
func Load() (Config, error) {
	cfg, err := Read()
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read reads .env if present and then the environment, without the server
// checks. Tools that never issue tokens use it directly.
func Read() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseDSN:       getEnv("DATABASE_DSN", "host=localhost user=user password=password dbname=meetzapdb port=5432 sslmode=disable"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		RealtimeBackend:   strings.ToLower(getEnv("REALTIME_BACKEND", RealtimeRedis)),
		StorageBackend:    strings.ToLower(getEnv("STORAGE_BACKEND", StoragePostgres)),
		PreferencesDir:    getEnv("PREFERENCES_DIR", "data/preferences"),
		LocalesDir:        getEnv("LOCALES_DIR", "internal/localization/locales"),
		TokenTTL:          TokenTTL,
		FreshnessWindow:   FreshnessWindow,
		MatchScanInterval: MatchScanInterval,
		StaleSweepEvery:   StaleSweepEvery,
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", cfg.TokenTTL); err != nil {
		return cfg, err
	}
	if cfg.FreshnessWindow, err = getDuration("FRESHNESS_WINDOW", cfg.FreshnessWindow); err != nil {
		return cfg, err
	}
	if cfg.MatchScanInterval, err = getDuration("MATCH_SCAN_INTERVAL", cfg.MatchScanInterval); err != nil {
		return cfg, err
	}
	if cfg.StaleSweepEvery, err = getDuration("STALE_SWEEP_EVERY", cfg.StaleSweepEvery); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if c.RealtimeBackend != RealtimeRedis && c.RealtimeBackend != RealtimeLocal {
		return fmt.Errorf("REALTIME_BACKEND must be %q or %q, got %q", RealtimeRedis, RealtimeLocal, c.RealtimeBackend)
	}
	if c.StorageBackend != StoragePostgres && c.StorageBackend != StorageMemory {
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StoragePostgres, StorageMemory, c.StorageBackend)
	}
	if c.FreshnessWindow <= 0 || c.MatchScanInterval <= 0 {
		return errors.New("FRESHNESS_WINDOW and MATCH_SCAN_INTERVAL must be positive")
	}
	return nil
}

// NeedsRedis reports whether any configured backend talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.RealtimeBackend == RealtimeRedis || c.StorageBackend == StoragePostgres
}

// ICEServers reads a comma separated ICE_SERVERS list.
func ICEServers() []string {
	raw := os.Getenv("ICE_SERVERS")
	if raw == "" {
		return DefaultICEServers
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
