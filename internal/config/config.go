// Package config reads the binaries' settings from the environment and
// opens the configured credential store.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"git.sr.ht/~jakintosh/sessionkit/pkg/csrf"
	"git.sr.ht/~jakintosh/sessionkit/pkg/store"
	"github.com/redis/go-redis/v9"
)

const (
	EnvBaseURL     = "SESSIONKIT_BASE_URL"
	EnvStore       = "SESSIONKIT_STORE"
	EnvStorePath   = "SESSIONKIT_STORE_PATH"
	EnvStoreSecret = "SESSIONKIT_STORE_SECRET"
	EnvRedisAddr   = "SESSIONKIT_REDIS_ADDR"
	EnvCSRFBuffer  = "SESSIONKIT_CSRF_BUFFER"
	EnvLogLevel    = "SESSIONKIT_LOG_LEVEL"
	EnvTimeout     = "SESSIONKIT_TIMEOUT"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

var (
	ErrUnknownStore = errors.New("unknown store kind")
	ErrNoSecret     = errors.New("file store needs " + EnvStoreSecret)
)

type Config struct {
	BaseURL     string
	Store       string
	StorePath   string
	StoreSecret string
	RedisAddr   string
	CSRFBuffer  time.Duration
	LogLevel    string
	Timeout     time.Duration
}

// FromEnv reads every SESSIONKIT_* variable, applying defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		BaseURL:     GetEnv(EnvBaseURL, "http://localhost:8080"),
		Store:       GetEnv(EnvStore, StoreFile),
		StorePath:   GetEnv(EnvStorePath, defaultStorePath()),
		StoreSecret: GetEnv(EnvStoreSecret, ""),
		RedisAddr:   GetEnv(EnvRedisAddr, "localhost:6379"),
		LogLevel:    GetEnv(EnvLogLevel, "warn"),
	}

	var err error
	if cfg.CSRFBuffer, err = GetDuration(EnvCSRFBuffer, csrf.DefaultBuffer); err != nil {
		return cfg, err
	}
	if cfg.Timeout, err = GetDuration(EnvTimeout, 30*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetDuration parses envVar with time.ParseDuration.
func GetDuration(envVar string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("env var '%s' could not be parsed as a duration (%q): %w", envVar, value, err)
	}
	return d, nil
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".sessionkit"
	}
	return filepath.Join(dir, "sessionkit")
}

// OpenStore opens the credential store cfg names. The returned close
// function releases it and is never nil.
func OpenStore(ctx context.Context, cfg Config) (store.KV, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store {
	case StoreMemory:
		return store.NewMemoryStore(), noop, nil

	case StoreFile:
		if cfg.StoreSecret == "" {
			return nil, noop, ErrNoSecret
		}
		secret, err := store.KeyFromPassphrase(cfg.StorePath, cfg.StoreSecret)
		if err != nil {
			return nil, noop, err
		}
		kv, err := store.NewFileStore(cfg.StorePath, secret)
		if err != nil {
			return nil, noop, err
		}
		return kv, noop, nil

	case StoreSQLite:
		if err := os.MkdirAll(cfg.StorePath, 0o700); err != nil {
			return nil, noop, fmt.Errorf("couldn't create store dir: %w", err)
		}
		kv, err := store.OpenSQLite(filepath.Join(cfg.StorePath, "credentials.db"))
		if err != nil {
			return nil, noop, err
		}
		return kv, kv.Close, nil

	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, noop, fmt.Errorf("couldn't reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedisStore(rdb), rdb.Close, nil
	}
	return nil, noop, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Store)
}
