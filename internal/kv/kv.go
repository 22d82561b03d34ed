// Package kv defines the key-value persistence used by the company record
// store, with file, SQLite, Redis and in-memory backends.
package kv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"limitboard/internal/config"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("kv: key not found")

// Storage is a flat string-keyed blob store. Writers are not coordinated:
// two processes sharing a backend see last-writer-wins per key.
type Storage interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Close releases any underlying connection.
	Close() error
}

// Open constructs the backend named by cfg.Backend.
func Open(cfg config.Storage) (Storage, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		return NewFileStorage(cfg.DataDir)
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "limitboard.db")
		}
		return NewSQLiteStorage(path)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("kv: redis backend requires storage.redis_addr")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return NewRedisStorage(client), nil
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("kv: unknown storage backend %q", cfg.Backend)
	}
}
