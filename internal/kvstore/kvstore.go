// Package kvstore persists small JSON documents such as the ride recovery
// snapshot and the known-device registry.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Get when the key does not exist
	ErrNotFound = errors.New("key not found")
	// ErrStorageFull is returned by Set when the backend has no room left
	ErrStorageFull = errors.New("storage full")
)

// Store is a key-value store. Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Backend names accepted by Open
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend
type Options struct {
	Backend string

	// file backend
	Dir      string
	MaxBytes int64 // 0 means no quota

	// redis backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// Open builds the store named by opts.Backend. The returned close function
// releases backend resources.
func Open(opts Options, logger *zap.Logger) (Store, func() error, error) {
	if logger == nil {
		panic("kvstore: logger cannot be nil")
	}
	noop := func() error { return nil }

	switch opts.Backend {
	case BackendFile, "":
		store, err := NewFileStore(opts.Dir, opts.MaxBytes)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("kvstore: using file backend", zap.String("dir", store.Dir()), zap.Int64("maxBytes", opts.MaxBytes))
		return store, noop, nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		logger.Info("kvstore: using redis backend", zap.String("addr", opts.RedisAddr), zap.Int("db", opts.RedisDB))
		return NewRedisStore(client, opts.KeyPrefix), client.Close, nil
	case BackendMemory:
		logger.Info("kvstore: using memory backend")
		return NewMemoryStore(opts.MaxBytes), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
