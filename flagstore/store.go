// Package flagstore persists per-module flags (enabled, loaded, strategy)
// so the control plane restores operator decisions across restarts.
package flagstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/modplane/config"
)

// Flag store errors
var (
	ErrUnknownBackend = errors.New("unknown flag store backend")
	ErrEmptyID        = errors.New("module id is empty")
	ErrClosed         = errors.New("flag store closed")
)

// Flags are the persisted switches of one module.
type Flags struct {
	Enabled  bool   `json:"enabled"`
	Loaded   bool   `json:"loaded"`
	Strategy string `json:"strategy,omitempty"`
}

// Store persists Flags by module id. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the flags of id and whether any were stored.
	Get(ctx context.Context, id string) (Flags, bool, error)
	Put(ctx context.Context, id string, flags Flags) error
	// Delete removes id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) (map[string]Flags, error)
	Close() error
}

// Open creates the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.FlagStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		store := NewRedisStore(client, cfg.KeyPrefix)
		store.ownsClient = true
		return store, nil
	case config.BackendSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}
