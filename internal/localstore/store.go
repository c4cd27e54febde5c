// Package localstore holds the durable key/value stores a device keeps its run
// history in.
package localstore

import (
	"context"
	"fmt"

	"backend-lari2gether/internal/config"

	"github.com/redis/go-redis/v9"
)

// Store is a string key/value store. Get reports ok=false for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// Open builds the store selected by cfg.LocalStore.
func Open(cfg config.Config, rdb *redis.Client) (Store, error) {
	switch cfg.LocalStore {
	case "", "file":
		return NewFileStore(cfg.LocalStorePath)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("local store redis: no redis client configured")
		}
		return NewRedisStore(rdb, "lari2gether:"), nil
	case "sqlite":
		return OpenSQLite(cfg.LocalStorePath)
	default:
		return nil, fmt.Errorf("unknown local store %q", cfg.LocalStore)
	}
}
