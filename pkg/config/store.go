package config

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/manenim/budgeteer/pkg/budgeteer"
	"github.com/manenim/budgeteer/pkg/budgeteer/postgres"
	"github.com/manenim/budgeteer/pkg/budgeteer/sqlite"
)

// OpenStore builds the backend described by sc. Unknown kinds fail with
// ErrUnknownStore and incomplete settings with ErrInvalidStoreConfig; neither
// touches the network.
func OpenStore(ctx context.Context, sc StoreConfig) (budgeteer.Store, error) {
	var (
		store budgeteer.Store
		err   error
	)
	switch sc.Kind {
	case StoreMemory:
		store = budgeteer.NewMemoryStore()
	case StoreRedis:
		store, err = openRedis(sc.Redis)
	case StoreSQLite:
		store, err = sqlite.New(sc.SQLite.Path, sc.SQLite.TTL)
	case StorePostgres:
		store, err = postgres.Open(ctx, sc.Postgres.DSN, sc.Postgres.TTL)
	default:
		return nil, fmt.Errorf("%w: %q", budgeteer.ErrUnknownStore, sc.Kind)
	}
	if err != nil {
		return nil, err
	}
	if sc.Breaker.Enabled {
		store = budgeteer.NewBreakerStore(store, budgeteer.BreakerSettings{
			Name:        sc.Kind,
			MaxFailures: sc.Breaker.MaxFailures,
			OpenTimeout: sc.Breaker.OpenTimeout,
		})
	}
	return store, nil
}

func openRedis(rc RedisConfig) (*budgeteer.RedisStore, error) {
	opts := &redis.Options{
		DB:       rc.DB,
		Password: rc.Password,
	}
	switch {
	case rc.Path != "":
		opts.Network = "unix"
		opts.Addr = rc.Path
	case rc.Addr != "":
		opts.Addr = rc.Addr
	default:
		return nil, fmt.Errorf("%w: redis needs addr (host:port) or path (unix socket)", budgeteer.ErrInvalidStoreConfig)
	}
	return budgeteer.NewRedisStore(redis.NewClient(opts),
		budgeteer.WithPrefix(rc.Prefix),
		budgeteer.WithTTL(rc.TTL),
		budgeteer.WithTimeout(rc.Timeout),
	)
}
