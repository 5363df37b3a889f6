package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/haulboard/loadhunt/internal/lifecycle"
	"github.com/haulboard/loadhunt/internal/match"
	"github.com/haulboard/loadhunt/internal/store"
	"github.com/haulboard/loadhunt/internal/stream"
	"github.com/haulboard/loadhunt/internal/vehicle"
	"github.com/haulboard/loadhunt/pkg/geocode"
)

// appEnv holds the initialized subsystems shared by the run/serve/backfill
// commands.
type appEnv struct {
	Store     store.Store
	Clock     store.TimeAuthority
	Engine    *match.Engine
	Lifecycle *lifecycle.Manager
	Redis     *redis.Client // nil when redis is not configured
	Publisher *stream.Publisher
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "loadhunt.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, vehicle-type table, geocoder, and engine.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	// The canonicalization table is required input: silently matching on
	// raw type strings would hide mapping gaps from dispatch.
	vehicles, err := vehicle.LoadTable(cfg.Engine.VehicleTypesPath)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrapf(err, "load vehicle types from %s", cfg.Engine.VehicleTypesPath)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "parse redis url")
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			zap.L().Warn("redis unreachable, continuing without push triggers", zap.Error(err))
		}
	}

	geocodeOpts := []geocode.Option{
		geocode.WithBaseURL(cfg.Geocoder.BaseURL),
		geocode.WithUserAgent(cfg.Geocoder.UserAgent),
		geocode.WithRateLimit(cfg.Geocoder.RatePerSecond),
	}
	if rdb != nil {
		ttl := time.Duration(cfg.Geocoder.CacheTTLHours) * time.Hour
		geocodeOpts = append(geocodeOpts, geocode.WithSharedCache(geocode.NewRedisCache(rdb, ttl)))
	}
	geocoder := geocode.NewClient(geocodeOpts...)

	clock, ok := st.(store.TimeAuthority)
	if !ok {
		_ = st.Close()
		return nil, eris.New("store does not provide a time authority")
	}

	env := &appEnv{
		Store:     st,
		Clock:     clock,
		Engine:    match.NewEngine(st, geocoder, vehicles),
		Lifecycle: lifecycle.NewManager(st),
		Redis:     rdb,
	}
	if rdb != nil {
		env.Publisher = stream.NewPublisher(rdb)
	}
	return env, nil
}
