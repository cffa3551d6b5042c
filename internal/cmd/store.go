package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/config"
	"github.com/sendguard/sendguard/internal/core/cache"
	"github.com/sendguard/sendguard/internal/core/engine"
	"github.com/sendguard/sendguard/internal/core/store"
)

// services bundles the configured store, cache and engine for one command.
type services struct {
	cfg     *config.Config
	backend store.Backend
	cache   cache.Cache
	engine  *engine.Engine
	closers []func() error
}

func (r *services) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	return firstErr
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	backend, err := store.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return backend, nil
}

// openCache builds the configured cache. A memory cache is private to one
// process, so short-lived commands skip it unless process is true; Redis is
// always used so CLI edits evict what the server has cached.
func openCache(ctx context.Context, cfg config.CacheConfig, process bool) (cache.Cache, func() error, error) {
	noClose := func() error { return nil }

	driver, err := cache.ParseDriver(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}

	switch driver {
	case cache.DriverRedis:
		rdb, err := cache.DialRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		c, err := cache.NewRedis(rdb, cfg.TTL, cache.WithPrefix(cfg.Redis.Prefix))
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return c, rdb.Close, nil
	case cache.DriverMemory:
		if !process {
			return cache.Noop{}, noClose, nil
		}
		return cache.NewMemory(cfg.TTL, cache.WithCleanupEvery(cfg.CleanupInterval)), noClose, nil
	default:
		return cache.Noop{}, noClose, nil
	}
}

// openServices wires store, cache and engine from cfg. process marks
// long-running commands that own a private memory cache.
func openServices(ctx context.Context, cfg *config.Config, logger engine.Logger, observer engine.Observer, process bool) (*services, error) {
	rt := &services{cfg: cfg}

	backend, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.backend = backend
	rt.closers = append(rt.closers, backend.Close)

	c, closeCache, err := openCache(ctx, cfg.Cache, process)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	rt.cache = c
	rt.closers = append(rt.closers, closeCache)

	loc, err := cfg.Engine.Location()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	eng, err := engine.New(backend, engine.Options{
		Cache:        c,
		Logger:       logger,
		Observer:     observer,
		Defaults:     cfg.Engine.Limits(),
		Location:     loc,
		MaxAttempts:  cfg.Engine.MaxAttempts,
		RetryBackoff: cfg.Engine.RetryBackoff,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.engine = eng

	if logger != nil {
		logger.Debug("Services initialized",
			zap.String("store", backend.Driver()),
			zap.String("cache", cfg.Cache.Driver),
			zap.String("timezone", loc.String()))
	}
	return rt, nil
}

func (r *services) sweeper(logger engine.Logger, onReport func(engine.SweepReport)) *engine.Sweeper {
	return &engine.Sweeper{
		Store:     r.backend,
		Cache:     r.cache,
		Retention: r.cfg.Sweeper.Retention,
		Interval:  r.cfg.Sweeper.Interval,
		Logger:    logger,
		OnReport:  onReport,
	}
}
