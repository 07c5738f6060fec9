/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package backbone wires the data layer together: one database pool, an
// optional cache store and the loggers, owned by a Runtime.
//
//	rt, err := backbone.Open(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer rt.Close()
//
//	conn := rt.Acquire()
//	defer conn.Release()
//	users := repository.New(conn, userDefinition, rt.RepositoryOptions()...)
package backbone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tomoncle/backbone/cache"
	"github.com/tomoncle/backbone/database"
	"github.com/tomoncle/backbone/repository"
	"github.com/tomoncle/backbone/utils"
	"github.com/uptrace/bun"
)

// Runtime owns the resources shared by every request. It is safe for
// concurrent use; the Connections it hands out are not.
type Runtime struct {
	cfg     *Config
	factory *database.BaseDatabaseFactory
	store   cache.Store
	logger  database.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open applies the log settings, connects the database and builds the
// cache store selected by cfg. A nil cfg is loaded from the environment.
func Open(ctx context.Context, cfg *Config) (*Runtime, error) {
	if cfg == nil {
		loaded, err := LoadConfig("")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Log.Level != "" {
		utils.ConfigureLogLevel(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		utils.ConfigureConsoleLogFormat(cfg.Log.Format)
	}
	logger := database.NewDefaultLogger("BACKBONE")

	factory := database.NewDatabaseFactory(database.NewDefaultLogger("DATABASE"))
	if _, err := factory.CreateFromConfig(&cfg.Database); err != nil {
		return nil, err
	}
	if err := factory.InitializeDatabase(ctx); err != nil {
		return nil, err
	}

	store, err := cache.NewStore(ctx, cfg.Cache)
	if err != nil {
		_ = factory.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	logger.Info("runtime opened",
		"database", cfg.Database.String(),
		"cache", cacheDriver(cfg.Cache),
	)
	return &Runtime{cfg: cfg, factory: factory, store: store, logger: logger}, nil
}

// Acquire returns a fresh Connection over the shared pool, configured with
// the database defaults and then opts. Hand one out per logical request
// and Release it when done.
func (r *Runtime) Acquire(opts ...database.ConnectionOption) *database.Connection {
	all := append(r.cfg.Database.ConnectionOptions(), database.WithConnectionLogger(r.logger))
	return database.NewConnection(r.DB(), append(all, opts...)...)
}

func (r *Runtime) DB() *bun.DB { return r.factory.GetDB() }

// Cache returns the configured store, or nil when caching is disabled.
func (r *Runtime) Cache() cache.Store { return r.store }

func (r *Runtime) Logger() database.Logger { return r.logger }

func (r *Runtime) Config() *Config { return r.cfg }

// RepositoryOptions returns the options that attach repositories to the
// runtime's cache and logger.
func (r *Runtime) RepositoryOptions() []repository.Option {
	return []repository.Option{
		repository.WithCache(r.store),
		repository.WithCachePrefix(r.cfg.Cache.Prefix),
		repository.WithLogger(r.logger),
	}
}

// Health is the combined database and cache status.
type Health struct {
	Healthy    bool                   `json:"healthy"`
	Database   *database.HealthStatus `json:"database"`
	Cache      string                 `json:"cache"`
	CacheError string                 `json:"cache_error,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health checks the database and, when the store supports it, pings the
// cache.
func (r *Runtime) Health(ctx context.Context) *Health {
	h := &Health{
		Database: r.factory.GetHealthStatus(ctx),
		Cache:    cacheDriver(r.cfg.Cache),
	}
	h.Healthy = h.Database.Healthy
	if p, ok := r.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.CacheError = err.Error()
			h.Healthy = false
		}
	}
	return h
}

// Close closes the cache store, then the database pool. Later calls return
// the first call's result.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close cache: %w", err))
			}
		}
		if err := r.factory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		r.closeErr = errors.Join(errs...)
		r.logger.Info("runtime closed")
	})
	return r.closeErr
}

func cacheDriver(cfg cache.Config) string {
	if !cfg.Enabled() {
		return cache.DriverNone
	}
	return cfg.Driver
}
