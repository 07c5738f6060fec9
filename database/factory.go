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

package database

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

var supportedTypes = []string{"mysql", "postgres", "postgresql", "sqlite", "sqlite3"}

// BaseDatabaseFactory builds a database manager from configuration and
// keeps it for later lookups.
type BaseDatabaseFactory struct {
	manager AbstractDatabaseManager
	logger  Logger
}

// NewDatabaseFactory returns a factory logging through logger, or through
// the DATABASE logger when nil.
func NewDatabaseFactory(logger Logger) *BaseDatabaseFactory {
	if logger == nil {
		logger = NewDefaultLogger("DATABASE")
	}
	return &BaseDatabaseFactory{logger: logger}
}

// CreateFromConfig applies DB_* environment overrides to cfg and builds a
// manager for it. cfg is modified in place.
func (f *BaseDatabaseFactory) CreateFromConfig(cfg *ConnectionConfig) (AbstractDatabaseManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration cannot be empty")
	}
	OverrideFromEnv(cfg)

	supported := false
	for _, t := range supportedTypes {
		if strings.EqualFold(cfg.Type, t) {
			cfg.Type = t
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("unsupported database type: %s, supported types: %v", cfg.Type, supportedTypes)
	}

	manager := NewDatabaseManager(cfg)
	manager.SetLogger(f.logger)
	f.manager = manager
	return manager, nil
}

// OverrideFromEnv overrides connection settings from DB_* environment
// variables. Durations are given in seconds.
func OverrideFromEnv(cfg *ConnectionConfig) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
			*dst = v
		}
	}
	seconds := func(key string, dst *time.Duration) {
		if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
			*dst = time.Duration(v) * time.Second
		}
	}
	flag := func(key string, dst *bool) {
		if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
			*dst = v
		}
	}

	str("DB_TYPE", &cfg.Type)
	str("DB_HOST", &cfg.Host)
	num("DB_PORT", &cfg.Port)
	str("DB_USERNAME", &cfg.Username)
	str("DB_PASSWORD", &cfg.Password)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.SSLMode)
	str("DB_SCHEMA", &cfg.DefaultSchema)
	num("DB_MAX_IDLE_CONNS", &cfg.MaxIdleConns)
	num("DB_MAX_OPEN_CONNS", &cfg.MaxOpenConns)
	seconds("DB_CONN_MAX_LIFETIME", &cfg.ConnMaxLifetime)
	seconds("DB_CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	flag("DB_ENABLE_RECONNECT", &cfg.EnableReconnect)
	seconds("DB_RECONNECT_INTERVAL", &cfg.ReconnectInterval)
	flag("DB_ENABLE_QUERY_LOG", &cfg.EnableQueryLog)
	flag("DB_TRANSACTIONS_ENABLED", &cfg.TransactionsEnabled)
	flag("DB_ALLOW_WILDCARD_QUERIES", &cfg.AllowWildcardQueries)
	flag("DB_TRACING", &cfg.TracingEnabled)
}

// InitializeDatabase connects the manager built by CreateFromConfig.
func (f *BaseDatabaseFactory) InitializeDatabase(ctx context.Context) error {
	if f.manager == nil {
		return fmt.Errorf("database manager not created")
	}
	if err := f.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	f.logger.Info("Database initialization completed")
	return nil
}

// GetManager returns the underlying database manager.
func (f *BaseDatabaseFactory) GetManager() AbstractDatabaseManager {
	return f.manager
}

// GetDB returns the bun database, or nil before initialization.
func (f *BaseDatabaseFactory) GetDB() *bun.DB {
	if f.manager == nil {
		return nil
	}
	return f.manager.GetDB()
}

// Close closes the database connection managed by the factory.
func (f *BaseDatabaseFactory) Close() error {
	if f.manager == nil {
		return nil
	}
	return f.manager.Disconnect()
}

// GetHealthStatus returns the current database health status from the manager.
func (f *BaseDatabaseFactory) GetHealthStatus(ctx context.Context) *HealthStatus {
	if f.manager == nil {
		return &HealthStatus{
			LastError:     "Database manager not initialized",
			LastCheckTime: time.Now(),
		}
	}
	return f.manager.HealthCheck(ctx)
}
