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
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/schema"
)

const (
	defaultConnectTimeout = 30 * time.Second
	healthPingTimeout     = 5 * time.Second
)

// opener returns the database/sql driver name, DSN and bun dialect for a
// config.
type opener func(cfg *ConnectionConfig) (driver, dsn string, d schema.Dialect)

var openers = map[string]opener{
	"mysql":      openMySQL,
	"postgres":   openPostgres,
	"postgresql": openPostgres,
	"sqlite":     openSQLite,
	"sqlite3":    openSQLite,
}

func openMySQL(cfg *ConnectionConfig) (string, string, schema.Dialect) {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.Local
	mc.Timeout = cfg.ConnectTimeout
	mc.ReadTimeout = cfg.ReadTimeout
	mc.WriteTimeout = cfg.WriteTimeout
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return "mysql", mc.FormatDSN(), mysqldialect.New()
}

func openPostgres(cfg *ConnectionConfig) (string, string, schema.Dialect) {
	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	if cfg.SSLMode == "" {
		q.Set("sslmode", "disable")
	}
	q.Set("connect_timeout", fmt.Sprint(int(cfg.ConnectTimeout.Seconds())))
	if cfg.DefaultSchema != "" {
		q.Set("search_path", cfg.DefaultSchema)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.DBName,
		RawQuery: q.Encode(),
	}
	return "postgres", u.String(), pgdialect.New()
}

// openSQLite treats dbname as a file stem, ":memory:" as a shared in-memory
// database and anything starting with "file:" as a complete DSN.
func openSQLite(cfg *ConnectionConfig) (string, string, schema.Dialect) {
	dsn := fmt.Sprintf("file:%s.db?cache=shared", cfg.DBName)
	switch {
	case cfg.DBName == ":memory:":
		dsn = "file::memory:?cache=shared"
	case strings.HasPrefix(cfg.DBName, "file:"):
		dsn = cfg.DBName
	}
	return sqliteshim.ShimName, dsn, sqlitedialect.New()
}

type defaultDatabaseManager struct {
	config *ConnectionConfig
	logger Logger

	mu        sync.RWMutex
	db        *bun.DB
	sqlDB     *sql.DB
	connected bool
	lastError error
	health    *HealthStatus

	watchOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

// NewDatabaseManager returns an AbstractDatabaseManager backed by bun. A nil
// config uses DefaultConnectionConfig.
func NewDatabaseManager(config *ConnectionConfig) AbstractDatabaseManager {
	if config == nil {
		config = DefaultConnectionConfig()
	}
	return &defaultDatabaseManager{
		config: config,
		logger: NopLogger(),
		health: &HealthStatus{},
		stop:   make(chan struct{}),
	}
}

// Connect opens and pings the pool. It is a no-op while connected.
func (dm *defaultDatabaseManager) Connect(ctx context.Context) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.connected && dm.db != nil {
		return nil
	}

	sqlDB, db, err := dm.open()
	if err != nil {
		dm.lastError = err
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, dm.config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		dm.lastError = err
		_ = db.Close()
		return fmt.Errorf("database connection test failed: %w", err)
	}

	dm.sqlDB, dm.db = sqlDB, db
	dm.connected = true
	dm.lastError = nil
	if dm.config.HealthCheckInterval > 0 {
		dm.watchOnce.Do(func() { go dm.watch(dm.config.HealthCheckInterval) })
	}
	dm.logger.Info("Database connected", "type", dm.config.Type, "host", dm.config.Host, "dbname", dm.config.DBName)
	return nil
}

func (dm *defaultDatabaseManager) open() (*sql.DB, *bun.DB, error) {
	open, ok := openers[strings.ToLower(dm.config.Type)]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported database type: %s", dm.config.Type)
	}
	if dm.config.ConnectTimeout <= 0 {
		dm.config.ConnectTimeout = defaultConnectTimeout
	}
	driver, dsn, dialect := open(dm.config)
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	sqlDB.SetMaxIdleConns(dm.config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(dm.config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(dm.config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(dm.config.ConnMaxIdleTime)

	db := bun.NewDB(sqlDB, dialect)
	for _, hook := range dm.hooks() {
		db.AddQueryHook(hook)
	}
	return sqlDB, db, nil
}

func (dm *defaultDatabaseManager) hooks() []bun.QueryHook {
	hooks := []bun.QueryHook{NewQueryHook(dm.config.EnableQueryLog)}
	if _, ok := os.LookupEnv("BUNDEBUG"); ok {
		hooks = append(hooks, bundebug.NewQueryHook(bundebug.WithVerbose(true), bundebug.FromEnv("BUNDEBUG")))
	}
	if dm.config.SlowQueryTime > 0 {
		hooks = append(hooks, &slowQueryHook{threshold: dm.config.SlowQueryTime, logger: dm.logger})
	}
	return hooks
}

// Disconnect stops the health watcher and closes the pool.
func (dm *defaultDatabaseManager) Disconnect() error {
	dm.stopOnce.Do(func() { close(dm.stop) })
	return dm.closePool()
}

func (dm *defaultDatabaseManager) closePool() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.db == nil {
		return nil
	}
	err := dm.db.Close()
	dm.db, dm.sqlDB, dm.connected = nil, nil, false
	if err != nil {
		dm.logger.Error("Failed to close database connection", "error", err)
		return err
	}
	dm.logger.Info("Database connection closed")
	return nil
}

// Reconnect replaces the pool. Connections created over the old pool keep
// pointing at it and fail until they are re-acquired.
func (dm *defaultDatabaseManager) Reconnect(ctx context.Context) error {
	if err := dm.closePool(); err != nil {
		dm.logger.Warn("Error disconnecting existing connection", "error", err)
	}
	return dm.Connect(ctx)
}

func (dm *defaultDatabaseManager) Ping(ctx context.Context) error {
	db := dm.GetDB()
	if db == nil {
		return fmt.Errorf("database not connected")
	}
	return db.PingContext(ctx)
}

func (dm *defaultDatabaseManager) GetDB() *bun.DB {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.db
}

func (dm *defaultDatabaseManager) GetSQLDB() *sql.DB {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.sqlDB
}

// HealthCheck pings the pool and reports pool occupancy. The result is also
// kept as the latest known status.
func (dm *defaultDatabaseManager) HealthCheck(ctx context.Context) *HealthStatus {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	start := time.Now()
	status := &HealthStatus{LastCheckTime: start}
	if dm.db == nil {
		status.LastError = "Database not initialized"
		dm.health = status
		return status
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	err := dm.db.PingContext(pingCtx)
	status.ResponseTime = time.Since(start)
	status.Healthy = err == nil
	status.Connected = err == nil
	dm.lastError = err
	if err != nil {
		status.LastError = err.Error()
	}

	stats := dm.sqlDB.Stats()
	status.ActiveConns = stats.InUse
	status.IdleConns = stats.Idle
	status.MaxOpenConns = stats.MaxOpenConnections
	dm.health = status
	return status
}

// watch checks health every interval and, when enabled, reconnects after a
// failed check. Consecutive failed reconnects are capped at
// MaxReconnectTries; a healthy check resets the count.
func (dm *defaultDatabaseManager) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tries := 0
	for {
		select {
		case <-dm.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*healthPingTimeout)
		status := dm.HealthCheck(ctx)
		cancel()
		if status.Healthy {
			tries = 0
			continue
		}
		if !dm.config.EnableReconnect || tries >= dm.config.MaxReconnectTries {
			continue
		}

		tries++
		dm.logger.Warn("Database unhealthy, reconnecting", "try", tries, "error", status.LastError)
		select {
		case <-dm.stop:
			return
		case <-time.After(dm.config.ReconnectInterval):
		}
		ctx, cancel = context.WithTimeout(context.Background(), dm.config.ConnectTimeout)
		if err := dm.Reconnect(ctx); err != nil {
			dm.logger.Error("Reconnect failed", "error", err, "try", tries)
		} else {
			dm.logger.Info("Reconnect succeeded", "try", tries)
			tries = 0
		}
		cancel()
	}
}

func (dm *defaultDatabaseManager) GetStats() *DBStats {
	sqlDB := dm.GetSQLDB()
	if sqlDB == nil {
		return &DBStats{}
	}
	s := sqlDB.Stats()
	return &DBStats{
		MaxOpenConns:      s.MaxOpenConnections,
		OpenConns:         s.OpenConnections,
		InUse:             s.InUse,
		Idle:              s.Idle,
		WaitCount:         s.WaitCount,
		WaitDuration:      s.WaitDuration,
		MaxIdleClosed:     s.MaxIdleClosed,
		MaxIdleTimeClosed: s.MaxIdleTimeClosed,
		MaxLifetimeClosed: s.MaxLifetimeClosed,
	}
}

func (dm *defaultDatabaseManager) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.logger = logger
}
