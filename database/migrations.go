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
)

// MigrationTable records which migrations have been applied.
const MigrationTable = "backbone_migrations"

// Migrator applies the migrations of a registry and records them in
// MigrationTable.
type Migrator struct {
	registry MigrationRegistry
	logger   Logger
}

func NewMigrator(registry MigrationRegistry, logger Logger) *Migrator {
	if logger == nil {
		logger = NopLogger()
	}
	return &Migrator{registry: registry, logger: logger}
}

// Up applies every migration not yet recorded, in priority order. Each
// migration runs in its own transaction scope.
func (m *Migrator) Up(ctx context.Context, conn *Connection) error {
	if err := m.ensureTable(ctx, conn); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	applied, err := m.Applied(ctx, conn)
	if err != nil {
		return err
	}

	for _, mg := range m.registry.Migrations() {
		if applied[mg.Name()] {
			continue
		}
		err := conn.Transaction(ctx, func(ctx context.Context) error {
			if err := mg.Up(ctx, conn); err != nil {
				return err
			}
			_, err := conn.Execute(ctx,
				"INSERT INTO "+MigrationTable+" (name, applied_at) VALUES (?, CURRENT_TIMESTAMP)", mg.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", mg.Name(), err)
		}
		m.logger.Info("migration applied", "name", mg.Name())
	}
	return nil
}

// Down reverts recorded migrations in reverse priority order. Wildcard
// queries are allowed while it runs so teardown code can empty tables; the
// previous mode is restored afterwards.
func (m *Migrator) Down(ctx context.Context, conn *Connection) error {
	if err := m.ensureTable(ctx, conn); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	applied, err := m.Applied(ctx, conn)
	if err != nil {
		return err
	}

	if !conn.WildcardQueriesAllowed() {
		conn.AllowWildcardQueries()
		defer conn.DenyWildcardQueries()
	}

	migrations := m.registry.Migrations()
	for i := len(migrations) - 1; i >= 0; i-- {
		mg := migrations[i]
		if !applied[mg.Name()] {
			continue
		}
		err := conn.Transaction(ctx, func(ctx context.Context) error {
			if err := mg.Down(ctx, conn); err != nil {
				return err
			}
			_, err := conn.Execute(ctx, "DELETE FROM "+MigrationTable+" WHERE name = ?", mg.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to revert migration %s: %w", mg.Name(), err)
		}
		m.logger.Info("migration reverted", "name", mg.Name())
	}
	return nil
}

// Applied returns the names recorded in MigrationTable.
func (m *Migrator) Applied(ctx context.Context, conn *Connection) (map[string]bool, error) {
	rows, err := conn.Fetch(ctx, "SELECT name FROM "+MigrationTable)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		out[fmt.Sprint(stringValue(row["name"]))] = true
	}
	return out, nil
}

func (m *Migrator) ensureTable(ctx context.Context, conn *Connection) error {
	_, err := conn.Execute(ctx,
		"CREATE TABLE IF NOT EXISTS "+MigrationTable+" (name VARCHAR(255) PRIMARY KEY, applied_at TIMESTAMP NOT NULL)")
	return err
}

func stringValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
