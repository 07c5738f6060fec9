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
	"sort"
	"sync"
)

// Migration creates (Up) or drops (Down) schema objects through a
// Connection. Priority orders migrations; lower runs first on Up.
type Migration interface {
	Name() string
	Priority() int
	Up(ctx context.Context, conn *Connection) error
	Down(ctx context.Context, conn *Connection) error
}

// MigrationFunc is one direction of a migration.
type MigrationFunc func(ctx context.Context, conn *Connection) error

// MigrationRegistry stores migrations and exposes them in a deterministic
// order.
type MigrationRegistry interface {
	Register(migrations ...Migration)
	Migrations() []Migration
}

type migrationRegistry struct {
	migrations []Migration
	mutex      sync.RWMutex
}

func NewMigrationRegistry(migrations ...Migration) MigrationRegistry {
	r := &migrationRegistry{}
	r.Register(migrations...)
	return r
}

func (r *migrationRegistry) Register(migrations ...Migration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.migrations = append(r.migrations, migrations...)
}

// Migrations returns the registered migrations sorted by priority, keeping
// registration order for equal priorities.
func (r *migrationRegistry) Migrations() []Migration {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]Migration, len(r.migrations))
	copy(result, r.migrations)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority() < result[j].Priority()
	})
	return result
}

type funcMigration struct {
	name     string
	priority int
	up, down MigrationFunc
}

// NewMigration builds a Migration from two functions. down may be nil.
func NewMigration(name string, priority int, up, down MigrationFunc) Migration {
	return &funcMigration{name: name, priority: priority, up: up, down: down}
}

// SQLMigration builds a Migration that executes fixed statements.
func SQLMigration(name string, priority int, up []string, down []string) Migration {
	return NewMigration(name, priority, execAll(up), execAll(down))
}

func execAll(statements []string) MigrationFunc {
	return func(ctx context.Context, conn *Connection) error {
		for _, s := range statements {
			if _, err := conn.Execute(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}
}

func (m *funcMigration) Name() string  { return m.name }
func (m *funcMigration) Priority() int { return m.priority }

func (m *funcMigration) Up(ctx context.Context, conn *Connection) error {
	if m.up == nil {
		return nil
	}
	return m.up(ctx, conn)
}

func (m *funcMigration) Down(ctx context.Context, conn *Connection) error {
	if m.down == nil {
		return nil
	}
	return m.down(ctx, conn)
}
