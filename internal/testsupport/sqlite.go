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

// Package testsupport opens throwaway databases and cache stores for tests.
package testsupport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tomoncle/backbone/cache"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

var seq atomic.Int64

// OpenSQLite opens a private in-memory SQLite database that lives until the
// test ends. The pool is pinned to one connection so the database survives
// between statements.
func OpenSQLite(t testing.TB) *bun.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	sqlDB, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	if err := db.PingContext(context.Background()); err != nil {
		t.Fatalf("ping sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// ErrStoreDown is what FailingStore returns from every call.
var ErrStoreDown = errors.New("store unavailable")

// FailingStore is a cache.Store whose every operation fails. Gets and
// Deletes are counted.
type FailingStore struct {
	Gets    int
	Deletes int
}

var _ cache.Store = (*FailingStore)(nil)

func (s *FailingStore) Get(context.Context, string) ([]byte, error) {
	s.Gets++
	return nil, ErrStoreDown
}

func (s *FailingStore) Set(context.Context, string, []byte) error { return ErrStoreDown }

func (s *FailingStore) Delete(context.Context, ...string) error {
	s.Deletes++
	return ErrStoreDown
}

func (s *FailingStore) Close() error { return nil }

// CountingStore wraps a store and counts hits, misses and evictions.
type CountingStore struct {
	cache.Store
	Hits, Misses, Sets, Deletes int
}

func (s *CountingStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.Store.Get(ctx, key)
	if err == nil {
		s.Hits++
	} else if errors.Is(err, cache.ErrMiss) {
		s.Misses++
	}
	return b, err
}

func (s *CountingStore) Set(ctx context.Context, key string, value []byte) error {
	s.Sets++
	return s.Store.Set(ctx, key, value)
}

func (s *CountingStore) Delete(ctx context.Context, keys ...string) error {
	s.Deletes++
	return s.Store.Delete(ctx, keys...)
}
