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

package repository_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tomoncle/backbone/cache"
	"github.com/tomoncle/backbone/database"
	"github.com/tomoncle/backbone/internal/testsupport"
	"github.com/tomoncle/backbone/repository"
	"github.com/tomoncle/backbone/types"
)

func authorID(a *Author) int64 { return a.ID }

func TestCreateFindRoundTrip(t *testing.T) {
	f := newFixture(t)
	created, err := f.authors.Create(f.ctx, map[string]interface{}{
		"name": "  ann  ",
		"metadata": map[string]interface{}{
			"nested": map[string]interface{}{"pinned_post_id": 7},
			"tags":   []string{"a", "b"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 || created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("create should return the stored row, got %+v", created)
	}

	found, err := f.authors.Find(f.ctx, created.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Name != "ann" {
		t.Errorf("name = %q, want trimmed", found.Name)
	}
	want := map[string]interface{}{
		"nested": map[string]interface{}{"pinned_post_id": float64(7)},
		"tags":   []interface{}{"a", "b"},
	}
	if !reflect.DeepEqual(found.Metadata, want) {
		t.Errorf("metadata = %#v, want %#v", found.Metadata, want)
	}
	if raw, _ := found.Attribute("metadata"); !reflect.DeepEqual(raw, want) {
		t.Errorf("attribute should hold the decoded value, got %#v", raw)
	}
}

func TestFindMissing(t *testing.T) {
	f := newFixture(t)
	if _, err := f.authors.Find(f.ctx, 404); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.authors.First(f.ctx, repository.NewQuery()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from First, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	a := f.author(t, "ann", nil)

	updated, err := f.authors.Update(f.ctx, a.ID, map[string]interface{}{"name": "anna "})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "anna" || updated.UpdatedAt.Before(a.UpdatedAt) {
		t.Errorf("unexpected update result %+v", updated)
	}
	if _, err := f.authors.Update(f.ctx, 999, map[string]interface{}{"name": "x"}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("update of a missing row should be ErrNotFound, got %v", err)
	}

	if err := f.authors.Delete(f.ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.authors.Find(f.ctx, a.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("deleted row still found: %v", err)
	}
	if err := f.authors.Delete(f.ctx, a.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestSoftDeleteAndRestore(t *testing.T) {
	f := newFixture(t)
	a := f.author(t, "ann", nil)
	p := f.post(t, a, "post", true)

	if err := f.posts.Delete(f.ctx, p.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := f.posts.Find(f.ctx, p.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("soft-deleted row visible to Find: %v", err)
	}
	n, err := f.posts.Count(f.ctx, repository.NewQuery())
	if err != nil || n != 0 {
		t.Fatalf("count = %d, %v", n, err)
	}
	trashed, err := f.posts.Get(f.ctx, repository.NewQuery().WithTrashed())
	if err != nil || len(trashed) != 1 || trashed[0].DeletedAt == nil {
		t.Fatalf("WithTrashed should return the stamped row, got %v, %v", trashed, err)
	}

	restored, err := f.posts.Restore(f.ctx, p.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.DeletedAt != nil {
		t.Errorf("restore should clear deleted_at")
	}
	if _, err := f.authors.Restore(f.ctx, a.ID); err == nil {
		t.Errorf("restore on a hard-deleting repository should fail")
	}
}

func TestCountAndFilters(t *testing.T) {
	f := newFixture(t)
	a := f.author(t, "ann", nil)
	f.post(t, a, "one", true)
	f.post(t, a, "two", false)
	f.post(t, a, "three", true)

	n, err := f.posts.Count(f.ctx, repository.NewQuery().WhereEq("is_active", true).OrderBy("id DESC").Limit(1))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2 (ordering and limit ignored)", n)
	}
	got, err := f.posts.Get(f.ctx, repository.NewQuery().WhereIn("title", "one", "three").OrderBy("id DESC"))
	if err != nil || len(got) != 2 || got[0].Title != "three" {
		t.Fatalf("WhereIn/OrderBy: %v, %v", got, err)
	}
}

func TestPaginate(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		f.author(t, name, nil)
	}
	base := repository.NewQuery()

	page, err := f.authors.Paginate(f.ctx, base, types.NewPageRequest(2, 2, nil, []string{"id DESC"}))
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if got := ids(page.Items, authorID); !equalIDs(got, []int64{3, 2}) {
		t.Errorf("items = %v", got)
	}
	if page.Total != 5 || page.PerPage != 2 || page.CurrentPage != 2 || page.LastPage != 3 || page.From != 3 || page.To != 4 {
		t.Errorf("unexpected page metadata %+v", page)
	}

	exact, err := f.authors.Paginate(f.ctx, base, types.NewDefaultPageRequest(1, 5))
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if exact.LastPage != 2 {
		t.Errorf("exact multiple should report a trailing page, got last_page %d", exact.LastPage)
	}

	filtered, err := f.authors.Paginate(f.ctx, base, types.NewPageRequest(1, 10, types.NewQueryFilter("name IN (?, ?)", "a", "b"), nil))
	if err != nil || filtered.Total != 2 || len(filtered.Items) != 2 {
		t.Fatalf("filtered page: %+v, %v", filtered, err)
	}

	all, err := f.authors.Get(f.ctx, base)
	if err != nil || len(all) != 5 {
		t.Fatalf("base query was modified: %d rows, %v", len(all), err)
	}
}

func TestFirstOrCreate(t *testing.T) {
	f := newFixture(t)
	search := map[string]interface{}{"name": "ann"}
	first, err := f.authors.FirstOrCreate(f.ctx, search, map[string]interface{}{"metadata": map[string]interface{}{"k": "v"}})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := f.authors.FirstOrCreate(f.ctx, search, map[string]interface{}{"metadata": nil})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.ID != second.ID || second.Metadata["k"] != "v" {
		t.Fatalf("second call should find the first row: %+v vs %+v", first, second)
	}
	if n, _ := f.authors.Count(f.ctx, repository.NewQuery()); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestUpsert(t *testing.T) {
	f := newFixture(t)
	one, err := f.tags.Upsert(f.ctx, map[string]interface{}{"name": "go"}, []string{"name"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	two, err := f.tags.Upsert(f.ctx, map[string]interface{}{"name": "go"}, []string{"name"})
	if err != nil {
		t.Fatalf("conflicting insert: %v", err)
	}
	if one.ID != two.ID {
		t.Errorf("upsert on a unique column should keep one row")
	}

	a := f.author(t, "ann", nil)
	renamed, err := f.authors.Upsert(f.ctx, map[string]interface{}{"id": a.ID, "name": "anna"}, nil)
	if err != nil {
		t.Fatalf("upsert by id: %v", err)
	}
	if renamed.ID != a.ID || renamed.Name != "anna" {
		t.Errorf("upsert should update the existing row, got %+v", renamed)
	}
}

func TestCacheCoherence(t *testing.T) {
	mem, err := cache.NewMemoryStore(cache.DefaultMemoryConfig())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	store := &testsupport.CountingStore{Store: mem}
	f := newFixture(t, repository.WithCache(store), repository.WithCachePrefix("test"))
	a := f.author(t, "ann", map[string]interface{}{"nested": map[string]interface{}{"pinned_post_id": 1}})

	if _, err := f.authors.Find(f.ctx, a.ID); err != nil {
		t.Fatalf("find: %v", err)
	}
	if store.Misses != 1 || store.Sets != 1 {
		t.Fatalf("first find should miss and fill, got %+v", store)
	}

	var cached *Author
	history := f.queries(func() {
		cached, err = f.authors.Find(f.ctx, a.ID)
	})
	if err != nil {
		t.Fatalf("cached find: %v", err)
	}
	if store.Hits != 1 || len(history) != 0 {
		t.Fatalf("second find should be served from cache, hits=%d queries=%d", store.Hits, len(history))
	}
	if cached.Name != "ann" || cached.Metadata["nested"] == nil || cached.CreatedAt.IsZero() {
		t.Errorf("cached entity lost data: %+v", cached)
	}

	evictions := store.Deletes
	if _, err := f.authors.Update(f.ctx, a.ID, map[string]interface{}{"name": "renamed"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if store.Deletes != evictions+1 {
		t.Fatalf("update should evict once, deletes=%d", store.Deletes-evictions)
	}
	fresh, err := f.authors.Find(f.ctx, a.ID)
	if err != nil {
		t.Fatalf("find after update: %v", err)
	}
	if fresh.Name != "renamed" {
		t.Fatalf("stale cache: name %q", fresh.Name)
	}
	if store.Misses != 2 {
		t.Errorf("find after eviction should miss, misses=%d", store.Misses)
	}
}

func TestCreateEvictsStaleRow(t *testing.T) {
	mem, err := cache.NewMemoryStore(cache.DefaultMemoryConfig())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f := newFixture(t, repository.WithCache(mem))
	a := f.author(t, "ann", nil)
	if _, err := f.authors.Find(f.ctx, a.ID); err != nil {
		t.Fatalf("find: %v", err)
	}

	// The row goes away behind the repository's back; its cache entry stays.
	if _, err := f.conn.Execute(f.ctx, "DELETE FROM authors WHERE id = ?", a.ID); err != nil {
		t.Fatalf("raw delete: %v", err)
	}
	if _, err := f.authors.Create(f.ctx, map[string]interface{}{"id": a.ID, "name": "zed"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	found, err := f.authors.Find(f.ctx, a.ID)
	if err != nil {
		t.Fatalf("find after create: %v", err)
	}
	if found.Name != "zed" {
		t.Fatalf("stale cached row served, name %q", found.Name)
	}
}

func TestDeleteAllEvictsCachedRows(t *testing.T) {
	mem, err := cache.NewMemoryStore(cache.DefaultMemoryConfig())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f := newFixture(t, repository.WithCache(mem))
	a := f.author(t, "ann", nil)
	b := f.author(t, "bob", nil)
	for _, id := range []int64{a.ID, b.ID} {
		if _, err := f.authors.Find(f.ctx, id); err != nil {
			t.Fatalf("find %d: %v", id, err)
		}
	}

	f.conn.AllowWildcardQueries()
	if err := f.authors.DeleteAll(f.ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	for _, id := range []int64{a.ID, b.ID} {
		if _, err := f.authors.Find(f.ctx, id); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("row %d still served after DeleteAll: %v", id, err)
		}
	}

	if _, err := f.authors.Create(f.ctx, map[string]interface{}{"id": a.ID, "name": "zed"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if found, err := f.authors.Find(f.ctx, a.ID); err != nil || found.Name != "zed" {
		t.Fatalf("find after recreate = %+v, %v", found, err)
	}
}

func TestEvictionRepeatsAfterCommit(t *testing.T) {
	mem, err := cache.NewMemoryStore(cache.DefaultMemoryConfig())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f := newFixture(t, repository.WithCache(mem), repository.WithCachePrefix("test"))
	a := f.author(t, "ann", nil)
	key := cache.Key("test", "authors", a.ID)

	err = f.conn.Transaction(f.ctx, func(ctx context.Context) error {
		if _, err := f.authors.Update(ctx, a.ID, map[string]interface{}{"name": "anna"}); err != nil {
			return err
		}
		// Another reader refills the key from the pre-commit row.
		stale, err := cache.EncodeRow(database.Row{"id": a.ID, "name": "ann"})
		if err != nil {
			return err
		}
		return mem.Set(ctx, key, stale)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if _, err := mem.Get(f.ctx, key); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("key should be evicted at commit, got %v", err)
	}
	found, err := f.authors.Find(f.ctx, a.ID)
	if err != nil || found.Name != "anna" {
		t.Fatalf("find after commit = %+v, %v", found, err)
	}
}

func TestCacheIsNotFilledInsideTransaction(t *testing.T) {
	mem, err := cache.NewMemoryStore(cache.DefaultMemoryConfig())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	store := &testsupport.CountingStore{Store: mem}
	f := newFixture(t, repository.WithCache(store))

	err = f.conn.Transaction(f.ctx, func(ctx context.Context) error {
		a, err := f.authors.Create(ctx, map[string]interface{}{"name": "ann"})
		if err != nil {
			return err
		}
		_, err = f.authors.Find(ctx, a.ID)
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if store.Sets != 0 {
		t.Fatalf("uncommitted rows must not be cached, sets=%d", store.Sets)
	}
}

func TestCacheFailuresDoNotFailWrites(t *testing.T) {
	store := &testsupport.FailingStore{}
	f := newFixture(t, repository.WithCache(store))
	a := f.author(t, "ann", nil)

	if _, err := f.authors.Find(f.ctx, a.ID); err != nil {
		t.Fatalf("find should fall back to the database: %v", err)
	}
	if _, err := f.authors.Update(f.ctx, a.ID, map[string]interface{}{"name": "bob"}); err != nil {
		t.Fatalf("update should succeed despite eviction failure: %v", err)
	}
	if err := f.authors.Delete(f.ctx, a.ID); err != nil {
		t.Fatalf("delete should succeed despite eviction failure: %v", err)
	}
	if store.Gets != 1 || store.Deletes != 3 {
		t.Errorf("gets=%d deletes=%d", store.Gets, store.Deletes)
	}
}

func TestDeleteAllIsGuarded(t *testing.T) {
	f := newFixture(t)
	f.author(t, "ann", nil)

	err := f.authors.DeleteAll(f.ctx)
	if !database.IsUnsafeWildcard(err) {
		t.Fatalf("expected UnsafeWildcardError, got %v", err)
	}

	f.conn.AllowWildcardQueries()
	if err := f.authors.DeleteAll(f.ctx); err != nil {
		t.Fatalf("delete all with wildcard mode: %v", err)
	}
	if n, _ := f.authors.Count(f.ctx, repository.NewQuery()); n != 0 {
		t.Fatalf("table not emptied, %d rows", n)
	}

	f.conn.DenyWildcardQueries()
	var unsafe *database.UnsafeWildcardError
	if err := f.authors.DeleteAll(f.ctx); !errors.As(err, &unsafe) {
		t.Fatalf("guard should be back, got %v", err)
	}
}

func TestFailedTransactionRollsBackEveryWrite(t *testing.T) {
	f := newFixture(t)
	before := f.conn.TransactionStats()
	abort := errors.New("abort")

	err := f.conn.Transaction(f.ctx, func(ctx context.Context) error {
		a, err := f.authors.Create(ctx, map[string]interface{}{"name": "ann"})
		if err != nil {
			return err
		}
		if _, err := f.posts.Create(ctx, map[string]interface{}{"title": "p", "author_id": a.ID}); err != nil {
			return err
		}
		got, err := f.authors.Find(ctx, a.ID, "posts")
		if err != nil {
			return err
		}
		if len(got.Posts()) != 1 {
			t.Errorf("relation fetch should see uncommitted rows of its own transaction")
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort, got %v", err)
	}

	after := f.conn.TransactionStats()
	if after.Begins-before.Begins != 1 || after.Rollbacks-before.Rollbacks != 1 || after.Commits != before.Commits {
		t.Fatalf("expected one physical rollback, before=%+v after=%+v", before, after)
	}
	if n, _ := f.authors.Count(f.ctx, repository.NewQuery()); n != 0 {
		t.Errorf("authors survived rollback: %d", n)
	}
	if n, _ := f.posts.Count(f.ctx, repository.NewQuery()); n != 0 {
		t.Errorf("posts survived rollback: %d", n)
	}
}

func TestNestedRepositoryWritesCommitOnce(t *testing.T) {
	f := newFixture(t)
	before := f.conn.TransactionStats()

	err := f.conn.Transaction(f.ctx, func(ctx context.Context) error {
		a, err := f.authors.FirstOrCreate(ctx, map[string]interface{}{"name": "ann"}, nil)
		if err != nil {
			return err
		}
		_, err = f.authors.Update(ctx, a.ID, map[string]interface{}{"name": "anna"})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	after := f.conn.TransactionStats()
	if after.Begins-before.Begins != 1 || after.Commits-before.Commits != 1 {
		t.Fatalf("nested writes should share one physical transaction, before=%+v after=%+v", before, after)
	}
}
