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

package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tomoncle/backbone/cache"
	"github.com/tomoncle/backbone/database"
	"github.com/tomoncle/backbone/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
)

// Definition describes the table behind a repository.
type Definition[E Entity] struct {
	Table string
	// PrimaryKey defaults to "id".
	PrimaryKey string
	// New returns an empty entity. It defaults to allocating the struct E
	// points to.
	New func() E

	Accessors Transforms
	Mutators  Transforms

	SoftDeletes     bool
	DeletedAtColumn string

	Timestamps      bool
	CreatedAtColumn string
	UpdatedAtColumn string

	// Cacheable lets Find use the store given WithCache.
	Cacheable bool
	// DefaultRelations are loaded on every read in addition to the
	// requested ones.
	DefaultRelations []string
}

type settings struct {
	store  cache.Store
	prefix string
	logger database.Logger
}

type Option func(*settings)

// WithCache sets the store used by cacheable repositories.
func WithCache(store cache.Store) Option {
	return func(s *settings) { s.store = store }
}

// WithCachePrefix namespaces cache keys.
func WithCachePrefix(prefix string) Option {
	return func(s *settings) { s.prefix = prefix }
}

func WithLogger(logger database.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Repository is a typed gateway to one table.
type Repository[E Entity] struct {
	conn *database.Connection
	def  Definition[E]
	settings

	mu        sync.Mutex
	builders  map[string]func() Relation
	relations map[string]Relation
}

var _ Source = (*Repository[*Model])(nil)

// New creates a repository over conn. Calls whose context carries a
// connection (see database.WithConnection) use that one instead.
func New[E Entity](conn *database.Connection, def Definition[E], opts ...Option) *Repository[E] {
	if def.PrimaryKey == "" {
		def.PrimaryKey = "id"
	}
	if def.DeletedAtColumn == "" {
		def.DeletedAtColumn = "deleted_at"
	}
	if def.CreatedAtColumn == "" {
		def.CreatedAtColumn = "created_at"
	}
	if def.UpdatedAtColumn == "" {
		def.UpdatedAtColumn = "updated_at"
	}
	if def.New == nil {
		def.New = allocator[E]()
	}
	r := &Repository[E]{
		conn:      conn,
		def:       def,
		settings:  settings{logger: database.NopLogger()},
		builders:  make(map[string]func() Relation),
		relations: make(map[string]Relation),
	}
	for _, opt := range opts {
		opt(&r.settings)
	}
	return r
}

func allocator[E Entity]() func() E {
	t := reflect.TypeOf((*E)(nil)).Elem()
	if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("repository: %v is not a struct pointer; set Definition.New", t))
	}
	return func() E { return reflect.New(t.Elem()).Interface().(E) }
}

func (r *Repository[E]) Table() string { return r.def.Table }

func (r *Repository[E]) PrimaryKey() string { return r.def.PrimaryKey }

// Connection returns the connection carried by ctx, or the repository's.
func (r *Repository[E]) Connection(ctx context.Context) *database.Connection {
	if conn, ok := database.ConnectionFromContext(ctx); ok {
		return conn
	}
	return r.conn
}

// Relate registers a relation builder under name. The builder runs the
// first time the relation is requested and its result is kept.
func (r *Repository[E]) Relate(name string, builder func() Relation) *Repository[E] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	delete(r.relations, name)
	return r
}

func (r *Repository[E]) relation(name string) (Relation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rel, ok := r.relations[name]; ok {
		return rel, nil
	}
	builder, ok := r.builders[name]
	if !ok {
		return Relation{}, &UnknownRelationError{Table: r.def.Table, Relation: name}
	}
	rel := builder()
	switch {
	case rel.Target == nil:
		return Relation{}, fmt.Errorf("repository: relation %s.%s has no target", r.def.Table, name)
	case !rel.Kind.IsValid():
		return Relation{}, fmt.Errorf("repository: relation %s.%s has invalid kind %d", r.def.Table, name, rel.Kind)
	case len(rel.LocalKey) == 0 || len(rel.ForeignKey) == 0:
		return Relation{}, fmt.Errorf("repository: relation %s.%s needs both keys", r.def.Table, name)
	}
	r.relations[name] = rel
	return rel, nil
}

func (r *Repository[E]) selectQuery(conn *database.Connection, qualified bool) *bun.SelectQuery {
	q := conn.DB().NewSelect().Table(r.def.Table)
	if qualified {
		q = q.ColumnExpr("?.*", bun.Ident(r.def.Table))
	}
	if r.def.SoftDeletes {
		q = q.Where("? IS NULL", bun.Ident(r.def.Table+"."+r.def.DeletedAtColumn))
	}
	return q
}

func (r *Repository[E]) baseQuery(conn *database.Connection, q Query) *bun.SelectQuery {
	sel := conn.DB().NewSelect().Table(r.def.Table)
	if r.def.SoftDeletes && !q.withTrashed {
		sel = sel.Where("? IS NULL", bun.Ident(r.def.Table+"."+r.def.DeletedAtColumn))
	}
	return q.apply(sel)
}

func (r *Repository[E]) build(row database.Row) (E, error) {
	e := r.def.New()
	if err := decode(applyAccessors(row, r.def.Accessors), e); err != nil {
		var zero E
		return zero, err
	}
	return e, nil
}

func (r *Repository[E]) hydrate(rows []database.Row) ([]Entity, error) {
	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		e, err := r.build(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Repository[E]) buildAll(rows []database.Row) ([]E, error) {
	out := make([]E, 0, len(rows))
	for _, row := range rows {
		e, err := r.build(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Repository[E]) load(ctx context.Context, conn *database.Connection, entities []E, relations []string) error {
	names := append(append([]string(nil), r.def.DefaultRelations...), relations...)
	if len(names) == 0 || len(entities) == 0 {
		return nil
	}
	parents := make([]Entity, len(entities))
	for i, e := range entities {
		parents[i] = e
	}
	return NewApplier(conn).Apply(ctx, r, parents, names...)
}

// Find loads one entity by primary key. Only Find consults the cache.
func (r *Repository[E]) Find(ctx context.Context, id interface{}, relations ...string) (E, error) {
	var zero E
	conn := r.Connection(ctx)
	row, err := r.findRow(ctx, conn, id)
	if err != nil {
		return zero, err
	}
	e, err := r.build(row)
	if err != nil {
		return zero, err
	}
	if err := r.load(ctx, conn, []E{e}, relations); err != nil {
		return zero, err
	}
	return e, nil
}

func (r *Repository[E]) findRow(ctx context.Context, conn *database.Connection, id interface{}) (database.Row, error) {
	key := r.cacheKey(id)
	if r.cacheable() {
		b, err := r.store.Get(ctx, key)
		switch {
		case err == nil:
			row, derr := cache.DecodeRow(b)
			if derr == nil {
				return row, nil
			}
			r.logger.Warn("discarding undecodable cache entry", "key", key, "error", derr)
		case !errors.Is(err, cache.ErrMiss):
			r.logger.Warn("cache read failed", "key", key, "error", err)
		}
	}

	row, err := r.rowByID(ctx, conn, id, false)
	if err != nil {
		return nil, err
	}
	if r.cacheable() && !conn.InTransaction() {
		r.remember(ctx, key, row)
	}
	return row, nil
}

func (r *Repository[E]) rowByID(ctx context.Context, conn *database.Connection, id interface{}, withTrashed bool) (database.Row, error) {
	q := NewQuery().WhereEq(r.def.PrimaryKey, id).Limit(1)
	if withTrashed {
		q = q.WithTrashed()
	}
	rows, err := conn.FetchQuery(ctx, r.baseQuery(conn, q))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s=%v: %w", r.def.Table, r.def.PrimaryKey, id, ErrNotFound)
	}
	return rows[0], nil
}

// Get runs q and loads relations on the result.
func (r *Repository[E]) Get(ctx context.Context, q Query, relations ...string) ([]E, error) {
	conn := r.Connection(ctx)
	rows, err := conn.FetchQuery(ctx, r.baseQuery(conn, q))
	if err != nil {
		return nil, err
	}
	entities, err := r.buildAll(rows)
	if err != nil {
		return nil, err
	}
	if err := r.load(ctx, conn, entities, relations); err != nil {
		return nil, err
	}
	return entities, nil
}

// First returns the first entity matching q, or ErrNotFound.
func (r *Repository[E]) First(ctx context.Context, q Query, relations ...string) (E, error) {
	var zero E
	entities, err := r.Get(ctx, q.Limit(1), relations...)
	if err != nil {
		return zero, err
	}
	if len(entities) == 0 {
		return zero, fmt.Errorf("%s: %w", r.def.Table, ErrNotFound)
	}
	return entities[0], nil
}

// Count counts the rows matching q's filters.
func (r *Repository[E]) Count(ctx context.Context, q Query) (int, error) {
	conn := r.Connection(ctx)
	sel := r.baseQuery(conn, q.ForCount()).ColumnExpr("count(*) AS ?", bun.Ident("aggregate"))
	rows, err := conn.FetchQuery(ctx, sel)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt(rows[0]["aggregate"])
}

// Paginate fetches one page of q and the total count. q is not modified.
func (r *Repository[E]) Paginate(ctx context.Context, q Query, page *types.PageRequest, relations ...string) (*types.Pagination[E], error) {
	if page == nil {
		page = types.NewDefaultPageRequest(1, 10)
	}
	q = q.Filter(page.GetFilter()).OrderBy(page.GetOrders()...)
	items, err := r.Get(ctx, q.Clone().Limit(page.GetPageSize()).Offset(page.GetOffset()), relations...)
	if err != nil {
		return nil, err
	}
	total, err := r.Count(ctx, q)
	if err != nil {
		return nil, err
	}
	return types.NewPagination(items, total, page.GetPage(), page.GetPageSize()), nil
}

// Load resolves relations on entities that were already fetched.
func (r *Repository[E]) Load(ctx context.Context, entities []E, relations ...string) error {
	if len(relations) == 0 || len(entities) == 0 {
		return nil
	}
	parents := make([]Entity, len(entities))
	for i, e := range entities {
		parents[i] = e
	}
	return NewApplier(r.Connection(ctx)).Apply(ctx, r, parents, relations...)
}

// Create inserts attrs after mutators and returns the stored entity. A
// cached row left behind under the new primary key is evicted.
func (r *Repository[E]) Create(ctx context.Context, attrs map[string]interface{}) (E, error) {
	var out E
	conn := r.Connection(ctx)
	err := conn.Transaction(ctx, func(ctx context.Context) error {
		values := applyMutators(attrs, r.def.Mutators)
		if r.def.Timestamps {
			now := time.Now().UTC()
			setDefault(values, r.def.CreatedAtColumn, now)
			setDefault(values, r.def.UpdatedAtColumn, now)
		}
		row, err := r.insert(ctx, conn, values)
		if err != nil {
			return err
		}
		out, err = r.build(row)
		return err
	})
	if err == nil {
		r.evictEntity(ctx, conn, out)
	}
	return out, err
}

func (r *Repository[E]) insert(ctx context.Context, conn *database.Connection, values map[string]interface{}) (database.Row, error) {
	ins := conn.DB().NewInsert().Model(&values).TableExpr("?", bun.Ident(r.def.Table))
	if conn.DB().HasFeature(feature.InsertReturning) {
		rows, err := conn.FetchQuery(ctx, ins.Returning("*"))
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("%s: insert returned no row", r.def.Table)
		}
		return rows[0], nil
	}

	res, err := conn.ExecQuery(ctx, ins)
	if err != nil {
		return nil, err
	}
	id, ok := values[r.def.PrimaryKey]
	if !ok {
		lastID, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("%s: cannot read inserted id: %w", r.def.Table, err)
		}
		id = lastID
	}
	return r.rowByID(ctx, conn, id, true)
}

// Update writes attrs to the row with the given id and returns it reloaded.
// The cache entry is evicted whatever the outcome.
func (r *Repository[E]) Update(ctx context.Context, id interface{}, attrs map[string]interface{}) (E, error) {
	var out E
	conn := r.Connection(ctx)
	defer r.evict(ctx, conn, id)
	err := conn.Transaction(ctx, func(ctx context.Context) error {
		values := applyMutators(attrs, r.def.Mutators)
		if r.def.Timestamps {
			setDefault(values, r.def.UpdatedAtColumn, time.Now().UTC())
		}
		if len(values) > 0 {
			if err := r.updateRow(ctx, conn, id, values); err != nil {
				return err
			}
		}
		row, err := r.rowByID(ctx, conn, id, false)
		if err != nil {
			return err
		}
		out, err = r.build(row)
		return err
	})
	return out, err
}

func (r *Repository[E]) updateRow(ctx context.Context, conn *database.Connection, id interface{}, values map[string]interface{}) error {
	upd := conn.DB().NewUpdate().
		Model(&values).
		TableExpr("?", bun.Ident(r.def.Table)).
		Where("? = ?", bun.Ident(r.def.PrimaryKey), id)
	_, err := conn.ExecQuery(ctx, upd)
	return err
}

// Delete removes the row, or stamps its deleted-at column when the
// repository soft deletes. A missing row is ErrNotFound.
func (r *Repository[E]) Delete(ctx context.Context, id interface{}) error {
	conn := r.Connection(ctx)
	defer r.evict(ctx, conn, id)
	return conn.Transaction(ctx, func(ctx context.Context) error {
		if r.def.SoftDeletes {
			if _, err := r.rowByID(ctx, conn, id, false); err != nil {
				return err
			}
			return r.updateRow(ctx, conn, id, map[string]interface{}{r.def.DeletedAtColumn: time.Now().UTC()})
		}
		res, err := conn.Execute(ctx,
			"DELETE FROM "+conn.QuoteIdent(r.def.Table)+" WHERE "+conn.QuoteIdent(r.def.PrimaryKey)+" = ?", id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%s %s=%v: %w", r.def.Table, r.def.PrimaryKey, id, ErrNotFound)
		}
		return nil
	})
}

// Restore clears the deleted-at column of a soft-deleted row.
func (r *Repository[E]) Restore(ctx context.Context, id interface{}) (E, error) {
	var out E
	if !r.def.SoftDeletes {
		return out, fmt.Errorf("repository: %s does not soft delete", r.def.Table)
	}
	conn := r.Connection(ctx)
	defer r.evict(ctx, conn, id)
	err := conn.Transaction(ctx, func(ctx context.Context) error {
		if _, err := r.rowByID(ctx, conn, id, true); err != nil {
			return err
		}
		if err := r.updateRow(ctx, conn, id, map[string]interface{}{r.def.DeletedAtColumn: nil}); err != nil {
			return err
		}
		row, err := r.rowByID(ctx, conn, id, false)
		if err != nil {
			return err
		}
		out, err = r.build(row)
		return err
	})
	return out, err
}

// FirstOrCreate returns the first entity whose columns equal search, or
// creates one from search merged with values.
func (r *Repository[E]) FirstOrCreate(ctx context.Context, search, values map[string]interface{}) (E, error) {
	var out E
	conn := r.Connection(ctx)
	err := conn.Transaction(ctx, func(ctx context.Context) error {
		q := NewQuery()
		mutated := applyMutators(search, r.def.Mutators)
		for _, k := range sortedKeys(mutated) {
			q = q.WhereEq(k, mutated[k])
		}
		found, err := r.First(ctx, q)
		if err == nil {
			out = found
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		attrs := make(map[string]interface{}, len(search)+len(values))
		for k, v := range values {
			attrs[k] = v
		}
		for k, v := range search {
			attrs[k] = v
		}
		out, err = r.Create(ctx, attrs)
		return err
	})
	return out, err
}

// Upsert inserts attrs or, when a row with the same conflict columns
// exists, overwrites the update columns (all non-conflict columns when none
// are given).
func (r *Repository[E]) Upsert(ctx context.Context, attrs map[string]interface{}, conflict []string, update ...string) (E, error) {
	var out E
	if len(conflict) == 0 {
		conflict = []string{r.def.PrimaryKey}
	}
	conn := r.Connection(ctx)
	err := conn.Transaction(ctx, func(ctx context.Context) error {
		values := applyMutators(attrs, r.def.Mutators)
		if r.def.Timestamps {
			now := time.Now().UTC()
			setDefault(values, r.def.CreatedAtColumn, now)
			setDefault(values, r.def.UpdatedAtColumn, now)
		}
		if len(update) == 0 {
			update = nonConflictColumns(values, conflict, r.def.CreatedAtColumn)
		}

		ins := conn.DB().NewInsert().Model(&values).TableExpr("?", bun.Ident(r.def.Table))
		switch {
		case conn.DB().HasFeature(feature.InsertOnConflict) && len(update) == 0:
			ins = ins.On("CONFLICT (" + r.quoteAll(conn, conflict) + ") DO NOTHING")
		case conn.DB().HasFeature(feature.InsertOnConflict):
			ins = ins.On("CONFLICT (" + r.quoteAll(conn, conflict) + ") DO UPDATE")
			for _, col := range update {
				ins = ins.Set("? = EXCLUDED.?", bun.Ident(col), bun.Ident(col))
			}
		case conn.DB().HasFeature(feature.InsertOnDuplicateKey):
			if len(update) == 0 {
				update = conflict[:1]
			}
			ins = ins.On("DUPLICATE KEY UPDATE")
			for _, col := range update {
				ins = ins.Set("? = VALUES(?)", bun.Ident(col), bun.Ident(col))
			}
		default:
			return fmt.Errorf("repository: %s dialect cannot upsert", conn.Dialect().Name())
		}
		if _, err := conn.ExecQuery(ctx, ins); err != nil {
			return err
		}

		q := NewQuery().WithTrashed()
		for _, col := range conflict {
			q = q.WhereEq(col, values[col])
		}
		found, err := r.First(ctx, q)
		if err != nil {
			return err
		}
		out = found
		return nil
	})
	if err == nil {
		r.evictEntity(ctx, conn, out)
	}
	return out, err
}

// DeleteAll empties the table with an unfiltered DELETE, so it fails with
// database.UnsafeWildcardError unless the connection allows wildcard
// queries. Cacheable repositories read the primary keys first and evict
// them once the rows are gone.
func (r *Repository[E]) DeleteAll(ctx context.Context) error {
	conn := r.Connection(ctx)
	statement := "DELETE FROM " + conn.QuoteIdent(r.def.Table)
	if !r.cacheable() {
		_, err := conn.Execute(ctx, statement)
		return err
	}
	if database.IsWildcardQuery(statement) && !conn.WildcardQueriesAllowed() {
		return &database.UnsafeWildcardError{Statement: statement}
	}

	rows, err := conn.Fetch(ctx, "SELECT "+conn.QuoteIdent(r.def.PrimaryKey)+" FROM "+conn.QuoteIdent(r.def.Table))
	if err != nil {
		return err
	}
	if _, err := conn.Execute(ctx, statement); err != nil {
		return err
	}
	ids := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		if id, ok := row[r.def.PrimaryKey]; ok && id != nil {
			ids = append(ids, id)
		}
	}
	r.evict(ctx, conn, ids...)
	return nil
}

func (r *Repository[E]) quoteAll(conn *database.Connection, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = conn.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func (r *Repository[E]) cacheable() bool { return r.def.Cacheable && r.store != nil }

func (r *Repository[E]) cacheKey(id interface{}) string {
	return cache.Key(r.prefix, r.def.Table, id)
}

func (r *Repository[E]) remember(ctx context.Context, key string, row database.Row) {
	b, err := cache.EncodeRow(row)
	if err != nil {
		r.logger.Warn("row is not cacheable", "key", key, "error", err)
		return
	}
	if err := r.store.Set(ctx, key, b); err != nil {
		r.logger.Error("cache write failed", "error", &cache.WriteError{Op: "set", Key: key, Err: err})
	}
}

// evict removes the cached rows for ids. Inside a transaction the keys are
// evicted again after the commit, so a row another connection cached from
// the pre-commit state does not outlive it. Failures are logged and never
// returned: the database write they follow has already happened.
func (r *Repository[E]) evict(ctx context.Context, conn *database.Connection, ids ...interface{}) {
	if !r.cacheable() || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.cacheKey(id)
	}
	r.deleteKeys(ctx, keys)
	if conn.InTransaction() {
		ctx = context.WithoutCancel(ctx)
		conn.AfterCommit(func() { r.deleteKeys(ctx, keys) })
	}
}

func (r *Repository[E]) evictEntity(ctx context.Context, conn *database.Connection, e E) {
	if id, ok := e.base().Attribute(r.def.PrimaryKey); ok {
		r.evict(ctx, conn, id)
	}
}

func (r *Repository[E]) deleteKeys(ctx context.Context, keys []string) {
	if err := r.store.Delete(ctx, keys...); err != nil {
		r.logger.Error("cache eviction failed", "error", &cache.WriteError{Op: "delete", Key: strings.Join(keys, ","), Err: err})
	}
}

func setDefault(m map[string]interface{}, key string, v interface{}) {
	if _, ok := m[key]; !ok {
		m[key] = v
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nonConflictColumns(values map[string]interface{}, conflict []string, keep ...string) []string {
	skip := make(map[string]bool, len(conflict)+len(keep))
	for _, c := range conflict {
		skip[c] = true
	}
	for _, c := range keep {
		skip[c] = true
	}
	var out []string
	for _, k := range sortedKeys(values) {
		if !skip[k] {
			out = append(out, k)
		}
	}
	return out
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case []byte:
		return strconv.Atoi(string(n))
	case string:
		return strconv.Atoi(n)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("repository: unexpected count type %T", v)
	}
}
