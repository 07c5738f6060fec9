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
	"fmt"
	"strings"

	"github.com/tomoncle/backbone/database"
	"github.com/uptrace/bun"
)

// pivotKey is the alias of the pivot's local column in belongs-to-many
// fetches. It is removed before entities are built.
const pivotKey = "__pivot_key"

// Applier fills relation slots on already-loaded entities. Every relation
// path segment costs one query, whatever the number of parents.
type Applier struct {
	conn *database.Connection
}

// NewApplier returns an Applier that queries through conn, so relation
// fetches join whatever transaction conn has open.
func NewApplier(conn *database.Connection) *Applier {
	return &Applier{conn: conn}
}

// Apply resolves the named relations, which may be dotted paths such as
// "posts.tags", on parents loaded from src.
func (a *Applier) Apply(ctx context.Context, src Source, parents []Entity, names ...string) error {
	order, nested := groupRelations(names)
	for _, name := range order {
		rel, err := src.relation(name)
		if err != nil {
			return err
		}
		children, err := a.resolve(ctx, name, rel, parents)
		if err != nil {
			return fmt.Errorf("failed to load relation %s.%s: %w", src.Table(), name, err)
		}
		if rest := nested[name]; len(rest) > 0 {
			if err := a.Apply(ctx, rel.Target, children, rest...); err != nil {
				return err
			}
		}
	}
	return nil
}

// groupRelations splits names on their first segment, keeping first-seen
// order, and gathers the remainders under it.
func groupRelations(names []string) ([]string, map[string][]string) {
	var order []string
	nested := make(map[string][]string)
	seen := make(map[string]bool)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		head, rest, _ := strings.Cut(name, ".")
		if !seen[head] {
			seen[head] = true
			order = append(order, head)
		}
		if rest != "" {
			nested[head] = append(nested[head], rest)
		}
	}
	return order, nested
}

// resolve runs the single fetch for rel, assigns the slots named name on
// parents and returns the distinct fetched children.
func (a *Applier) resolve(ctx context.Context, name string, rel Relation, parents []Entity) ([]Entity, error) {
	if len(parents) == 0 {
		return nil, nil
	}

	var values []interface{}
	seen := make(map[string]bool)
	for _, p := range parents {
		v, ok := rel.LocalKey.Extract(p.base().attributes)
		if !ok {
			continue
		}
		k, ok := keyOf(v)
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		values = append(values, v)
	}

	var (
		children []Entity
		groups   map[string][]Entity
		err      error
	)
	if len(values) > 0 {
		if rel.Kind == KindBelongsToMany {
			children, groups, err = a.fetchThrough(ctx, rel, values)
		} else {
			children, groups, err = a.fetchDirect(ctx, rel, values)
		}
		if err != nil {
			return nil, err
		}
	}

	for _, p := range parents {
		var matches []Entity
		if v, ok := rel.LocalKey.Extract(p.base().attributes); ok {
			if k, ok := keyOf(v); ok {
				matches = groups[k]
			}
		}
		if rel.Kind.ToMany() {
			p.base().setMany(name, append([]Entity(nil), matches...))
			continue
		}
		var one Entity
		if len(matches) > 0 {
			one = matches[0]
		}
		p.base().setOne(name, one)
	}
	return children, nil
}

func (a *Applier) fetchDirect(ctx context.Context, rel Relation, values []interface{}) ([]Entity, map[string][]Entity, error) {
	target := rel.Target
	table := target.Table()
	frag, args, textual := rel.ForeignKey.expr(a.conn.Dialect(), table)

	q := target.selectQuery(a.conn, false)
	q = q.Where(frag+" IN (?)", append(args, bun.In(sqlKeys(values, textual)))...)
	q = a.finish(q, rel)

	rows, err := a.conn.FetchQuery(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	children, err := target.hydrate(rows)
	if err != nil {
		return nil, nil, err
	}

	groups := make(map[string][]Entity)
	for _, child := range children {
		v, ok := rel.ForeignKey.Extract(child.base().attributes)
		if !ok {
			continue
		}
		if k, ok := keyOf(v); ok {
			groups[k] = append(groups[k], child)
		}
	}
	return children, groups, nil
}

// fetchThrough joins the pivot table onto the target in one query. A target
// row reached through several pivot rows becomes one shared entity.
func (a *Applier) fetchThrough(ctx context.Context, rel Relation, values []interface{}) ([]Entity, map[string][]Entity, error) {
	th := rel.Through
	if th == nil {
		return nil, nil, fmt.Errorf("belongs-to-many relation on %s has no pivot table", rel.Target.Table())
	}
	target := rel.Target
	table := target.Table()
	frag, args, _ := rel.ForeignKey.expr(a.conn.Dialect(), table)

	q := target.selectQuery(a.conn, true).
		ColumnExpr("? AS ?", bun.Ident(th.Table+"."+th.LocalPivotKey), bun.Ident(pivotKey))
	q = q.Join("JOIN ? ON ? = "+frag,
		append([]interface{}{bun.Ident(th.Table), bun.Ident(th.Table + "." + th.ForeignPivotKey)}, args...)...)
	q = q.Where("? IN (?)", bun.Ident(th.Table+"."+th.LocalPivotKey), bun.In(sqlKeys(values, false)))
	q = a.finish(q, rel)

	rows, err := a.conn.FetchQuery(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	pk := target.PrimaryKey()
	pivots := make([]string, len(rows))
	ids := make([]string, len(rows))
	var distinct []database.Row
	index := make(map[string]int)
	for i, row := range rows {
		pivots[i], _ = keyOf(row[pivotKey])
		delete(row, pivotKey)
		id, ok := keyOf(row[pk])
		if !ok {
			id = fmt.Sprintf("#%d", i)
		}
		ids[i] = id
		if _, dup := index[id]; !dup {
			index[id] = len(distinct)
			distinct = append(distinct, row)
		}
	}

	children, err := target.hydrate(distinct)
	if err != nil {
		return nil, nil, err
	}
	groups := make(map[string][]Entity)
	for i := range rows {
		groups[pivots[i]] = append(groups[pivots[i]], children[index[ids[i]]])
	}
	return children, groups, nil
}

// finish applies the relation filter, then orders by the target's primary
// key so ties resolve the same way on every dialect.
func (a *Applier) finish(q *bun.SelectQuery, rel Relation) *bun.SelectQuery {
	if rel.Filter != nil {
		q = rel.Filter(q)
	}
	return q.OrderExpr("? ASC", bun.Ident(rel.Target.Table()+"."+rel.Target.PrimaryKey()))
}

func sqlKeys(values []interface{}, textual bool) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = sqlKey(v, textual)
	}
	return out
}
