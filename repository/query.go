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
	"github.com/tomoncle/backbone/types"
	"github.com/uptrace/bun"
)

type clause struct {
	expr  string
	args  []interface{}
	order bool
}

// Query describes the filters, ordering and window of a read. It has value
// semantics: every method returns a new Query and leaves the receiver
// untouched, so one base query can feed both a page fetch and its count.
type Query struct {
	wheres      []clause
	orders      []clause
	limit       int
	offset      int
	withTrashed bool
}

func NewQuery() Query { return Query{} }

// Where adds a bun WHERE fragment, e.g. Where("? > ?", bun.Ident("age"), 18).
func (q Query) Where(expr string, args ...interface{}) Query {
	q.wheres = appendClause(q.wheres, clause{expr: expr, args: args})
	return q
}

func (q Query) WhereEq(column string, value interface{}) Query {
	return q.Where("? = ?", bun.Ident(column), value)
}

func (q Query) WhereIn(column string, values ...interface{}) Query {
	return q.Where("? IN (?)", bun.Ident(column), bun.In(values))
}

// Filter adds a types.QueryFilter. A nil filter is ignored.
func (q Query) Filter(f *types.QueryFilter) Query {
	if f == nil || f.Schema == "" {
		return q
	}
	return q.Where(f.Schema, f.Args...)
}

// OrderBy adds "column [ASC|DESC]" orderings.
func (q Query) OrderBy(orders ...string) Query {
	for _, o := range orders {
		q.orders = appendClause(q.orders, clause{expr: o, order: true})
	}
	return q
}

// OrderExpr adds a raw ORDER BY expression.
func (q Query) OrderExpr(expr string, args ...interface{}) Query {
	q.orders = appendClause(q.orders, clause{expr: expr, args: args})
	return q
}

func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

func (q Query) Offset(n int) Query {
	q.offset = n
	return q
}

// WithTrashed includes soft-deleted rows.
func (q Query) WithTrashed() Query {
	q.withTrashed = true
	return q
}

// ForCount strips ordering and the window, keeping the filters.
func (q Query) ForCount() Query {
	q.orders = nil
	q.limit = 0
	q.offset = 0
	return q
}

// Clone returns an independent copy.
func (q Query) Clone() Query {
	q.wheres = append([]clause(nil), q.wheres...)
	q.orders = append([]clause(nil), q.orders...)
	return q
}

func (q Query) apply(sel *bun.SelectQuery) *bun.SelectQuery {
	for _, w := range q.wheres {
		sel = sel.Where(w.expr, w.args...)
	}
	for _, o := range q.orders {
		if o.order {
			sel = sel.Order(o.expr)
		} else {
			sel = sel.OrderExpr(o.expr, o.args...)
		}
	}
	if q.limit > 0 {
		sel = sel.Limit(q.limit)
	}
	if q.offset > 0 {
		sel = sel.Offset(q.offset)
	}
	return sel
}

// appendClause never writes into a backing array another Query may share.
func appendClause(cs []clause, c clause) []clause {
	return append(cs[:len(cs):len(cs)], c)
}
