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

	"github.com/tomoncle/backbone/database"
	"github.com/tomoncle/backbone/types"
	"github.com/uptrace/bun"
)

// Source is the untyped view of a repository that relations point at.
// Every *Repository[E] is a Source.
type Source interface {
	Table() string
	PrimaryKey() string

	relation(name string) (Relation, error)
	selectQuery(conn *database.Connection, qualified bool) *bun.SelectQuery
	hydrate(rows []database.Row) ([]Entity, error)
}

// Reader groups the read operations of a repository.
type Reader[E Entity] interface {
	Find(ctx context.Context, id interface{}, relations ...string) (E, error)
	Get(ctx context.Context, q Query, relations ...string) ([]E, error)
	First(ctx context.Context, q Query, relations ...string) (E, error)
	Count(ctx context.Context, q Query) (int, error)
	Paginate(ctx context.Context, q Query, page *types.PageRequest, relations ...string) (*types.Pagination[E], error)
	Load(ctx context.Context, entities []E, relations ...string) error
}

// Writer groups the write operations of a repository. Each runs inside a
// transaction scope on the repository's connection.
type Writer[E Entity] interface {
	Create(ctx context.Context, attrs map[string]interface{}) (E, error)
	Update(ctx context.Context, id interface{}, attrs map[string]interface{}) (E, error)
	Delete(ctx context.Context, id interface{}) error
	FirstOrCreate(ctx context.Context, search, values map[string]interface{}) (E, error)
	Upsert(ctx context.Context, attrs map[string]interface{}, conflict []string, update ...string) (E, error)
}

// CrudRepository is the full typed surface.
type CrudRepository[E Entity] interface {
	Source
	Reader[E]
	Writer[E]
}
