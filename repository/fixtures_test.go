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
	"strconv"
	"testing"
	"time"

	"github.com/tomoncle/backbone/database"
	"github.com/tomoncle/backbone/internal/testsupport"
	"github.com/tomoncle/backbone/repository"
	"github.com/uptrace/bun"
)

type Author struct {
	repository.Model
	ID        int64                  `db:"id"`
	Name      string                 `db:"name"`
	Metadata  map[string]interface{} `db:"metadata"`
	CreatedAt time.Time              `db:"created_at"`
	UpdatedAt time.Time              `db:"updated_at"`
}

func (a *Author) Posts() []*Post { return repository.Many[*Post](a, "posts") }

type Post struct {
	repository.Model
	ID        int64      `db:"id"`
	Title     string     `db:"title"`
	AuthorID  int64      `db:"author_id"`
	IsActive  bool       `db:"is_active"`
	DeletedAt *time.Time `db:"deleted_at"`
}

func (p *Post) Tags() []*Tag { return repository.Many[*Tag](p, "tags") }

type Tag struct {
	repository.Model
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

type Comment struct {
	repository.Model
	ID     int64  `db:"id"`
	Body   string `db:"body"`
	PostID int64  `db:"post_id"`
	Meta   string `db:"meta"`
}

var schema = database.SQLMigration("fixtures", 1,
	[]string{
		`CREATE TABLE authors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			author_id INTEGER,
			is_active INTEGER NOT NULL DEFAULT 1,
			deleted_at TIMESTAMP NULL
		)`,
		`CREATE TABLE tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE post_tag (
			post_id INTEGER NOT NULL,
			tag_id INTEGER NOT NULL
		)`,
		`CREATE TABLE comments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			body TEXT NOT NULL,
			post_id INTEGER,
			meta TEXT
		)`,
	},
	[]string{
		`DROP TABLE comments`,
		`DROP TABLE post_tag`,
		`DROP TABLE tags`,
		`DROP TABLE posts`,
		`DROP TABLE authors`,
	},
)

type fixture struct {
	ctx      context.Context
	conn     *database.Connection
	authors  *repository.Repository[*Author]
	posts    *repository.Repository[*Post]
	tags     *repository.Repository[*Tag]
	comments *repository.Repository[*Comment]
}

func newFixture(t *testing.T, authorOpts ...repository.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	conn := database.NewConnection(testsupport.OpenSQLite(t))
	if err := database.NewMigrator(database.NewMigrationRegistry(schema), nil).Up(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{ctx: ctx, conn: conn}
	f.authors = repository.New(conn, repository.Definition[*Author]{
		Table:      "authors",
		Accessors:  repository.Transforms{"metadata": {repository.JSONDecode}},
		Mutators:   repository.Transforms{"metadata": {repository.JSONEncode}, "name": {repository.TrimSpace}},
		Timestamps: true,
		Cacheable:  true,
	}, authorOpts...)
	f.posts = repository.New(conn, repository.Definition[*Post]{
		Table:       "posts",
		SoftDeletes: true,
	})
	f.tags = repository.New(conn, repository.Definition[*Tag]{Table: "tags"})
	f.comments = repository.New(conn, repository.Definition[*Comment]{Table: "comments"})

	f.authors.
		Relate("posts", func() repository.Relation {
			return repository.HasMany(f.posts, "id", "author_id")
		}).
		Relate("active_posts", func() repository.Relation {
			return repository.HasMany(f.posts, "id", "author_id").Where(func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("? = 1", bun.Ident("posts.is_active"))
			})
		}).
		Relate("pinned_post", func() repository.Relation {
			return repository.BelongsTo(f.posts, "metadata.nested.pinned_post_id", "id")
		})
	f.posts.
		Relate("author", func() repository.Relation {
			return repository.BelongsTo(f.authors, "author_id", "id")
		}).
		Relate("tags", func() repository.Relation {
			return repository.BelongsToMany(f.tags,
				repository.Through{Table: "post_tag", LocalPivotKey: "post_id", ForeignPivotKey: "tag_id"}, "id", "id")
		}).
		Relate("first_comment", func() repository.Relation {
			return repository.HasOne(f.comments, "id", "post_id")
		}).
		Relate("mentions", func() repository.Relation {
			return repository.HasMany(f.comments, "id", "meta.ref.post_id")
		})
	f.tags.Relate("posts", func() repository.Relation {
		return repository.BelongsToMany(f.posts,
			repository.Through{Table: "post_tag", LocalPivotKey: "tag_id", ForeignPivotKey: "post_id"}, "id", "id")
	})
	return f
}

func (f *fixture) author(t *testing.T, name string, metadata map[string]interface{}) *Author {
	t.Helper()
	a, err := f.authors.Create(f.ctx, map[string]interface{}{"name": name, "metadata": metadata})
	if err != nil {
		t.Fatalf("create author %s: %v", name, err)
	}
	return a
}

func (f *fixture) post(t *testing.T, author *Author, title string, active bool) *Post {
	t.Helper()
	p, err := f.posts.Create(f.ctx, map[string]interface{}{"title": title, "author_id": author.ID, "is_active": active})
	if err != nil {
		t.Fatalf("create post %s: %v", title, err)
	}
	return p
}

func (f *fixture) tag(t *testing.T, name string, posts ...*Post) *Tag {
	t.Helper()
	tag, err := f.tags.Create(f.ctx, map[string]interface{}{"name": name})
	if err != nil {
		t.Fatalf("create tag %s: %v", name, err)
	}
	for _, p := range posts {
		if _, err := f.conn.Execute(f.ctx, "INSERT INTO post_tag (post_id, tag_id) VALUES (?, ?)", p.ID, tag.ID); err != nil {
			t.Fatalf("attach tag: %v", err)
		}
	}
	return tag
}

// queries runs fn with tracing on and returns the statements it issued.
func (f *fixture) queries(fn func()) []database.QueryProfile {
	f.conn.ResetHistory()
	f.conn.EnableTracing()
	defer f.conn.DisableTracing()
	fn()
	return f.conn.History()
}

func ids[E repository.Entity](entities []E, id func(E) int64) []int64 {
	out := make([]int64, len(entities))
	for i, e := range entities {
		out[i] = id(e)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
