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
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// Row is one result row keyed by column name.
type Row = map[string]interface{}

var (
	wildcardStatement = regexp.MustCompile(`(?is)^\s*(DELETE\s+FROM|UPDATE)\s`)
	whereClause       = regexp.MustCompile(`(?i)\bWHERE\b`)
)

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithTransactionsDisabled turns BeginTransaction, CommitTransaction and
// RollbackTransaction into no-ops.
func WithTransactionsDisabled() ConnectionOption {
	return func(c *Connection) { c.transactionsEnabled = false }
}

// WithWildcardQueries starts the connection with the wildcard guard off.
func WithWildcardQueries() ConnectionOption {
	return func(c *Connection) { c.allowWildcard = true }
}

// WithTracing starts the connection with execution tracing on.
func WithTracing() ConnectionOption {
	return func(c *Connection) { c.tracing = true }
}

// WithConnectionLogger sets the logger used for transaction events.
func WithConnectionLogger(logger Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// TxStats counts physical transaction operations the driver completed.
// A failed COMMIT or ROLLBACK is counted in Failures only.
type TxStats struct {
	Begins    int
	Commits   int
	Rollbacks int
	Failures  int
}

// Connection is one logical session over a shared bun pool. It executes
// statements and keeps the re-entrant transaction state: a depth counter
// and the active bun.Tx. The physical transaction begins when depth goes
// from 0 to 1 and ends when it returns to 0.
//
// A Connection is not safe for concurrent use. Hand out one per request.
type Connection struct {
	id     string
	db     *bun.DB
	logger Logger

	transactionsEnabled bool
	allowWildcard       bool
	tracing             bool

	depth       int
	tx          *bun.Tx
	stats       TxStats
	afterCommit []func()
	history     []QueryProfile
}

// NewConnection creates a Connection over db.
func NewConnection(db *bun.DB, opts ...ConnectionOption) *Connection {
	c := &Connection{
		id:                  uuid.NewString(),
		db:                  db,
		logger:              NopLogger(),
		transactionsEnabled: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) ID() string { return c.id }

// DB returns the shared pool. Statements sent straight to it bypass the
// active transaction.
func (c *Connection) DB() *bun.DB { return c.db }

// IDB returns the active transaction, or the pool when there is none.
func (c *Connection) IDB() bun.IDB {
	if c.tx != nil {
		return *c.tx
	}
	return c.db
}

func (c *Connection) Dialect() schema.Dialect { return c.db.Dialect() }

// Execute runs a statement that returns no rows. Bindings use bun's "?"
// placeholders.
func (c *Connection) Execute(ctx context.Context, statement string, bindings ...interface{}) (sql.Result, error) {
	if err := c.guard(statement); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := c.IDB().ExecContext(ctx, statement, bindings...)
	c.record(start, statement, bindings)
	if err != nil {
		return nil, wrapQueryError(err, statement, bindings)
	}
	return res, nil
}

// Fetch runs a statement and returns every row it produces.
func (c *Connection) Fetch(ctx context.Context, statement string, bindings ...interface{}) ([]Row, error) {
	if err := c.guard(statement); err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := c.IDB().QueryContext(ctx, statement, bindings...)
	if err != nil {
		c.record(start, statement, bindings)
		return nil, wrapQueryError(err, statement, bindings)
	}
	defer rows.Close()

	out := make([]Row, 0)
	err = c.db.ScanRows(ctx, rows, &out)
	c.record(start, statement, bindings)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapQueryError(err, statement, bindings)
	}
	return out, nil
}

// ExecQuery renders a bun query builder and executes it.
func (c *Connection) ExecQuery(ctx context.Context, q fmt.Stringer) (sql.Result, error) {
	statement, err := c.Render(q)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, statement)
}

// FetchQuery renders a bun query builder and fetches its rows.
func (c *Connection) FetchQuery(ctx context.Context, q fmt.Stringer) ([]Row, error) {
	statement, err := c.Render(q)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, statement)
}

// Render turns a bun query builder into SQL text. Builders created from
// DB() render with the pool's dialect. bun panics on builders it cannot
// render; Render reports those as errors.
func (c *Connection) Render(q fmt.Stringer) (statement string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("database: cannot render query: %v", r)
		}
	}()
	return q.String(), nil
}

// QuoteIdent quotes a table or column name for the pool's dialect.
func (c *Connection) QuoteIdent(name string) string {
	q := string(c.db.Dialect().IdentQuote())
	return q + strings.ReplaceAll(name, q, q+q) + q
}

func (c *Connection) guard(statement string) error {
	if c.allowWildcard || !IsWildcardQuery(statement) {
		return nil
	}
	return &UnsafeWildcardError{Statement: statement}
}

// IsWildcardQuery reports whether statement is a DELETE or UPDATE with no
// WHERE clause.
func IsWildcardQuery(statement string) bool {
	return wildcardStatement.MatchString(statement) && !whereClause.MatchString(statement)
}

func (c *Connection) AllowWildcardQueries() { c.allowWildcard = true }

func (c *Connection) DenyWildcardQueries() { c.allowWildcard = false }

func (c *Connection) WildcardQueriesAllowed() bool { return c.allowWildcard }

// TxOption adjusts the options of a physical transaction.
type TxOption func(*sql.TxOptions)

// WithIsolation sets the isolation level of the physical transaction.
func WithIsolation(level sql.IsolationLevel) TxOption {
	return func(o *sql.TxOptions) { o.Isolation = level }
}

// Serializable is WithIsolation(sql.LevelSerializable).
func Serializable() TxOption { return WithIsolation(sql.LevelSerializable) }

// ReadOnly marks the physical transaction read-only.
func ReadOnly() TxOption {
	return func(o *sql.TxOptions) { o.ReadOnly = true }
}

// BeginTransaction enters a transaction level. Only the outermost level
// starts a physical transaction; opts are ignored for nested levels.
func (c *Connection) BeginTransaction(ctx context.Context, opts ...TxOption) error {
	if !c.transactionsEnabled {
		return nil
	}
	c.depth++
	if c.depth > 1 {
		return nil
	}

	txOpts := &sql.TxOptions{}
	for _, opt := range opts {
		opt(txOpts)
	}
	tx, err := c.db.BeginTx(ctx, txOpts)
	if err != nil {
		c.depth--
		return wrapQueryError(err, "BEGIN", nil)
	}
	c.tx = &tx
	c.stats.Begins++
	c.logger.Debug("transaction started", "connection", c.id, "isolation", txOpts.Isolation.String())
	return nil
}

// CommitTransaction leaves a transaction level, committing when it was the
// outermost one.
func (c *Connection) CommitTransaction() error {
	tx, done, err := c.leave()
	if err != nil || !done {
		return err
	}
	hooks := c.afterCommit
	c.afterCommit = nil
	if err := tx.Commit(); err != nil {
		c.stats.Failures++
		return wrapQueryError(err, "COMMIT", nil)
	}
	c.stats.Commits++
	c.logger.Debug("transaction committed", "connection", c.id)
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// RollbackTransaction leaves a transaction level, rolling back when it was
// the outermost one. Nested levels only decrement the depth; the outermost
// level decides what is physically applied.
func (c *Connection) RollbackTransaction() error {
	tx, done, err := c.leave()
	if err != nil || !done {
		return err
	}
	c.afterCommit = nil
	// database/sql already rolled back a transaction whose context ended.
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		c.stats.Failures++
		return wrapQueryError(err, "ROLLBACK", nil)
	}
	c.stats.Rollbacks++
	c.logger.Debug("transaction rolled back", "connection", c.id)
	return nil
}

func (c *Connection) leave() (*bun.Tx, bool, error) {
	if !c.transactionsEnabled {
		return nil, false, nil
	}
	if c.depth == 0 {
		return nil, false, ErrNoTransaction
	}
	c.depth--
	if c.depth > 0 {
		return nil, false, nil
	}
	tx := c.tx
	c.tx = nil
	return tx, tx != nil, nil
}

// AfterCommit runs fn once the open physical transaction commits, or right
// away when none is open. Callbacks queued before a rollback are dropped.
func (c *Connection) AfterCommit(fn func()) {
	if c.tx == nil {
		fn()
		return
	}
	c.afterCommit = append(c.afterCommit, fn)
}

// InTransaction reports whether a physical transaction is open.
func (c *Connection) InTransaction() bool { return c.tx != nil }

func (c *Connection) TransactionDepth() int { return c.depth }

func (c *Connection) TransactionsEnabled() bool { return c.transactionsEnabled }

// TransactionStats returns the physical begin/commit/rollback counters.
func (c *Connection) TransactionStats() TxStats { return c.stats }

// Release rolls back whatever transaction is still open, regardless of
// depth. Call it when a request is done with the connection.
func (c *Connection) Release() error {
	if c.tx == nil {
		c.depth = 0
		return nil
	}
	c.logger.Warn("releasing connection with open transaction", "connection", c.id, "depth", c.depth)
	c.depth = 1
	return c.RollbackTransaction()
}
