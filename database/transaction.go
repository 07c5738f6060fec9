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
)

type connectionKey struct{}

// WithConnection returns a context carrying conn. Repositories use the
// carried connection in preference to their own.
func WithConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey{}, conn)
}

// ConnectionFromContext returns the connection carried by ctx, if any.
func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	conn, ok := ctx.Value(connectionKey{}).(*Connection)
	return conn, ok && conn != nil
}

// TransactionScope pairs one BeginTransaction with exactly one
// CommitTransaction or RollbackTransaction.
//
//	scope := conn.Scope()
//	if err := scope.Enter(ctx); err != nil {
//		return err
//	}
//	defer scope.Exit(&err)
type TransactionScope struct {
	conn    *Connection
	opts    []TxOption
	entered bool
	exited  bool
}

// Scope returns a TransactionScope on c. opts apply only if the scope ends
// up starting the physical transaction.
func (c *Connection) Scope(opts ...TxOption) *TransactionScope {
	return &TransactionScope{conn: c, opts: opts}
}

func (s *TransactionScope) Enter(ctx context.Context) error {
	if s.entered {
		return nil
	}
	if err := s.conn.BeginTransaction(ctx, s.opts...); err != nil {
		return err
	}
	s.entered = true
	return nil
}

// Exit commits when *errp is nil and rolls back otherwise. It must be
// deferred directly so it can observe panics: a panic rolls back and is
// re-raised. The error that caused a rollback is never replaced; a failed
// commit is reported through errp.
func (s *TransactionScope) Exit(errp *error) {
	if !s.entered || s.exited {
		return
	}
	s.exited = true

	if r := recover(); r != nil {
		if err := s.conn.RollbackTransaction(); err != nil {
			s.conn.logger.Error("rollback after panic failed", "connection", s.conn.id, "error", err)
		}
		panic(r)
	}

	if errp != nil && *errp != nil {
		if err := s.conn.RollbackTransaction(); err != nil {
			s.conn.logger.Error("rollback failed", "connection", s.conn.id, "error", err, "cause", *errp)
		}
		return
	}

	if err := s.conn.CommitTransaction(); err != nil {
		if errp != nil {
			*errp = err
			return
		}
		s.conn.logger.Error("commit failed", "connection", s.conn.id, "error", err)
	}
}

// Transaction runs fn inside a transaction scope. fn receives a context
// carrying c, so repository calls made with it join the transaction.
func (c *Connection) Transaction(ctx context.Context, fn func(ctx context.Context) error, opts ...TxOption) (err error) {
	scope := c.Scope(opts...)
	if err = scope.Enter(ctx); err != nil {
		return err
	}
	defer scope.Exit(&err)
	return fn(WithConnection(ctx, c))
}
