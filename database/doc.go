// Package database manages the bun connection pool and provides Connection,
// the statement executor with re-entrant transactions, the wildcard-query
// guard, execution tracing and the error taxonomy shared by the repository
// layer.
package database
