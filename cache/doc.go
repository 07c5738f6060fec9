// Package cache holds the key-value stores used to cache base rows by
// table and primary key, and the msgpack codec for those rows.
package cache
