// Package repository provides typed repositories over single tables with
// declarative relations that are loaded in batches, one query per relation
// path segment, plus accessor/mutator transforms and a read-through cache.
package repository
