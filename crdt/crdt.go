// Package crdt provides conflict-free replicated value types for fields
// written concurrently by independent nodes: grow-only and
// positive/negative counters, last-writer-wins registers, and
// observed-remove sets.
//
// Every merge is deterministic, commutative, associative, and idempotent,
// so values can be merged in any order and any number of times without a
// central lock. Merge functions never mutate their inputs; they return a
// fresh value.
package crdt
