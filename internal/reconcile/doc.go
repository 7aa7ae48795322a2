// Package reconcile merges optimistic and authoritative message sets into the
// single ordered, deduplicated timeline a conversation view renders.
//
// # Inputs
//
// The Engine reads the pending outbox on every Timeline call and accumulates
// authoritative messages from two kinds of input:
//
//   - ApplySnapshot: a full conversation fetch, tagged with a fetch sequence
//     number. Snapshots older than the last applied one are discarded.
//   - ApplyDelta: a single pushed message arrival.
//
// Both inputs are at-least-once. Authoritative messages are keyed by id, so
// repeated delivery never duplicates a timeline entry.
//
// # Merge Rule
//
// Authoritative wins by identity. When an id is present both in the outbox
// and in the authoritative set, the outbox entry is resolved as a side effect
// of merging; this is the PENDING -> CONFIRMED transition.
//
// # Ordering
//
// The output is a pure function of current state: timestamp ascending, ties
// broken by insertion sequence (see message.Compare). Arrival order of the
// inputs never leaks into the output beyond that tie-break.
//
// Confirmed messages are immutable and are only dropped by Reset (a full
// conversation reload). An Engine is owned by one session event loop and is
// not safe for concurrent use.
package reconcile
