// Package message defines the conversation data model shared by every
// synchronization component: Message identity, delivery status, ordering and
// ownership rules. It performs no I/O.
//
// # Identity
//
// A Message id is generated by the submitting client and reused by the server
// as the canonical id, so a pending entry and its authoritative arrival share
// the same ID. One ID always denotes one logical message.
//
// # Ordering
//
// Timelines are ordered by Timestamp ascending. Ties are broken by the
// insertion sequence assigned by whoever owns the message set (arrival order
// for authoritative messages, submission order for pending ones):
//
//	message.SortEntries(entries)
//
// # Ownership
//
// Owner decides whether a message belongs to the current user. Author-id
// equality is used when both sides are known; direction is the fallback for
// single-agent deployments that never populate AuthorID.
package message
