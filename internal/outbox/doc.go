// Package outbox tracks messages the local user submitted optimistically and
// that have not yet been confirmed by an authoritative source.
//
// Submit returns the PENDING entry synchronously so it can be rendered before
// the network call completes. An entry leaves the outbox when the
// reconciliation engine sees the same id arrive from the server (Resolve) or
// when the user dismisses it (Remove). Fail flips it to FAILED in place and
// Requeue flips it back to PENDING for a retry under the same id.
//
// An Outbox is owned by a single session event loop and is not safe for
// concurrent use.
package outbox
