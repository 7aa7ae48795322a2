// Package remote implements the two interchangeable delivery strategies of
// authoritative conversation state.
//
// A Source runs until its context is canceled and hands every result to a
// sink callback as an Update. Both strategies are at-least-once: the same
// message id may be delivered more than once and consumers must tolerate it.
//
//   - Poller fetches the full conversation on a fixed interval and emits
//     snapshots tagged with a Sequence number so late completions can be
//     recognized as stale. A failed fetch is reported and the next tick still
//     runs.
//   - Pusher holds a websocket keyed by conversation id and emits single
//     message arrivals. A lost connection is reported once and not retried.
//
// Sinks are called from the Source goroutine.
package remote
