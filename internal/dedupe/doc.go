// Package dedupe filters repeated deliveries of the same message id within a
// bounded time window.
//
// The push transport is at-least-once: reconnects and server retries can
// replay frames. A Window lets the transport drop those replays before they
// reach the reconciliation engine. It is an optimization only; the engine
// still deduplicates by id, so an evicted or expired id that is delivered
// again is harmless.
package dedupe
