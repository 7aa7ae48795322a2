// Package store persists unsent message drafts using SQLite.
//
// A draft is a FAILED outbox entry. Sessions write one whenever a send fails
// and delete it when the message is confirmed, retried or dismissed, so a
// failed message survives a restart and is restored as FAILED the next time
// the same conversation is opened.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, schema created on open
//   - MockStore: in-memory, for tests
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
//
// # Error Handling
//
// GetDraft returns ErrNotFound for a missing id. DeleteDraft of a missing id
// succeeds. All methods accept context.Context for cancellation support.
package store
