// Package session drives one conversation view: it loads the conversation,
// keeps the reconciled timeline current from the remote sync sources and
// executes the user's send, close, retry and dismiss commands.
//
// # States
//
//	LOADING -> READY(OPEN) -> READY(CLOSED)
//	LOADING -> ERROR
//
// ERROR is terminal: Run returns the LoadFailure and releases everything it
// acquired. A closed conversation rejects Send and Retry locally without
// contacting the backend. Only one Close reaches the backend at a time; a
// second Close while the first is pending returns ErrCloseInProgress. Once
// the backend acknowledges a close it is applied locally even if the caller
// has given up waiting.
//
// # Concurrency
//
// Run owns an event loop. User commands, network completions and source
// updates are all funneled through it as closures, so the outbox and the
// reconciliation engine are only touched from one goroutine. Network calls
// run on their own goroutines and post their results back. When Run returns,
// sources are unsubscribed, timers are stopped and completions still in
// flight are dropped.
//
// # Errors
//
// Backend errors never leave the package unconverted. They surface as
// *Error values whose Kind is LoadFailure, SendFailure, CloseFailure or
// TransportDisconnect. Only LoadFailure ends the session.
//
// # Retries
//
// A FAILED entry stays in the timeline until dismissed. Retry resends it
// under the same id, and with Config.AutoRetry the session does so itself
// after Config.RetryDelay until Config.MaxAttempts is reached. A 409 from
// the backend means the id is already stored and counts as delivered.
package session
