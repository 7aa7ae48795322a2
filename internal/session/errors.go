// ABOUTME: Error taxonomy surfaced by a conversation session
// ABOUTME: Network failures are converted to typed Errors before leaving the session

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyContent is returned by Send for blank content.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrConversationClosed is returned by Send, Retry and Close on a closed conversation.
	ErrConversationClosed = errors.New("conversation is closed")
	// ErrNotReady is returned for commands issued before the initial load completed
	// or after it failed.
	ErrNotReady = errors.New("session is not ready")
	// ErrUnknownMessage is returned by Retry and Dismiss for ids not in the outbox.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotFailed is returned by Retry and Dismiss for entries that have not failed.
	ErrNotFailed = errors.New("message has not failed")
	// ErrCloseInProgress is returned by Close while an earlier Close is still
	// waiting on the backend.
	ErrCloseInProgress = errors.New("close already in progress")
	// ErrStopped is returned for commands issued after the session was torn down.
	ErrStopped = errors.New("session stopped")
)

// Kind classifies a session failure.
type Kind string

const (
	// LoadFailure means the initial fetch failed. It ends the session.
	LoadFailure Kind = "load_failure"
	// SendFailure means a message could not be delivered. The entry is FAILED
	// and can be retried or dismissed.
	SendFailure Kind = "send_failure"
	// CloseFailure means the close command failed. The status is unchanged.
	CloseFailure Kind = "close_failure"
	// TransportDisconnect means the push channel dropped. Polling, when
	// enabled, keeps the timeline current.
	TransportDisconnect Kind = "transport_disconnect"
)

// Error is a failure reported by a session.
type Error struct {
	Kind      Kind
	MessageID string // set for SendFailure
	Err       error
}

func (e *Error) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s (message %s): %v", e.Kind, e.MessageID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the session keeps running after e.
func (e *Error) Recoverable() bool {
	return e.Kind != LoadFailure
}

// IsKind reports whether err is a session Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
