// ABOUTME: Store interface and Draft type for failed-message persistence
// ABOUTME: Drafts let FAILED outbox entries survive a restart of the client

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/convosync/internal/message"
)

// ErrNotFound is returned when a requested draft does not exist
var ErrNotFound = errors.New("not found")

// Draft is an unsent message kept until the user retries or dismisses it.
type Draft struct {
	Message   message.Message
	Attempts  int    // send attempts made so far
	LastError string // error text of the last failed attempt
	UpdatedAt time.Time
}

// Store persists drafts per conversation.
type Store interface {
	// SaveDraft inserts or replaces the draft with the same message id.
	SaveDraft(ctx context.Context, d Draft) error

	// GetDraft returns the draft for a message id or ErrNotFound.
	GetDraft(ctx context.Context, id string) (*Draft, error)

	// DeleteDraft removes a draft. Deleting a missing draft is not an error.
	DeleteDraft(ctx context.Context, id string) error

	// ListDrafts returns the drafts of a conversation, oldest message first.
	ListDrafts(ctx context.Context, conversationID string) ([]*Draft, error)

	Close() error
}
