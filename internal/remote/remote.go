// ABOUTME: Shared Update type, Source contract and fetch sequence numbering
// ABOUTME: Used by both delivery strategies and the session that consumes them

package remote

import (
	"context"
	"sync/atomic"

	"github.com/2389/convosync/internal/message"
)

// Kind tags the payload of an Update.
type Kind int

const (
	// KindSnapshot carries a full conversation in Update.Snapshot.
	KindSnapshot Kind = iota
	// KindMessage carries one arrival in Update.Message.
	KindMessage
	// KindError reports a failed poll; the source keeps running.
	KindError
	// KindDisconnected reports that the push connection is gone.
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Update is one result handed to a sink.
type Update struct {
	Kind     Kind
	Seq      uint64 // fetch sequence, KindSnapshot and KindError only
	Snapshot message.Conversation
	Message  message.Message
	Err      error
}

// Source delivers updates until ctx is canceled. Run returns nil on
// cancellation and an error when the source stops for another reason.
type Source interface {
	Run(ctx context.Context, sink func(Update)) error
}

// Fetcher is the snapshot half of the conversation repository.
type Fetcher interface {
	FetchConversation(ctx context.Context, id string) (message.Conversation, error)
}

// Sequence hands out increasing fetch numbers. One Sequence is shared by
// every fetch of a session so snapshots can be ordered by issue time.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next number, starting at 1.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}
