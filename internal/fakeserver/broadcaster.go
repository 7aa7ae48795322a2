// ABOUTME: In-memory fan-out of stored messages to push subscribers
// ABOUTME: Subscribers register per conversation id and receive messages as they are stored

package fakeserver

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/convosync/internal/message"
)

// subscriberBufferSize is the channel buffer for each push subscriber.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub of stored messages keyed by
// conversation id.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan message.Message // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan message.Message),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for messages of a conversation. The channel is closed
// when ctx is canceled, on Unsubscribe or on Close.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan message.Message, string) {
	subID := uuid.NewString()
	ch := make(chan message.Message, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan message.Message)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish offers m to every subscriber of conversationID. Subscribers whose
// buffer is full miss the message; they recover it from the next fetch.
func (b *Broadcaster) Publish(conversationID string, m message.Message) {
	// Sends are non-blocking, so they happen under the read lock and never
	// race a close in Unsubscribe.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[conversationID] {
		select {
		case ch <- m:
		default:
			b.logger.Debug("dropped message for slow subscriber",
				"conversation_id", conversationID,
				"sub_id", subID,
				"message_id", m.ID)
		}
	}
}

// Subscribers returns the number of live subscriptions for conversationID.
func (b *Broadcaster) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}
	b.logger.Debug("broadcaster closed")
}
