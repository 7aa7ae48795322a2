// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"slices"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	drafts map[string]Draft // keyed by message ID
	closed bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		drafts: make(map[string]Draft),
	}
}

// SaveDraft stores a copy of the draft.
func (m *MockStore) SaveDraft(ctx context.Context, d Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[d.Message.ID] = d
	return nil
}

// GetDraft retrieves a draft by message ID.
func (m *MockStore) GetDraft(ctx context.Context, id string) (*Draft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.drafts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// DeleteDraft removes a draft.
func (m *MockStore) DeleteDraft(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, id)
	return nil
}

// ListDrafts returns the drafts of a conversation ordered by message timestamp.
func (m *MockStore) ListDrafts(ctx context.Context, conversationID string) ([]*Draft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Draft
	for _, d := range m.drafts {
		if d.Message.ConversationID == conversationID {
			out = append(out, &d)
		}
	}
	slices.SortFunc(out, func(a, b *Draft) int {
		if c := a.Message.Timestamp.Compare(b.Message.Timestamp); c != 0 {
			return c
		}
		if a.Message.ID < b.Message.ID {
			return -1
		}
		if a.Message.ID > b.Message.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored drafts.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.drafts)
}

// Compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
