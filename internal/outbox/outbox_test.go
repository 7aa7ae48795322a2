// ABOUTME: Tests for the pending outbox lifecycle
// ABOUTME: Covers submit, resolve, fail, restore, ordering and idempotent no-ops

package outbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convosync/internal/message"
)

func newTestOutbox() *Outbox {
	n := 0
	clock := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return New(Options{
		ConversationID: "conv-1",
		AuthorID:       "7",
		NewID: func() string {
			n++
			return fmt.Sprintf("msg-%d", n)
		},
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
}

func TestOutbox_SubmitReturnsPendingEntry(t *testing.T) {
	o := newTestOutbox()

	m := o.Submit("hi")

	assert.Equal(t, "msg-1", m.ID)
	assert.Equal(t, "conv-1", m.ConversationID)
	assert.Equal(t, "7", m.AuthorID)
	assert.Equal(t, message.DirectionOutbound, m.Direction)
	assert.Equal(t, message.StatusPending, m.Status)
	assert.False(t, m.Timestamp.IsZero())

	// Visible immediately
	require.Equal(t, 1, o.Len())
	assert.Equal(t, m, o.List()[0].Message)
}

func TestOutbox_ListKeepsSubmissionOrder(t *testing.T) {
	o := newTestOutbox()
	o.Submit("one")
	o.Submit("two")
	o.Submit("three")

	list := o.List()
	require.Len(t, list, 3)
	for i, e := range list {
		assert.Equal(t, uint64(i), e.Seq)
	}
	assert.Equal(t, "three", list[2].Content)
}

func TestOutbox_ResolveIsIdempotent(t *testing.T) {
	o := newTestOutbox()
	m := o.Submit("hi")

	assert.True(t, o.Resolve(m.ID))
	assert.False(t, o.Resolve(m.ID))
	assert.Equal(t, 0, o.Len())
}

func TestOutbox_FailFlipsInPlace(t *testing.T) {
	o := newTestOutbox()
	first := o.Submit("one")
	o.Submit("two")

	assert.True(t, o.Fail(first.ID))
	assert.False(t, o.Fail(first.ID), "second fail is a no-op")
	assert.False(t, o.Fail("missing"))

	list := o.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID, "position preserved")
	assert.Equal(t, message.StatusFailed, list[0].Status)
	assert.Equal(t, message.StatusPending, list[1].Status)
}

func TestOutbox_ListReturnsCopies(t *testing.T) {
	o := newTestOutbox()
	m := o.Submit("hi")

	list := o.List()
	list[0].Status = message.StatusConfirmed

	got, ok := o.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, message.StatusPending, got.Status)
}

func TestOutbox_Restore(t *testing.T) {
	o := newTestOutbox()
	ts := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	o.Restore(message.Message{ID: "old", Content: "draft", Timestamp: ts})
	o.Restore(message.Message{ID: "old", Content: "dup"})

	got, ok := o.Get("old")
	require.True(t, ok)
	assert.Equal(t, message.StatusFailed, got.Status)
	assert.Equal(t, "draft", got.Content)
	assert.Equal(t, ts, got.Timestamp)
	assert.Equal(t, 1, o.Len())
}

func TestOutbox_RemoveDiscardsFailedEntry(t *testing.T) {
	o := newTestOutbox()
	m := o.Submit("hi")
	o.Fail(m.ID)

	assert.True(t, o.Remove(m.ID))
	_, ok := o.Get(m.ID)
	assert.False(t, ok)
}

func TestOutbox_RequeueOnlyFailed(t *testing.T) {
	o := newTestOutbox()
	m := o.Submit("hi")

	assert.False(t, o.Requeue(m.ID), "pending entries are not requeued")

	o.Fail(m.ID)
	assert.True(t, o.Requeue(m.ID))

	got, ok := o.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, message.StatusPending, got.Status)
	assert.Equal(t, m.Timestamp, got.Timestamp)
	assert.False(t, o.Requeue("missing"))
}
