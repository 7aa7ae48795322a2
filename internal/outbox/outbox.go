// ABOUTME: Pending outbox of optimistically submitted messages awaiting confirmation
// ABOUTME: Generates ids and timestamps, keeps submission order, flips entries to FAILED

package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/2389/convosync/internal/message"
)

// Options configures an Outbox. Zero values fall back to uuid v4 ids and time.Now.
type Options struct {
	ConversationID string
	AuthorID       string
	NewID          func() string
	Now            func() time.Time
}

// Outbox holds PENDING and FAILED entries in submission order.
type Outbox struct {
	conversationID string
	authorID       string
	newID          func() string
	now            func() time.Time

	entries []*message.Entry
	index   map[string]*message.Entry
	seq     uint64
}

// New creates an empty outbox.
func New(opts Options) *Outbox {
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Outbox{
		conversationID: opts.ConversationID,
		authorID:       opts.AuthorID,
		newID:          opts.NewID,
		now:            opts.Now,
		index:          make(map[string]*message.Entry),
	}
}

// Submit creates a PENDING entry for content and returns it.
// Content validation is the caller's concern.
func (o *Outbox) Submit(content string) message.Message {
	m := message.Message{
		ID:             o.newID(),
		ConversationID: o.conversationID,
		Direction:      message.DirectionOutbound,
		Content:        content,
		Timestamp:      o.now().UTC(),
		AuthorID:       o.authorID,
		Status:         message.StatusPending,
	}
	o.add(m)
	return m
}

// Restore re-inserts a previously persisted entry (normally FAILED) keeping its
// id and timestamp. An id already present is left untouched.
func (o *Outbox) Restore(m message.Message) {
	if _, ok := o.index[m.ID]; ok {
		return
	}
	if m.Status == "" || m.Status == message.StatusConfirmed {
		m.Status = message.StatusFailed
	}
	o.add(m)
}

func (o *Outbox) add(m message.Message) {
	e := &message.Entry{Message: m, Seq: o.seq}
	o.seq++
	o.entries = append(o.entries, e)
	o.index[m.ID] = e
}

// Resolve removes the entry for id after an authoritative arrival.
// It reports whether an entry was removed; resolving twice is a no-op.
func (o *Outbox) Resolve(id string) bool {
	return o.remove(id)
}

// Remove discards the entry for id on user request.
func (o *Outbox) Remove(id string) bool {
	return o.remove(id)
}

func (o *Outbox) remove(id string) bool {
	if _, ok := o.index[id]; !ok {
		return false
	}
	delete(o.index, id)
	for i, e := range o.entries {
		if e.ID == id {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			break
		}
	}
	return true
}

// Fail flips a PENDING entry to FAILED in place. It reports whether the
// status changed; absent or already failed entries are left alone.
func (o *Outbox) Fail(id string) bool {
	e, ok := o.index[id]
	if !ok || e.Status != message.StatusPending {
		return false
	}
	e.Status = message.StatusFailed
	return true
}

// Requeue flips a FAILED entry back to PENDING for another send attempt.
// The id and timestamp are kept so the entry holds its timeline position.
func (o *Outbox) Requeue(id string) bool {
	e, ok := o.index[id]
	if !ok || e.Status != message.StatusFailed {
		return false
	}
	e.Status = message.StatusPending
	return true
}

// Get returns the entry for id.
func (o *Outbox) Get(id string) (message.Message, bool) {
	e, ok := o.index[id]
	if !ok {
		return message.Message{}, false
	}
	return e.Message, true
}

// List returns a copy of the current entries in submission order.
func (o *Outbox) List() []message.Entry {
	out := make([]message.Entry, len(o.entries))
	for i, e := range o.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (o *Outbox) Len() int {
	return len(o.entries)
}
