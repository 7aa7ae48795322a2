// ABOUTME: Bounded TTL window of recently delivered message ids
// ABOUTME: Used by the push transport to drop replayed frames before merging

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// windowEntry stores when an id was last seen and its position in the
// insertion-order list.
type windowEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Window is a thread-safe, TTL-bounded, size-bounded set of message ids.
// Expired entries are pruned lazily on access; there is no background goroutine.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*windowEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a Window. A non-positive ttl disables expiry and a non-positive
// maxSize defaults to 1024.
func New(ttl time.Duration, maxSize int) *Window {
	return NewWithClock(ttl, maxSize, time.Now)
}

// NewWithClock creates a Window using now as its time source.
func NewWithClock(ttl time.Duration, maxSize int, now func() time.Time) *Window {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Window{
		seen:    make(map[string]*windowEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// Seen records id and reports whether it was already present and unexpired.
// The check and the mark happen under one lock.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if entry, ok := w.seen[id]; ok {
		entry.seenAt = now
		w.order.MoveToBack(entry.element)
		return true
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldestLocked()
	}
	w.seen[id] = &windowEntry{
		seenAt:  now,
		element: w.order.PushBack(id),
	}
	return false
}

// Contains reports whether id is present and unexpired without recording it.
func (w *Window) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.seen[id]
	if !ok {
		return false
	}
	return !w.expired(entry, w.now())
}

// Len returns the number of ids currently held, including expired ones not yet pruned.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) expired(entry *windowEntry, now time.Time) bool {
	return w.ttl > 0 && now.Sub(entry.seenAt) >= w.ttl
}

// pruneLocked drops expired ids from the front of the list. Entries move to
// the back on every hit, so the list is ordered by seenAt.
func (w *Window) pruneLocked(now time.Time) {
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		id, _ := front.Value.(string)
		if !w.expired(w.seen[id], now) {
			return
		}
		w.order.Remove(front)
		delete(w.seen, id)
	}
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, id)
}
