// ABOUTME: Reconciliation engine merging pending outbox entries with authoritative messages
// ABOUTME: Dedupes by id, confirms pending entries on arrival, drops stale snapshots

package reconcile

import (
	"log/slog"

	"github.com/2389/convosync/internal/message"
	"github.com/2389/convosync/internal/metrics"
	"github.com/2389/convosync/internal/outbox"
)

// Engine owns the authoritative message set of one conversation.
type Engine struct {
	outbox  *outbox.Outbox
	logger  *slog.Logger
	metrics *metrics.Recorder

	confirmed map[string]*message.Entry
	arrivals  uint64

	lastSnapshot uint64
	hasSnapshot  bool
}

// New creates an Engine reading pending entries from ob. Pass nil logger for
// default and nil recorder to disable metrics.
func New(ob *outbox.Outbox, logger *slog.Logger, rec *metrics.Recorder) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		outbox:    ob,
		logger:    logger.With("component", "reconcile"),
		metrics:   rec,
		confirmed: make(map[string]*message.Entry),
	}
}

// ApplySnapshot merges a full conversation fetch. seq must increase with each
// fetch issued; a snapshot whose seq is not newer than the last applied one is
// ignored and ApplySnapshot returns false.
func (e *Engine) ApplySnapshot(seq uint64, conv message.Conversation) bool {
	if e.hasSnapshot && seq <= e.lastSnapshot {
		e.logger.Debug("stale snapshot discarded",
			"seq", seq,
			"last_applied", e.lastSnapshot)
		e.metrics.SnapshotStale()
		return false
	}
	e.lastSnapshot = seq
	e.hasSnapshot = true

	added := 0
	for _, m := range conv.Messages {
		if e.insert(m) {
			added++
		}
	}

	e.metrics.SnapshotApplied()
	e.logger.Debug("snapshot applied",
		"seq", seq,
		"messages", len(conv.Messages),
		"new", added)
	return true
}

// ApplyDelta merges a single authoritative message. It returns false when the
// id was already known.
func (e *Engine) ApplyDelta(m message.Message) bool {
	if !e.insert(m) {
		e.logger.Debug("duplicate delivery ignored", "message_id", m.ID)
		e.metrics.Duplicate("engine")
		return false
	}
	e.metrics.DeltaApplied()
	return true
}

// insert adds m to the authoritative set. Known ids keep their original
// content and arrival position.
func (e *Engine) insert(m message.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := e.confirmed[m.ID]; ok {
		return false
	}
	m.Status = message.StatusConfirmed
	e.confirmed[m.ID] = &message.Entry{Message: m, Seq: e.arrivals}
	e.arrivals++

	if e.outbox.Resolve(m.ID) {
		e.metrics.Confirmed(1)
		e.logger.Debug("pending entry confirmed", "message_id", m.ID)
	}
	return true
}

// Confirmed reports whether id is in the authoritative set.
func (e *Engine) Confirmed(id string) bool {
	_, ok := e.confirmed[id]
	return ok
}

// Timeline returns the merged, ordered view. Outbox entries whose id is
// already authoritative (for example a draft restored after its confirmation)
// are resolved here.
func (e *Engine) Timeline() []message.Message {
	pending := e.outbox.List()

	entries := make([]message.Entry, 0, len(e.confirmed)+len(pending))
	resolved := 0
	for _, p := range pending {
		if _, ok := e.confirmed[p.ID]; ok {
			if e.outbox.Resolve(p.ID) {
				resolved++
				e.logger.Debug("pending entry confirmed", "message_id", p.ID)
			}
			continue
		}
		entries = append(entries, p)
	}
	e.metrics.Confirmed(resolved)

	for _, c := range e.confirmed {
		entries = append(entries, *c)
	}

	message.SortEntries(entries)
	return message.Messages(entries)
}

// Len returns the number of authoritative messages.
func (e *Engine) Len() int {
	return len(e.confirmed)
}

// Reset drops the authoritative set and the snapshot sequence. Used on a full
// conversation reload.
func (e *Engine) Reset() {
	e.confirmed = make(map[string]*message.Entry)
	e.arrivals = 0
	e.lastSnapshot = 0
	e.hasSnapshot = false
}
