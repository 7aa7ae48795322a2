// ABOUTME: Message and Conversation model with delivery status and lifecycle rules
// ABOUTME: Pure data: identity, ordering key, ownership and status transitions

package message

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrUnknownDirection is returned when a wire direction cannot be normalized.
var ErrUnknownDirection = errors.New("unknown message direction")

// ErrUnknownStatus is returned when a wire conversation status is not recognized.
var ErrUnknownStatus = errors.New("unknown conversation status")

// Direction indicates whether a message was sent by this side or received.
type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// ParseDirection normalizes the direction vocabularies seen on the wire.
// SENT and OUTBOUND map to DirectionOutbound, RECEIVED and INBOUND to
// DirectionInbound. Matching is case-insensitive.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SENT", "OUTBOUND":
		return DirectionOutbound, nil
	case "RECEIVED", "INBOUND":
		return DirectionInbound, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDirection, s)
	}
}

// Status is the client-side delivery status of a message.
// PENDING and FAILED never come from the server.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Message is one entry of a conversation timeline.
type Message struct {
	ID             string
	ConversationID string
	Direction      Direction
	Content        string
	Timestamp      time.Time
	AuthorID       string // optional
	Status         Status
}

// Confirmed reports whether the message has been seen from an authoritative source.
func (m Message) Confirmed() bool {
	return m.Status == StatusConfirmed
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "OPEN"
	ConversationClosed ConversationStatus = "CLOSED"
)

// ParseConversationStatus normalizes a wire status.
func ParseConversationStatus(s string) (ConversationStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN":
		return ConversationOpen, nil
	case "CLOSED":
		return ConversationClosed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// OPEN -> CLOSED is the only transition; CLOSED is terminal.
func (s ConversationStatus) CanTransitionTo(next ConversationStatus) bool {
	return s == ConversationOpen && next == ConversationClosed
}

// Participant identifies a human taking part in a conversation.
type Participant struct {
	ID       string
	Username string
}

// Conversation is an authoritative snapshot of a conversation.
// Messages are in whatever order the server returned them.
type Conversation struct {
	ID        string
	Status    ConversationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	Customer  *Participant
	Agent     *Participant
	Messages  []Message
}

// LastMessage returns the message with the latest timestamp.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	last := c.Messages[0]
	for _, m := range c.Messages[1:] {
		if m.Timestamp.After(last.Timestamp) {
			last = m
		}
	}
	return last, true
}

// Identity is the current user as reported by the auth provider.
type Identity struct {
	ID       string
	Username string
}

// IsMine reports whether m was authored by me. Author-id equality wins when
// both ids are known; otherwise an OUTBOUND direction means "mine".
func IsMine(m Message, me Identity) bool {
	if m.AuthorID != "" && me.ID != "" {
		return m.AuthorID == me.ID
	}
	return m.Direction == DirectionOutbound
}

// Entry is a Message tagged with the insertion sequence used to break
// timestamp ties.
type Entry struct {
	Message
	Seq uint64
}

// Compare orders entries by timestamp, then confirmed before unconfirmed,
// then insertion sequence.
func Compare(a, b Entry) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	if ac, bc := a.Confirmed(), b.Confirmed(); ac != bc {
		if ac {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// SortEntries sorts entries in place into timeline order.
func SortEntries(entries []Entry) {
	slices.SortStableFunc(entries, Compare)
}

// Messages strips the sequence numbers from entries.
func Messages(entries []Entry) []Message {
	out := make([]Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
