// ABOUTME: Wire payload types for the conversation backend and their normalization
// ABOUTME: Validates with go-playground/validator and converts to message package shapes

package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/convosync/internal/message"
)

// ErrInvalidPayload is returned when a payload fails validation or normalization.
var ErrInvalidPayload = errors.New("invalid payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event types accepted by the webhook endpoint.
const (
	EventNewConversation   = "NEW_CONVERSATION"
	EventNewMessage        = "NEW_MESSAGE"
	EventCloseConversation = "CLOSE_CONVERSATION"
)

// WireParticipant is a user reference. The backend serializes it either as an
// object or as a bare id (string or number).
type WireParticipant struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// UnmarshalJSON accepts {"id":..,"username":..}, "id" and 42.
func (p *WireParticipant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '{':
		var obj struct {
			ID       json.RawMessage `json:"id"`
			Username string          `json:"username"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		id, err := scalarString(obj.ID)
		if err != nil {
			return err
		}
		p.ID, p.Username = id, obj.Username
		return nil
	default:
		id, err := scalarString(data)
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	}
}

func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("participant id: %w", err)
	}
	return n.String(), nil
}

// WireMessage is a message as served by the REST API and the push channel.
// The direction arrives as "type" in serialized messages and as "direction"
// in webhook payloads.
type WireMessage struct {
	ID             string           `json:"id" validate:"required"`
	Type           string           `json:"type,omitempty"`
	Direction      string           `json:"direction,omitempty"`
	Content        string           `json:"content"`
	Timestamp      string           `json:"timestamp" validate:"required"`
	Author         *WireParticipant `json:"author,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
}

// WireConversation is a conversation snapshot.
type WireConversation struct {
	ID        string           `json:"id" validate:"required"`
	Status    string           `json:"status" validate:"required"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at"`
	Customer  *WireParticipant `json:"customer,omitempty"`
	Agent     *WireParticipant `json:"agent,omitempty"`
	Messages  []WireMessage    `json:"messages"`
}

// WebhookEvent is the envelope posted to /webhook/.
type WebhookEvent struct {
	Type      string          `json:"type" validate:"required,oneof=NEW_CONVERSATION NEW_MESSAGE CLOSE_CONVERSATION"`
	Timestamp string          `json:"timestamp" validate:"required"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

// NewMessageData is the data of a NEW_MESSAGE event.
type NewMessageData struct {
	ID             string `json:"id" validate:"required"`
	Direction      string `json:"direction" validate:"required,oneof=SENT RECEIVED OUTBOUND INBOUND"`
	Content        string `json:"content" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"required"`
}

// ConversationRef is the data of NEW_CONVERSATION and CLOSE_CONVERSATION events.
type ConversationRef struct {
	ID         string `json:"id" validate:"required"`
	CustomerID string `json:"customer_id,omitempty"`
}

// Validate runs struct-tag validation on a wire value.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// timestampLayouts covers RFC 3339 and the zone-less ISO form some backends emit.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a wire timestamp. Zone-less values are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidPayload, s)
}

// FormatTimestamp renders t the way the webhook expects (UTC, millisecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ToMessage normalizes a wire message. conversationID fills in the
// conversation when the payload omits it.
func (w WireMessage) ToMessage(conversationID string) (message.Message, error) {
	if err := Validate(w); err != nil {
		return message.Message{}, err
	}

	raw := w.Type
	if raw == "" {
		raw = w.Direction
	}
	dir, err := message.ParseDirection(raw)
	if err != nil {
		return message.Message{}, fmt.Errorf("%w: message %s: %v", ErrInvalidPayload, w.ID, err)
	}

	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return message.Message{}, fmt.Errorf("message %s: %w", w.ID, err)
	}

	if w.ConversationID != "" {
		conversationID = w.ConversationID
	}
	m := message.Message{
		ID:             w.ID,
		ConversationID: conversationID,
		Direction:      dir,
		Content:        w.Content,
		Timestamp:      ts,
		Status:         message.StatusConfirmed,
	}
	if w.Author != nil {
		m.AuthorID = w.Author.ID
	}
	return m, nil
}

// ToConversation normalizes a wire conversation. Messages that fail to
// normalize are left out and returned in skipped; only conversation-level
// problems fail the whole payload.
func (w WireConversation) ToConversation() (conv message.Conversation, skipped []error, err error) {
	if err := Validate(w); err != nil {
		return message.Conversation{}, nil, err
	}

	status, err := message.ParseConversationStatus(w.Status)
	if err != nil {
		return message.Conversation{}, nil, fmt.Errorf("%w: conversation %s: %v", ErrInvalidPayload, w.ID, err)
	}

	c := message.Conversation{
		ID:       w.ID,
		Status:   status,
		Customer: participant(w.Customer),
		Agent:    participant(w.Agent),
		Messages: make([]message.Message, 0, len(w.Messages)),
	}
	if w.CreatedAt != "" {
		if c.CreatedAt, err = ParseTimestamp(w.CreatedAt); err != nil {
			return message.Conversation{}, nil, err
		}
	}
	if w.UpdatedAt != "" {
		if c.UpdatedAt, err = ParseTimestamp(w.UpdatedAt); err != nil {
			return message.Conversation{}, nil, err
		}
	}

	for _, wm := range w.Messages {
		m, err := wm.ToMessage(w.ID)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		c.Messages = append(c.Messages, m)
	}
	return c, skipped, nil
}

func participant(p *WireParticipant) *message.Participant {
	if p == nil || p.ID == "" {
		return nil
	}
	return &message.Participant{ID: p.ID, Username: p.Username}
}

// FromMessage converts a message to its wire form, using the OUTBOUND/INBOUND
// vocabulary.
func FromMessage(m message.Message) WireMessage {
	w := WireMessage{
		ID:        m.ID,
		Type:      string(m.Direction),
		Content:   m.Content,
		Timestamp: FormatTimestamp(m.Timestamp),
	}
	if m.AuthorID != "" {
		w.Author = &WireParticipant{ID: m.AuthorID}
	}
	return w
}

// FromConversation converts a conversation to its wire form.
func FromConversation(c message.Conversation) WireConversation {
	w := WireConversation{
		ID:       c.ID,
		Status:   string(c.Status),
		Messages: make([]WireMessage, 0, len(c.Messages)),
	}
	if !c.CreatedAt.IsZero() {
		w.CreatedAt = FormatTimestamp(c.CreatedAt)
	}
	if !c.UpdatedAt.IsZero() {
		w.UpdatedAt = FormatTimestamp(c.UpdatedAt)
	}
	if c.Customer != nil {
		w.Customer = &WireParticipant{ID: c.Customer.ID, Username: c.Customer.Username}
	}
	if c.Agent != nil {
		w.Agent = &WireParticipant{ID: c.Agent.ID, Username: c.Agent.Username}
	}
	for _, m := range c.Messages {
		w.Messages = append(w.Messages, FromMessage(m))
	}
	return w
}

// DecodeMessage parses and normalizes a single pushed message frame.
func DecodeMessage(data []byte, conversationID string) (message.Message, error) {
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return message.Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return w.ToMessage(conversationID)
}
