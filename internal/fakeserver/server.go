// ABOUTME: In-memory conversation backend serving the REST, webhook and push API
// ABOUTME: Enforces the backend's write rules and optionally echoes outbound messages

package fakeserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/convosync/internal/auth"
	"github.com/2389/convosync/internal/message"
)

// Backend rule violations.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrConversationClosed   = errors.New("conversation is closed")
	ErrAlreadyClosed        = errors.New("conversation already closed")
	ErrDuplicateMessage     = errors.New("message already exists")
)

// DefaultEchoDelay is how long the echo responder waits before replying.
const DefaultEchoDelay = time.Second

// Options configures a Server.
type Options struct {
	JWTSecret []byte // empty disables authentication
	Echo      bool   // reply INBOUND to every OUTBOUND message
	EchoDelay time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Server is an in-memory conversation backend.
type Server struct {
	mu            sync.RWMutex
	conversations map[string]*message.Conversation
	order         []string
	messageIDs    map[string]bool

	broadcaster *Broadcaster
	signer      *auth.JWTSigner
	echo        bool
	echoDelay   time.Duration
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server. Call Close to stop pending echo replies.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.EchoDelay <= 0 {
		opts.EchoDelay = DefaultEchoDelay
	}

	logger := opts.Logger.With("component", "fakeserver")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conversations: make(map[string]*message.Conversation),
		messageIDs:    make(map[string]bool),
		broadcaster:   NewBroadcaster(logger),
		echo:          opts.Echo,
		echoDelay:     opts.EchoDelay,
		now:           opts.Now,
		newID:         opts.NewID,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
	if len(opts.JWTSecret) > 0 {
		s.signer = auth.NewJWTSigner(opts.JWTSecret)
	}
	return s
}

// Close cancels pending echo replies and disconnects push subscribers.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
	s.broadcaster.Close()
}

// Token issues a bearer token for who. It fails when authentication is disabled.
func (s *Server) Token(who message.Identity, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", errors.New("authentication is disabled")
	}
	return s.signer.Generate(who, ttl)
}

// CreateConversation adds an OPEN conversation.
func (s *Server) CreateConversation(id string, customer, agent *message.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; ok {
		return fmt.Errorf("%w: %s", ErrConversationExists, id)
	}
	now := s.now().UTC()
	s.conversations[id] = &message.Conversation{
		ID:        id,
		Status:    message.ConversationOpen,
		CreatedAt: now,
		UpdatedAt: now,
		Customer:  customer,
		Agent:     agent,
	}
	s.order = append(s.order, id)
	s.logger.Info("conversation created", "conversation_id", id)
	return nil
}

// AddMessage stores m and pushes it to subscribers. Message ids are unique
// across conversations.
func (s *Server) AddMessage(m message.Message) error {
	s.mu.Lock()
	conv, ok := s.conversations[m.ConversationID]
	switch {
	case !ok:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, m.ConversationID)
	case s.messageIDs[m.ID]:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, m.ID)
	case conv.Status == message.ConversationClosed:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationClosed, m.ConversationID)
	}

	m.Status = message.StatusConfirmed
	m.Timestamp = m.Timestamp.UTC()
	conv.Messages = append(conv.Messages, m)
	if m.Timestamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = m.Timestamp
	}
	s.messageIDs[m.ID] = true
	agent := conv.Agent
	s.mu.Unlock()

	s.logger.Debug("message stored",
		"conversation_id", m.ConversationID,
		"message_id", m.ID,
		"direction", m.Direction)
	s.broadcaster.Publish(m.ConversationID, m)

	if s.echo && m.Direction == message.DirectionOutbound {
		s.scheduleEcho(m, agent)
	}
	return nil
}

// CloseConversation marks a conversation CLOSED. Closing twice fails.
func (s *Server) CloseConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if conv.Status == message.ConversationClosed {
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, id)
	}
	conv.Status = message.ConversationClosed
	s.logger.Info("conversation closed", "conversation_id", id)
	return nil
}

// Conversation returns a copy of the conversation.
func (s *Server) Conversation(id string) (message.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return message.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return copyConversation(conv), nil
}

// Conversations returns the conversations userID takes part in, in creation
// order. An empty userID returns all of them.
func (s *Server) Conversations(userID string) []message.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]message.Conversation, 0, len(s.order))
	for _, id := range s.order {
		conv := s.conversations[id]
		if userID != "" && !participates(conv, userID) {
			continue
		}
		out = append(out, copyConversation(conv))
	}
	return out
}

func participates(c *message.Conversation, userID string) bool {
	return (c.Customer != nil && c.Customer.ID == userID) ||
		(c.Agent != nil && c.Agent.ID == userID)
}

func copyConversation(c *message.Conversation) message.Conversation {
	out := *c
	out.Messages = append([]message.Message(nil), c.Messages...)
	return out
}

// scheduleEcho replies to m after the echo delay unless the server closes first.
func (s *Server) scheduleEcho(m message.Message, agent *message.Participant) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		t := time.NewTimer(s.echoDelay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}

		reply := message.Message{
			ID:             s.newID(),
			ConversationID: m.ConversationID,
			Direction:      message.DirectionInbound,
			Content:        "Echo: " + m.Content,
			Timestamp:      s.now(),
		}
		if agent != nil {
			reply.AuthorID = agent.ID
		}
		if err := s.AddMessage(reply); err != nil {
			s.logger.Debug("echo skipped", "conversation_id", m.ConversationID, "error", err)
		}
	}()
}
