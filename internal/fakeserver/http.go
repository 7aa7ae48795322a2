// ABOUTME: chi router exposing the fake backend over REST, webhook and websocket
// ABOUTME: Bearer tokens are verified with the server's JWT signer when one is configured

package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/2389/convosync/internal/message"
	"github.com/2389/convosync/internal/repository"
)

const (
	maxBodySize  = 64 * 1024
	writeTimeout = 5 * time.Second
)

type identityKey struct{}

func identityFrom(ctx context.Context) (message.Identity, bool) {
	who, ok := ctx.Value(identityKey{}).(message.Identity)
	return who, ok
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.authenticate)

	r.Get("/conversations/{id}/", s.handleGetConversation)
	r.Get("/my-conversations/", s.handleListConversations)
	r.Post("/webhook/", s.handleWebhook)
	r.Get("/ws/conversations/{id}/", s.handlePush)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()))
	})
}

// authenticate accepts the token from the Authorization header or, for
// browsers that cannot set headers on a websocket handshake, the token query
// parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.signer == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		who, err := s.signer.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, who)))
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.Conversation(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found.")
		return
	}
	writeJSON(w, http.StatusOK, repository.FromConversation(conv))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	who, _ := identityFrom(r.Context())
	convs := s.Conversations(who.ID)

	out := make([]repository.WireConversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, repository.FromConversation(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev repository.WebhookEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := repository.Validate(ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ts, err := repository.ParseTimestamp(ev.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	who, _ := identityFrom(r.Context())

	switch ev.Type {
	case repository.EventNewConversation:
		var ref repository.ConversationRef
		if !decodeData(w, ev.Data, &ref) {
			return
		}
		customerID := ref.CustomerID
		if customerID == "" {
			customerID = who.ID
		}
		var customer *message.Participant
		if customerID != "" {
			customer = &message.Participant{ID: customerID}
			if customerID == who.ID {
				customer.Username = who.Username
			}
		}
		if err := s.CreateConversation(ref.ID, customer, nil); err != nil {
			writeRuleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "conversation_id": ref.ID})

	case repository.EventNewMessage:
		var data repository.NewMessageData
		if !decodeData(w, ev.Data, &data) {
			return
		}
		dir, err := message.ParseDirection(data.Direction)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		m := message.Message{
			ID:             data.ID,
			ConversationID: data.ConversationID,
			Direction:      dir,
			Content:        data.Content,
			Timestamp:      ts,
			AuthorID:       who.ID,
		}
		if err := s.AddMessage(m); err != nil {
			writeRuleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "message_id": m.ID, "conversation_id": m.ConversationID})

	case repository.EventCloseConversation:
		var ref repository.ConversationRef
		if !decodeData(w, ev.Data, &ref) {
			return
		}
		if err := s.CloseConversation(ref.ID); err != nil {
			writeRuleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "conversation_id": ref.ID})
	}
}

func decodeData(w http.ResponseWriter, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		writeError(w, http.StatusBadRequest, "data must be an object")
		return false
	}
	if err := repository.Validate(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// handlePush streams every message stored for the conversation after the
// connection was accepted.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Conversation(id); err != nil {
		writeError(w, http.StatusNotFound, "Not found.")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	msgs, _ := s.broadcaster.Subscribe(ctx, id)
	s.logger.Debug("push subscriber connected", "conversation_id", id)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case m, ok := <-msgs:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			frame := repository.FromMessage(m)
			frame.ConversationID = m.ConversationID

			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, frame)
			wcancel()
			if err != nil {
				s.logger.Debug("push write failed", "conversation_id", id, "error", err)
				return
			}
		}
	}
}

func writeRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDuplicateMessage):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
