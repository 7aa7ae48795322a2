// ABOUTME: HTTP client for the conversation backend REST and webhook API
// ABOUTME: Bearer auth, client-side rate limiting, JSON error decoding

package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/convosync/internal/auth"
	"github.com/2389/convosync/internal/message"
)

var (
	// ErrNotFound matches 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized matches 401 and 403 responses.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict matches 409 responses, e.g. a message id the backend already stored.
	ErrConflict = errors.New("conflict")
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend error (%d): %s", e.Code, e.Message)
}

// Is maps status codes onto the sentinel errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case ErrConflict:
		return e.Code == http.StatusConflict
	}
	return false
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Auth              auth.Provider // nil sends no Authorization header
	HTTPClient        *http.Client
	Timeout           time.Duration // per request; 0 means no extra timeout
	RequestsPerSecond float64       // 0 disables throttling
	Burst             int
	Logger            *slog.Logger
	Now               func() time.Time
}

// Client talks to the conversation backend.
type Client struct {
	baseURL string
	auth    auth.Provider
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		auth:    opts.Auth,
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		logger:  opts.Logger.With("component", "repository"),
		now:     opts.Now,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// FetchConversation returns the full snapshot of one conversation.
// Messages are returned in server order.
func (c *Client) FetchConversation(ctx context.Context, id string) (message.Conversation, error) {
	var w WireConversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id)+"/", nil, &w); err != nil {
		return message.Conversation{}, fmt.Errorf("fetching conversation %s: %w", id, err)
	}
	conv, err := c.toConversation(w)
	if err != nil {
		return message.Conversation{}, fmt.Errorf("decoding conversation %s: %w", id, err)
	}
	return conv, nil
}

// FetchConversationList returns the conversations visible to the current user.
func (c *Client) FetchConversationList(ctx context.Context) ([]message.Conversation, error) {
	var ws []WireConversation
	if err := c.do(ctx, http.MethodGet, "/my-conversations/", nil, &ws); err != nil {
		return nil, fmt.Errorf("fetching conversation list: %w", err)
	}

	convs := make([]message.Conversation, 0, len(ws))
	for _, w := range ws {
		conv, err := c.toConversation(w)
		if err != nil {
			return nil, fmt.Errorf("decoding conversation list: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// toConversation normalizes w, dropping messages that cannot be normalized
// the same way the push channel drops malformed frames.
func (c *Client) toConversation(w WireConversation) (message.Conversation, error) {
	conv, skipped, err := w.ToConversation()
	if err != nil {
		return message.Conversation{}, err
	}
	for _, serr := range skipped {
		c.logger.Warn("dropping malformed message", "conversation_id", w.ID, "error", serr)
	}
	return conv, nil
}

// SendMessage submits msg to the conversation. The message id and timestamp
// are sent as-is so the server reuses them for the authoritative copy.
func (c *Client) SendMessage(ctx context.Context, conversationID string, msg message.Message) error {
	data := NewMessageData{
		ID:             msg.ID,
		Direction:      "SENT",
		Content:        msg.Content,
		ConversationID: conversationID,
	}
	if err := c.postEvent(ctx, EventNewMessage, msg.Timestamp, data); err != nil {
		return fmt.Errorf("sending message %s: %w", msg.ID, err)
	}
	return nil
}

// CloseConversation asks the backend to close the conversation.
func (c *Client) CloseConversation(ctx context.Context, id string) error {
	if err := c.postEvent(ctx, EventCloseConversation, c.now(), ConversationRef{ID: id}); err != nil {
		return fmt.Errorf("closing conversation %s: %w", id, err)
	}
	return nil
}

func (c *Client) postEvent(ctx context.Context, eventType string, at time.Time, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	event := WebhookEvent{
		Type:      eventType,
		Timestamp: FormatTimestamp(at),
		Data:      raw,
	}
	return c.do(ctx, http.MethodPost, "/webhook/", event, nil)
}

// do performs one request. body is JSON-encoded when non-nil; out is decoded
// from a 2xx response when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		if token := c.auth.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// handleErrorResponse extracts the error message from non-2xx responses.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	statusErr := &StatusError{Code: resp.StatusCode}
	var errResp struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &errResp) == nil && (errResp.Error != "" || errResp.Detail != "") {
		statusErr.Message = errResp.Error
		if statusErr.Message == "" {
			statusErr.Message = errResp.Detail
		}
	} else {
		statusErr.Message = strings.TrimSpace(string(body))
	}

	c.logger.Debug("backend request failed",
		"status", resp.StatusCode,
		"url", resp.Request.URL.Path,
		"message", statusErr.Message)
	return statusErr
}
