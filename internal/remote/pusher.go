// ABOUTME: Push strategy reading message arrivals from a per-conversation websocket
// ABOUTME: Filters replayed ids, normalizes frames and reports disconnects without retrying

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/convosync/internal/auth"
	"github.com/2389/convosync/internal/dedupe"
	"github.com/2389/convosync/internal/metrics"
	"github.com/2389/convosync/internal/repository"
)

// ErrDisconnected is wrapped by the error Run returns when the connection
// drops while the context is still live.
var ErrDisconnected = errors.New("push connection lost")

// maxFrameSize bounds a single pushed message frame.
const maxFrameSize = 1 << 20

// PusherOptions configures a Pusher.
type PusherOptions struct {
	URL            string // base websocket URL, e.g. ws://host:8000
	ConversationID string
	Auth           auth.Provider
	HTTPClient     *http.Client
	Dedupe         *dedupe.Window // nil disables transport-level filtering
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Pusher delivers message arrivals from a websocket subscription.
type Pusher struct {
	url     string
	convID  string
	auth    auth.Provider
	client  *http.Client
	window  *dedupe.Window
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewPusher creates a Pusher.
func NewPusher(opts PusherOptions) *Pusher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pusher{
		url:     PushURL(opts.URL, opts.ConversationID),
		convID:  opts.ConversationID,
		auth:    opts.Auth,
		client:  opts.HTTPClient,
		window:  opts.Dedupe,
		logger:  opts.Logger.With("component", "pusher", "conversation_id", opts.ConversationID),
		metrics: opts.Metrics,
	}
}

// PushURL builds the subscription URL for a conversation. http and https
// bases are rewritten to ws and wss.
func PushURL(base, conversationID string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	return base + "/ws/conversations/" + url.PathEscape(conversationID) + "/"
}

// Run dials the subscription and delivers arrivals until ctx is canceled or
// the connection drops. A drop is reported once as KindDisconnected and Run
// returns; reconnecting is the caller's decision.
func (p *Pusher) Run(ctx context.Context, sink func(Update)) error {
	header := http.Header{}
	if p.auth != nil {
		if token := p.auth.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{
		HTTPClient: p.client,
		HTTPHeader: header,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.metrics.Disconnected()
		err = fmt.Errorf("%w: dialing %s: %v", ErrDisconnected, p.url, err)
		sink(Update{Kind: KindDisconnected, Err: err})
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	p.logger.Info("push connected")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				p.logger.Debug("push closed")
				return nil
			}
			p.logger.Warn("push disconnected",
				"status", websocket.CloseStatus(err),
				"error", err)
			p.metrics.Disconnected()
			err = fmt.Errorf("%w: %v", ErrDisconnected, err)
			sink(Update{Kind: KindDisconnected, Err: err})
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := repository.DecodeMessage(data, p.convID)
		if err != nil {
			p.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if p.window != nil && p.window.Seen(msg.ID) {
			p.logger.Debug("replayed frame dropped", "message_id", msg.ID)
			p.metrics.Duplicate("transport")
			continue
		}
		sink(Update{Kind: KindMessage, Message: msg})
	}
}
