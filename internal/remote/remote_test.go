// ABOUTME: Tests for the polling and push delivery strategies
// ABOUTME: Uses a fake fetcher and an httptest websocket endpoint

package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convosync/internal/auth"
	"github.com/2389/convosync/internal/dedupe"
	"github.com/2389/convosync/internal/message"
	"github.com/2389/convosync/internal/metrics"
)

type fetchFunc func(ctx context.Context, id string) (message.Conversation, error)

func (f fetchFunc) FetchConversation(ctx context.Context, id string) (message.Conversation, error) {
	return f(ctx, id)
}

// collector is a thread-safe sink.
type collector struct {
	mu      sync.Mutex
	updates []Update
	notify  chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) sink(u Update) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *collector) snapshot() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Update(nil), c.updates...)
}

func (c *collector) waitFor(t *testing.T, n int) []Update {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.snapshot()
}

func TestPoller_EmitsSequencedSnapshots(t *testing.T) {
	var calls int
	var mu sync.Mutex
	p := NewPoller(PollerOptions{
		ConversationID: "c1",
		Interval:       10 * time.Millisecond,
		Immediate:      true,
		Fetcher: fetchFunc(func(ctx context.Context, id string) (message.Conversation, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			assert.Equal(t, "c1", id)
			return message.Conversation{ID: id}, nil
		}),
	})

	ctx, cancel := context.WithCancel(t.Context())
	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, c.sink) }()

	updates := c.waitFor(t, 3)
	cancel()
	require.NoError(t, <-done)

	for i, u := range updates[:3] {
		assert.Equal(t, KindSnapshot, u.Kind)
		assert.Equal(t, uint64(i+1), u.Seq)
		assert.Equal(t, "c1", u.Snapshot.ID)
	}
}

func TestPoller_SlowFetchWaitsForFreshTick(t *testing.T) {
	const (
		interval = 40 * time.Millisecond
		slow     = 50 * time.Millisecond
	)
	var mu sync.Mutex
	var starts, ends []time.Time
	p := NewPoller(PollerOptions{
		ConversationID: "c1",
		Interval:       interval,
		Fetcher: fetchFunc(func(ctx context.Context, id string) (message.Conversation, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			time.Sleep(slow)
			mu.Lock()
			ends = append(ends, time.Now())
			mu.Unlock()
			return message.Conversation{ID: id}, nil
		}),
	})

	ctx, cancel := context.WithCancel(t.Context())
	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, c.sink) }()

	c.waitFor(t, 2)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(starts), 2)
	// The tick that fired during the first fetch must not start the second
	// one immediately.
	assert.GreaterOrEqual(t, starts[1].Sub(ends[0]), interval/4)
}

func TestPoller_FailureDoesNotStopPolling(t *testing.T) {
	rec := metrics.New(prometheus.NewRegistry())
	var n int
	var mu sync.Mutex
	boom := errors.New("backend down")
	p := NewPoller(PollerOptions{
		ConversationID: "c1",
		Interval:       5 * time.Millisecond,
		Metrics:        rec,
		Fetcher: fetchFunc(func(ctx context.Context, id string) (message.Conversation, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			if n == 1 {
				return message.Conversation{}, boom
			}
			return message.Conversation{ID: id}, nil
		}),
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	c := newCollector()
	go func() { _ = p.Run(ctx, c.sink) }()

	updates := c.waitFor(t, 2)
	assert.Equal(t, KindError, updates[0].Kind)
	assert.ErrorIs(t, updates[0].Err, boom)
	assert.Equal(t, KindSnapshot, updates[1].Kind)
	assert.Greater(t, updates[1].Seq, updates[0].Seq)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.PollFailures))
}

func TestPoller_SharedSequence(t *testing.T) {
	seq := &Sequence{}
	assert.Equal(t, uint64(1), seq.Next(), "initial load takes the first number")

	p := NewPoller(PollerOptions{
		ConversationID: "c1",
		Interval:       time.Hour,
		Immediate:      true,
		Sequence:       seq,
		Fetcher: fetchFunc(func(ctx context.Context, id string) (message.Conversation, error) {
			return message.Conversation{ID: id}, nil
		}),
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	c := newCollector()
	go func() { _ = p.Run(ctx, c.sink) }()

	updates := c.waitFor(t, 1)
	assert.Equal(t, uint64(2), updates[0].Seq)
}

func TestPoller_CancelDiscardsInFlightFetch(t *testing.T) {
	started := make(chan struct{})
	p := NewPoller(PollerOptions{
		ConversationID: "c1",
		Interval:       time.Hour,
		Immediate:      true,
		Fetcher: fetchFunc(func(ctx context.Context, id string) (message.Conversation, error) {
			close(started)
			<-ctx.Done()
			return message.Conversation{}, ctx.Err()
		}),
	})

	ctx, cancel := context.WithCancel(t.Context())
	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, c.sink) }()

	<-started
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, c.snapshot(), "torn-down fetch must not be delivered")
}

// wsServer accepts one subscription and writes frames handed to it.
type wsServer struct {
	srv    *httptest.Server
	frames chan string
	path   chan string
	authz  chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		frames: make(chan string, 16),
		path:   make(chan string, 1),
		authz:  make(chan string, 1),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.path <- r.URL.Path
		s.authz <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for frame := range s.frames {
			if frame == "" {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		close(s.frames)
		s.srv.Close()
	})
	return s
}

const frameM1 = `{"id":"m1","type":"RECEIVED","content":"hey","timestamp":"2025-03-01T10:00:00Z","author":{"id":9}}`

func TestPusher_DeliversNormalizedMessages(t *testing.T) {
	ws := newWSServer(t)
	rec := metrics.New(prometheus.NewRegistry())
	p := NewPusher(PusherOptions{
		URL:            ws.srv.URL,
		ConversationID: "c1",
		Auth:           auth.NewStaticProvider("tok", message.Identity{}),
		Dedupe:         dedupe.New(time.Minute, 16),
		Metrics:        rec,
	})

	ctx, cancel := context.WithCancel(t.Context())
	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, c.sink) }()

	assert.Equal(t, "/ws/conversations/c1/", <-ws.path)
	assert.Equal(t, "Bearer tok", <-ws.authz)

	ws.frames <- frameM1
	ws.frames <- `not json`
	ws.frames <- frameM1
	ws.frames <- `{"id":"m2","type":"RECEIVED","content":"again","timestamp":"2025-03-01T10:01:00Z"}`

	updates := c.waitFor(t, 2)
	cancel()
	require.NoError(t, <-done)

	require.Len(t, updates, 2, "malformed and replayed frames are dropped")
	assert.Equal(t, KindMessage, updates[0].Kind)
	assert.Equal(t, "m1", updates[0].Message.ID)
	assert.Equal(t, "c1", updates[0].Message.ConversationID)
	assert.Equal(t, message.DirectionInbound, updates[0].Message.Direction)
	assert.Equal(t, "9", updates[0].Message.AuthorID)
	assert.Equal(t, "m2", updates[1].Message.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.DuplicateDeliveries.WithLabelValues("transport")))
}

func TestPusher_ReportsDisconnectOnce(t *testing.T) {
	ws := newWSServer(t)
	rec := metrics.New(prometheus.NewRegistry())
	p := NewPusher(PusherOptions{URL: ws.srv.URL, ConversationID: "c1", Metrics: rec})

	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- p.Run(t.Context(), c.sink) }()

	<-ws.path
	ws.frames <- ""

	err := <-done
	assert.ErrorIs(t, err, ErrDisconnected)

	updates := c.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, KindDisconnected, updates[0].Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.TransportDisconnects))
}

func TestPusher_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := NewPusher(PusherOptions{URL: srv.URL, ConversationID: "c1"})
	c := newCollector()
	err := p.Run(t.Context(), c.sink)

	assert.ErrorIs(t, err, ErrDisconnected)
	require.Len(t, c.snapshot(), 1)
	assert.Equal(t, KindDisconnected, c.snapshot()[0].Kind)
}

func TestPushURL(t *testing.T) {
	assert.Equal(t, "ws://h:8000/ws/conversations/c1/", PushURL("http://h:8000/", "c1"))
	assert.Equal(t, "wss://h/ws/conversations/c%2F1/", PushURL("https://h", "c/1"))
	assert.Equal(t, "ws://h/ws/conversations/c1/", PushURL("ws://h", "c1"))
}
