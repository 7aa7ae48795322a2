// ABOUTME: Tests for the conversation session state machine
// ABOUTME: Covers optimistic send, confirmation, close guard, failures, retries, drafts and teardown

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/convosync/internal/auth"
	"github.com/2389/convosync/internal/message"
	"github.com/2389/convosync/internal/metrics"
	"github.com/2389/convosync/internal/remote"
	"github.com/2389/convosync/internal/repository"
	"github.com/2389/convosync/internal/store"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeRepo is an in-memory Repository with injectable failures.
type fakeRepo struct {
	mu        sync.Mutex
	conv      message.Conversation
	fetchErr  error
	fetchGate chan struct{} // when set, fetches wait for it
	sendErrs  []error       // consumed one per send; nil entries succeed
	closeErr  error
	closeGate chan struct{} // when set, closes wait for it after being counted
	sent      []message.Message
	closes    int
}

func newFakeRepo(msgs ...message.Message) *fakeRepo {
	return &fakeRepo{conv: message.Conversation{
		ID:       "c1",
		Status:   message.ConversationOpen,
		Agent:    &message.Participant{ID: "7", Username: "ana"},
		Messages: msgs,
	}}
}

func (r *fakeRepo) FetchConversation(ctx context.Context, id string) (message.Conversation, error) {
	r.mu.Lock()
	gate := r.fetchGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return message.Conversation{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return message.Conversation{}, r.fetchErr
	}
	c := r.conv
	c.Messages = append([]message.Message(nil), r.conv.Messages...)
	return c, nil
}

func (r *fakeRepo) SendMessage(ctx context.Context, conversationID string, msg message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	if len(r.sendErrs) > 0 {
		err := r.sendErrs[0]
		r.sendErrs = r.sendErrs[1:]
		return err
	}
	return nil
}

func (r *fakeRepo) CloseConversation(ctx context.Context, id string) error {
	r.mu.Lock()
	r.closes++
	gate := r.closeGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return r.closeErr
	}
	if r.conv.Status == message.ConversationClosed {
		return &repository.StatusError{Code: 400, Message: "conversation already closed"}
	}
	r.conv.Status = message.ConversationClosed
	return nil
}

func (r *fakeRepo) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func (r *fakeRepo) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *fakeRepo) addMessage(m message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv.Messages = append(r.conv.Messages, m)
}

// fakePush delivers updates written to its channel.
type fakePush struct {
	ch      chan remote.Update
	stopped chan struct{}
}

func newFakePush() *fakePush {
	return &fakePush{ch: make(chan remote.Update, 16), stopped: make(chan struct{})}
}

func (p *fakePush) Run(ctx context.Context, sink func(remote.Update)) error {
	defer close(p.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-p.ch:
			sink(u)
			if u.Kind == remote.KindDisconnected {
				return u.Err
			}
		}
	}
}

func (p *fakePush) deliver(m message.Message) {
	p.ch <- remote.Update{Kind: remote.KindMessage, Message: m}
}

type harness struct {
	s    *Session
	repo *fakeRepo
	push *fakePush
	rec  *metrics.Recorder
	done chan error
	stop context.CancelFunc
}

type option func(*Config, *Deps)

func startSession(t *testing.T, repo *fakeRepo, opts ...option) *harness {
	t.Helper()
	h := &harness{repo: repo, push: newFakePush(), rec: metrics.New(prometheus.NewRegistry())}

	n := 0
	clock := base
	cfg := Config{ConversationID: "c1"}
	deps := Deps{
		Repository: repo,
		Auth:       auth.NewStaticProvider("tok", message.Identity{ID: "7", Username: "ana"}),
		Push:       h.push,
		Metrics:    h.rec,
		NewID: func() string {
			n++
			return fmt.Sprintf("local-%d", n)
		},
		Now: func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		},
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}

	s, err := New(cfg, deps)
	require.NoError(t, err)
	h.s = s

	ctx, cancel := context.WithCancel(t.Context())
	h.stop = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return h
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.s.View().State == StateReady }, 2*time.Second, time.Millisecond)
}

func (h *harness) waitView(t *testing.T, cond func(View) bool) View {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.s.View()) }, 2*time.Second, time.Millisecond)
	return h.s.View()
}

func (h *harness) nextError(t *testing.T) *Error {
	t.Helper()
	select {
	case e := <-h.s.Errors():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
		return nil
	}
}

func inbound(id string, ts time.Time) message.Message {
	return message.Message{ID: id, ConversationID: "c1", Direction: message.DirectionInbound, Content: "re " + id, Timestamp: ts}
}

func TestSession_OptimisticSendThenConfirmation(t *testing.T) {
	h := startSession(t, newFakeRepo())
	h.waitReady(t)

	m, err := h.s.Send(t.Context(), "  hi  ")
	require.NoError(t, err)
	assert.Equal(t, "hi", m.Content)
	assert.Equal(t, message.StatusPending, m.Status)
	assert.Equal(t, "7", m.AuthorID)

	v := h.s.View()
	require.Len(t, v.Timeline, 1)
	assert.Equal(t, message.StatusPending, v.Timeline[0].Status)
	assert.True(t, v.Mine(v.Timeline[0]))

	require.Eventually(t, func() bool { return h.repo.sentCount() == 1 }, time.Second, time.Millisecond)

	arrival := m
	arrival.Status = ""
	h.push.deliver(arrival)

	v = h.waitView(t, func(v View) bool {
		return len(v.Timeline) == 1 && v.Timeline[0].Status == message.StatusConfirmed
	})
	assert.Equal(t, m.ID, v.Timeline[0].ID)
	assert.Equal(t, "hi", v.Timeline[0].Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.rec.Confirmations))
}

func TestSession_OutOfOrderArrivalsSorted(t *testing.T) {
	h := startSession(t, newFakeRepo())
	h.waitReady(t)

	h.push.deliver(inbound("b", base.Add(time.Minute)))
	h.push.deliver(inbound("a", base))
	h.push.deliver(inbound("a", base))

	v := h.waitView(t, func(v View) bool { return len(v.Timeline) == 2 })
	assert.Equal(t, "a", v.Timeline[0].ID)
	assert.Equal(t, "b", v.Timeline[1].ID)
}

func TestSession_CloseThenSendRejectedLocally(t *testing.T) {
	h := startSession(t, newFakeRepo())
	h.waitReady(t)
	assert.Equal(t, message.ConversationOpen, h.s.View().Status)

	require.NoError(t, h.s.Close(t.Context()))
	assert.Equal(t, message.ConversationClosed, h.s.View().Status)

	_, err := h.s.Send(t.Context(), "too late")
	assert.ErrorIs(t, err, ErrConversationClosed)
	assert.Equal(t, 0, h.repo.sentCount(), "closed guard must not reach the network")

	assert.ErrorIs(t, h.s.Close(t.Context()), ErrConversationClosed)
	h.repo.mu.Lock()
	assert.Equal(t, 1, h.repo.closes)
	h.repo.mu.Unlock()
}

func TestSession_CloseFailureKeepsStatus(t *testing.T) {
	repo := newFakeRepo()
	repo.closeErr = &repository.StatusError{Code: 500}
	h := startSession(t, repo)
	h.waitReady(t)

	err := h.s.Close(t.Context())
	assert.True(t, IsKind(err, CloseFailure))
	assert.Equal(t, message.ConversationOpen, h.s.View().Status)
	assert.Equal(t, CloseFailure, h.nextError(t).Kind)

	_, err = h.s.Send(t.Context(), "still open")
	assert.NoError(t, err)
}

func TestSession_OverlappingCloseReachesBackendOnce(t *testing.T) {
	repo := newFakeRepo()
	gate := make(chan struct{})
	repo.closeGate = gate
	h := startSession(t, repo)
	h.waitReady(t)

	first := make(chan error, 1)
	go func() { first <- h.s.Close(t.Context()) }()
	require.Eventually(t, func() bool { return repo.closeCount() == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.s.Close(t.Context()), ErrCloseInProgress)
	assert.Equal(t, message.ConversationOpen, h.s.View().Status)

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, message.ConversationClosed, h.s.View().Status)
	assert.Equal(t, 1, repo.closeCount())
	assert.Never(t, func() bool { return len(h.s.Errors()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	assert.ErrorIs(t, h.s.Close(t.Context()), ErrConversationClosed)
	assert.Equal(t, 1, repo.closeCount())
}

func TestSession_CloseFailureAllowsAnotherClose(t *testing.T) {
	repo := newFakeRepo()
	repo.closeErr = &repository.StatusError{Code: 500}
	h := startSession(t, repo)
	h.waitReady(t)

	assert.True(t, IsKind(h.s.Close(t.Context()), CloseFailure))
	assert.Equal(t, CloseFailure, h.nextError(t).Kind)

	repo.mu.Lock()
	repo.closeErr = nil
	repo.mu.Unlock()
	require.NoError(t, h.s.Close(t.Context()))
	assert.Equal(t, message.ConversationClosed, h.s.View().Status)
}

func TestSession_AcknowledgedCloseAppliedAfterCallerGivesUp(t *testing.T) {
	repo := newFakeRepo()
	gate := make(chan struct{})
	repo.closeGate = gate
	h := startSession(t, repo)
	h.waitReady(t)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.s.Close(ctx) }()
	require.Eventually(t, func() bool { return repo.closeCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, message.ConversationClosed, h.s.View().Status)

	_, err := h.s.Send(t.Context(), "after close")
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestSession_RemoteCloseAppliedFromSnapshot(t *testing.T) {
	repo := newFakeRepo()
	h := startSession(t, repo, func(c *Config, d *Deps) {
		c.PollEnabled = true
		c.PollInterval = 5 * time.Millisecond
	})
	h.waitReady(t)

	repo.addMessage(inbound("late", base))
	require.NoError(t, repo.CloseConversation(t.Context(), "c1"))

	v := h.waitView(t, func(v View) bool { return v.Status == message.ConversationClosed })
	assert.Len(t, v.Timeline, 1)
}

func TestSession_SendValidation(t *testing.T) {
	h := startSession(t, newFakeRepo())
	h.waitReady(t)

	_, err := h.s.Send(t.Context(), " \n\t ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, h.s.View().Timeline)
}

func TestSession_SendBeforeReady(t *testing.T) {
	repo := newFakeRepo()
	repo.fetchGate = make(chan struct{})
	h := startSession(t, repo)

	_, err := h.s.Send(t.Context(), "hi")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateLoading, h.s.View().State)

	close(repo.fetchGate)
	h.waitReady(t)
}

func TestSession_FailedSendStaysInTimeline(t *testing.T) {
	repo := newFakeRepo(inbound("first", base))
	repo.sendErrs = []error{&repository.StatusError{Code: 502, Message: "bad gateway"}}
	h := startSession(t, repo)
	h.waitReady(t)

	m, err := h.s.Send(t.Context(), "hello")
	require.NoError(t, err)

	serr := h.nextError(t)
	assert.Equal(t, SendFailure, serr.Kind)
	assert.Equal(t, m.ID, serr.MessageID)
	assert.True(t, serr.Recoverable())
	var status *repository.StatusError
	assert.ErrorAs(t, serr, &status)

	v := h.waitView(t, func(v View) bool { return len(v.Timeline) == 2 && v.Timeline[1].Status == message.StatusFailed })
	assert.Equal(t, StateReady, v.State, "send failure is not fatal")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.rec.SendFailures))

	// Later arrivals do not drop it
	h.push.deliver(inbound("after", base.Add(time.Hour)))
	v = h.waitView(t, func(v View) bool { return len(v.Timeline) == 3 })
	assert.Equal(t, m.ID, v.Timeline[1].ID)
	assert.Equal(t, message.StatusFailed, v.Timeline[1].Status)
}

func TestSession_RetryReusesID(t *testing.T) {
	repo := newFakeRepo()
	repo.sendErrs = []error{errors.New("connection reset")}
	h := startSession(t, repo)
	h.waitReady(t)

	m, err := h.s.Send(t.Context(), "hello")
	require.NoError(t, err)
	h.nextError(t)

	require.NoError(t, h.s.Retry(t.Context(), m.ID))
	v := h.s.View()
	require.Len(t, v.Timeline, 1)
	assert.Equal(t, message.StatusPending, v.Timeline[0].Status)

	require.Eventually(t, func() bool { return repo.sentCount() == 2 }, time.Second, time.Millisecond)
	repo.mu.Lock()
	assert.Equal(t, repo.sent[0].ID, repo.sent[1].ID)
	assert.Equal(t, repo.sent[0].Timestamp, repo.sent[1].Timestamp)
	repo.mu.Unlock()

	assert.ErrorIs(t, h.s.Retry(t.Context(), m.ID), ErrNotFailed)
	assert.ErrorIs(t, h.s.Retry(t.Context(), "nope"), ErrUnknownMessage)
}

func TestSession_ConflictCountsAsDelivered(t *testing.T) {
	repo := newFakeRepo()
	repo.sendErrs = []error{&repository.StatusError{Code: 409}}
	h := startSession(t, repo)
	h.waitReady(t)

	_, err := h.s.Send(t.Context(), "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return repo.sentCount() == 1 }, time.Second, time.Millisecond)

	assert.Never(t, func() bool { return len(h.s.Errors()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, message.StatusPending, h.s.View().Timeline[0].Status)
}

func TestSession_Dismiss(t *testing.T) {
	repo := newFakeRepo()
	repo.sendErrs = []error{errors.New("boom")}
	h := startSession(t, repo)
	h.waitReady(t)

	m, _ := h.s.Send(t.Context(), "hello")
	h.nextError(t)

	require.NoError(t, h.s.Dismiss(t.Context(), m.ID))
	assert.Empty(t, h.s.View().Timeline)
	assert.ErrorIs(t, h.s.Dismiss(t.Context(), m.ID), ErrUnknownMessage)

	p, _ := h.s.Send(t.Context(), "pending one")
	assert.ErrorIs(t, h.s.Dismiss(t.Context(), p.ID), ErrNotFailed)
}

func TestSession_AutoRetry(t *testing.T) {
	repo := newFakeRepo()
	boom := errors.New("boom")
	repo.sendErrs = []error{boom, boom, boom, boom}
	h := startSession(t, repo, func(c *Config, d *Deps) {
		c.AutoRetry = true
		c.MaxAttempts = 3
		c.RetryDelay = time.Millisecond
	})
	h.waitReady(t)

	_, err := h.s.Send(t.Context(), "hello")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, SendFailure, h.nextError(t).Kind)
	}
	v := h.waitView(t, func(v View) bool { return len(v.Timeline) == 1 && v.Timeline[0].Status == message.StatusFailed })
	assert.Equal(t, message.StatusFailed, v.Timeline[0].Status)

	// Gives up after MaxAttempts
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, repo.sentCount())
}

func TestSession_DraftsSurviveRestart(t *testing.T) {
	drafts := store.NewMockStore()
	repo := newFakeRepo()
	repo.sendErrs = []error{errors.New("offline")}

	h := startSession(t, repo, func(c *Config, d *Deps) { d.Store = drafts })
	h.waitReady(t)
	m, _ := h.s.Send(t.Context(), "remember me")
	h.nextError(t)
	require.Eventually(t, func() bool { return drafts.Len() == 1 }, time.Second, time.Millisecond)

	d, err := drafts.GetDraft(t.Context(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, "offline", d.LastError)

	h.stop()
	<-h.s.Done()

	// Next session for the same conversation shows it again
	h2 := startSession(t, newFakeRepo(inbound("x", base)), func(c *Config, d *Deps) { d.Store = drafts })
	v := h2.waitView(t, func(v View) bool { return v.State == StateReady })
	require.Len(t, v.Timeline, 2)
	assert.Equal(t, m.ID, v.Timeline[1].ID)
	assert.Equal(t, message.StatusFailed, v.Timeline[1].Status)

	require.NoError(t, h2.s.Dismiss(t.Context(), m.ID))
	assert.Equal(t, 0, drafts.Len())
}

func TestSession_DraftDeletedWhenConfirmed(t *testing.T) {
	drafts := store.NewMockStore()
	stored := message.Message{ID: "d1", ConversationID: "c1", Direction: message.DirectionOutbound, Content: "late ack", Timestamp: base}
	require.NoError(t, drafts.SaveDraft(t.Context(), store.Draft{Message: stored, Attempts: 1}))

	// The backend did store it before the client gave up
	h := startSession(t, newFakeRepo(stored), func(c *Config, d *Deps) { d.Store = drafts })
	v := h.waitView(t, func(v View) bool { return v.State == StateReady })

	require.Len(t, v.Timeline, 1)
	assert.Equal(t, message.StatusConfirmed, v.Timeline[0].Status)
	assert.Equal(t, 0, drafts.Len())
}

func TestSession_LoadFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.fetchErr = repository.ErrNotFound
	h := startSession(t, repo)

	err := <-h.done
	require.Error(t, err)
	assert.True(t, IsKind(err, LoadFailure))
	assert.ErrorIs(t, err, repository.ErrNotFound)

	v := h.s.View()
	assert.Equal(t, StateError, v.State)
	require.NotNil(t, v.Err)
	assert.False(t, v.Err.Recoverable())

	_, err = h.s.Send(t.Context(), "hi")
	assert.ErrorIs(t, err, ErrStopped)

	select {
	case <-h.push.stopped:
		t.Fatal("push must not be subscribed after a failed load")
	default:
	}
}

func TestSession_TransportDisconnectIsRecoverable(t *testing.T) {
	h := startSession(t, newFakeRepo())
	h.waitReady(t)
	assert.True(t, h.s.View().PushConnected)

	h.push.ch <- remote.Update{Kind: remote.KindDisconnected, Err: remote.ErrDisconnected}

	assert.Equal(t, TransportDisconnect, h.nextError(t).Kind)
	v := h.waitView(t, func(v View) bool { return !v.PushConnected })
	assert.Equal(t, StateReady, v.State)

	_, err := h.s.Send(t.Context(), "still works")
	assert.NoError(t, err)
}

func TestSession_TeardownReleasesSources(t *testing.T) {
	h := startSession(t, newFakeRepo())
	h.waitReady(t)

	h.stop()
	require.NoError(t, <-h.done)

	select {
	case <-h.push.stopped:
	case <-time.After(time.Second):
		t.Fatal("push source still running after teardown")
	}

	_, err := h.s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrStopped)

	// Channels are closed for consumers ranging over them
	for range h.s.Updates() {
	}
	for range h.s.Errors() {
	}
}

func TestSession_TeardownDuringLoadDiscardsResult(t *testing.T) {
	repo := newFakeRepo()
	repo.fetchGate = make(chan struct{})
	h := startSession(t, repo)

	h.stop()
	require.NoError(t, <-h.done)
	assert.Equal(t, StateLoading, h.s.View().State)
}

func TestSession_StalePollDoesNotRegress(t *testing.T) {
	repo := newFakeRepo(inbound("a", base))
	h := startSession(t, repo)
	h.waitReady(t)

	h.push.deliver(inbound("b", base.Add(time.Minute)))
	h.waitView(t, func(v View) bool { return len(v.Timeline) == 2 })

	// A snapshot issued before the load lands late
	done := make(chan struct{})
	require.True(t, h.s.post(func() {
		h.s.apply(remote.Update{Kind: remote.KindSnapshot, Seq: 0, Snapshot: message.Conversation{Status: message.ConversationOpen}})
		close(done)
	}))
	<-done

	assert.Len(t, h.s.View().Timeline, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.rec.SnapshotsStale))
}

func TestSession_Refresh(t *testing.T) {
	repo := newFakeRepo()
	h := startSession(t, repo, func(c *Config, d *Deps) { d.Push = nil })
	h.waitReady(t)

	repo.addMessage(inbound("new", base))
	require.NoError(t, h.s.Refresh(t.Context()))
	h.waitView(t, func(v View) bool { return len(v.Timeline) == 1 })
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Deps{Repository: newFakeRepo()})
	assert.Error(t, err)
	_, err = New(Config{ConversationID: "c1"}, Deps{})
	assert.Error(t, err)
}
