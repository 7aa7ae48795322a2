// ABOUTME: Conversation session state machine owning outbox, engine and sync sources
// ABOUTME: Single event loop serializes user commands, network completions and remote updates

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/convosync/internal/auth"
	"github.com/2389/convosync/internal/message"
	"github.com/2389/convosync/internal/metrics"
	"github.com/2389/convosync/internal/outbox"
	"github.com/2389/convosync/internal/reconcile"
	"github.com/2389/convosync/internal/remote"
	"github.com/2389/convosync/internal/repository"
	"github.com/2389/convosync/internal/store"
)

// State is the lifecycle state of a session.
type State string

const (
	StateLoading State = "LOADING"
	StateReady   State = "READY"
	StateError   State = "ERROR"
)

const (
	defaultMaxAttempts = 3
	storeTimeout       = 2 * time.Second
	errorBuffer        = 32
)

// Repository is the command and fetch surface of the conversation backend.
type Repository interface {
	FetchConversation(ctx context.Context, id string) (message.Conversation, error)
	SendMessage(ctx context.Context, conversationID string, msg message.Message) error
	CloseConversation(ctx context.Context, id string) error
}

// Config holds per-session behavior.
type Config struct {
	ConversationID string
	PollEnabled    bool
	PollInterval   time.Duration
	AutoRetry      bool
	MaxAttempts    int // total send attempts per message when AutoRetry is set
	RetryDelay     time.Duration
}

// Deps are the collaborators of a session. Repository is required.
type Deps struct {
	Repository Repository
	Auth       auth.Provider  // nil means no known identity
	Push       remote.Source  // nil disables push
	Store      store.Store    // nil disables draft persistence
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	NewID      func() string
	Now        func() time.Time
}

// View is an immutable picture of the session for the presentation layer.
type View struct {
	ConversationID string
	State          State
	Status         message.ConversationStatus
	Agent          *message.Participant
	Customer       *message.Participant
	Timeline       []message.Message
	Me             message.Identity
	PushConnected  bool
	Err            *Error // LoadFailure when State is ERROR
}

// Mine reports whether m was authored by the current user.
func (v View) Mine(m message.Message) bool {
	return message.IsMine(m, v.Me)
}

// Session synchronizes one conversation. Every mutation of its outbox and
// authoritative message set runs on the goroutine executing Run.
type Session struct {
	cfg     Config
	repo    Repository
	push    remote.Source
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Recorder
	me      message.Identity
	now     func() time.Time

	// Owned by the event loop.
	outbox   *outbox.Outbox
	engine   *reconcile.Engine
	state    State
	status   message.ConversationStatus
	agent    *message.Participant
	customer *message.Participant
	pushUp   bool
	closing  bool // a Close is waiting on the backend
	attempts map[string]int  // send attempts per outbox id
	drafts   map[string]bool // ids persisted in the draft store
	loadErr  *Error

	seq     remote.Sequence
	ctx     context.Context
	events  chan func()
	stop    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	mu      sync.RWMutex
	view    View
	updates chan View
	errs    chan *Error
}

// New creates a Session. Call Run to start it.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if deps.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = remote.DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	var me message.Identity
	if deps.Auth != nil {
		me = deps.Auth.Identity()
	}

	logger := deps.Logger.With("component", "session", "conversation_id", cfg.ConversationID)
	ob := outbox.New(outbox.Options{
		ConversationID: cfg.ConversationID,
		AuthorID:       me.ID,
		NewID:          deps.NewID,
		Now:            deps.Now,
	})

	s := &Session{
		cfg:      cfg,
		repo:     deps.Repository,
		push:     deps.Push,
		store:    deps.Store,
		logger:   logger,
		metrics:  deps.Metrics,
		me:       me,
		now:      deps.Now,
		outbox:   ob,
		engine:   reconcile.New(ob, deps.Logger.With("conversation_id", cfg.ConversationID), deps.Metrics),
		state:    StateLoading,
		attempts: make(map[string]int),
		drafts:   make(map[string]bool),
		ctx:      context.Background(),
		events:   make(chan func()),
		stop:     make(chan struct{}),
		updates:  make(chan View, 1),
		errs:     make(chan *Error, errorBuffer),
	}
	s.view = s.snapshot()
	return s, nil
}

// Run loads the conversation, subscribes the sync sources and processes
// events until ctx is canceled. It returns nil on cancellation and the
// LoadFailure *Error when the initial fetch fails. Sources, timers and
// in-flight requests are released before Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	defer func() {
		cancel()
		close(s.stop)
		s.wg.Wait()
		close(s.updates)
		close(s.errs)
		s.logger.Info("session torn down")
	}()

	s.spawn(func() {
		seq := s.seq.Next()
		conv, err := s.repo.FetchConversation(ctx, s.cfg.ConversationID)
		s.post(func() { s.loaded(seq, conv, err) })
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.events:
			if ctx.Err() != nil {
				// Completions racing teardown are discarded
				return nil
			}
			fn()
			if s.state == StateError {
				return s.loadErr
			}
		}
	}
}

// View returns the latest published view.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Updates delivers views as they are published. Views the consumer has not
// read yet are replaced by newer ones. The channel is closed when Run returns.
func (s *Session) Updates() <-chan View {
	return s.updates
}

// Errors delivers recoverable failures and the final LoadFailure. The
// channel is closed when Run returns.
func (s *Session) Errors() <-chan *Error {
	return s.errs
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.stop
}

// Send validates content and submits it optimistically. The returned entry
// is PENDING; a delivery failure is reported later on Errors as a
// SendFailure and the entry turns FAILED.
func (s *Session) Send(ctx context.Context, content string) (message.Message, error) {
	var (
		m   message.Message
		err error
	)
	if cerr := s.do(ctx, func() { m, err = s.send(content) }); cerr != nil {
		return message.Message{}, cerr
	}
	return m, err
}

// Retry resends a FAILED entry under its original id.
func (s *Session) Retry(ctx context.Context, id string) error {
	var err error
	if cerr := s.do(ctx, func() { err = s.retry(id) }); cerr != nil {
		return cerr
	}
	return err
}

// Dismiss removes a FAILED entry from the timeline.
func (s *Session) Dismiss(ctx context.Context, id string) error {
	var err error
	if cerr := s.do(ctx, func() { err = s.dismiss(id) }); cerr != nil {
		return cerr
	}
	return err
}

// Close closes the conversation on the backend and, on success, marks it
// CLOSED locally without waiting for a confirming fetch.
func (s *Session) Close(ctx context.Context) error {
	var err error
	cerr := s.do(ctx, func() {
		if err = s.writable(); err != nil {
			return
		}
		if s.closing {
			err = ErrCloseInProgress
			return
		}
		s.closing = true
	})
	if cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	if err := s.repo.CloseConversation(ctx, s.cfg.ConversationID); err != nil {
		serr := &Error{Kind: CloseFailure, Err: err}
		s.post(func() {
			s.closing = false
			s.logger.Warn("close failed", "error", err)
			s.report(serr)
		})
		return serr
	}

	// The backend has closed the conversation, so the local transition is
	// applied even when ctx is already done.
	s.post(func() {
		s.closing = false
		s.markClosed("local")
		s.publish()
	})
	return nil
}

// Refresh schedules a one-off snapshot fetch. Failures are logged and do
// not affect the session.
func (s *Session) Refresh(ctx context.Context) error {
	var err error
	cerr := s.do(ctx, func() {
		if s.state != StateReady {
			err = ErrNotReady
			return
		}
		s.spawn(func() {
			seq := s.seq.Next()
			conv, ferr := s.repo.FetchConversation(s.ctx, s.cfg.ConversationID)
			if ferr != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("refresh failed", "error", ferr)
					s.metrics.PollFailed()
				}
				return
			}
			s.post(func() {
				s.applySnapshot(seq, conv)
				s.publish()
			})
		})
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// do runs fn on the event loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case s.events <- cmd:
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stop:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// post hands a completion to the event loop. It gives up once the session stops.
func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.stop:
		return false
	}
}

// spawn runs fn on a goroutine that Run waits for before returning.
func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) loaded(seq uint64, conv message.Conversation, err error) {
	if err != nil {
		s.state = StateError
		s.loadErr = &Error{Kind: LoadFailure, Err: err}
		s.logger.Error("loading conversation failed", "error", err)
		s.report(s.loadErr)
		s.publish()
		return
	}

	s.restoreDrafts()
	s.applySnapshot(seq, conv)
	s.state = StateReady
	s.logger.Info("session ready",
		"status", s.status,
		"messages", s.engine.Len(),
		"pending", s.outbox.Len())
	s.publish()
	s.startSources()
}

func (s *Session) startSources() {
	if s.cfg.PollEnabled {
		p := remote.NewPoller(remote.PollerOptions{
			ConversationID: s.cfg.ConversationID,
			Fetcher:        s.repo,
			Interval:       s.cfg.PollInterval,
			Sequence:       &s.seq,
			Logger:         s.logger,
			Metrics:        s.metrics,
		})
		s.runSource("poll", p)
	}
	if s.push != nil {
		s.pushUp = true
		s.runSource("push", s.push)
	}
}

func (s *Session) runSource(name string, src remote.Source) {
	s.spawn(func() {
		err := src.Run(s.ctx, func(u remote.Update) {
			s.post(func() { s.apply(u) })
		})
		if err != nil {
			s.logger.Debug("source stopped", "source", name, "error", err)
		}
	})
}

func (s *Session) apply(u remote.Update) {
	switch u.Kind {
	case remote.KindSnapshot:
		s.applySnapshot(u.Seq, u.Snapshot)
	case remote.KindMessage:
		m := u.Message
		if m.ConversationID != "" && m.ConversationID != s.cfg.ConversationID {
			s.logger.Debug("ignoring message for another conversation", "message_id", m.ID)
			return
		}
		if !s.engine.ApplyDelta(m) {
			return
		}
		s.afterMerge()
	case remote.KindError:
		s.logger.Debug("poll error", "seq", u.Seq, "error", u.Err)
		return
	case remote.KindDisconnected:
		s.pushUp = false
		s.report(&Error{Kind: TransportDisconnect, Err: u.Err})
	}
	s.publish()
}

func (s *Session) applySnapshot(seq uint64, conv message.Conversation) {
	if !s.engine.ApplySnapshot(seq, conv) {
		return
	}
	if conv.Agent != nil {
		s.agent = conv.Agent
	}
	if conv.Customer != nil {
		s.customer = conv.Customer
	}
	switch {
	case s.status == "":
		s.status = conv.Status
	case conv.Status == message.ConversationClosed:
		s.markClosed("remote")
	}
	s.afterMerge()
}

func (s *Session) markClosed(source string) {
	if !s.status.CanTransitionTo(message.ConversationClosed) {
		return
	}
	s.status = message.ConversationClosed
	s.logger.Info("conversation closed", "source", source)
}

// afterMerge drops bookkeeping for entries the engine confirmed.
func (s *Session) afterMerge() {
	for id := range s.drafts {
		if s.engine.Confirmed(id) {
			s.deleteDraft(id)
		}
	}
	for id := range s.attempts {
		if _, ok := s.outbox.Get(id); !ok {
			delete(s.attempts, id)
		}
	}
}

func (s *Session) writable() error {
	if s.state != StateReady {
		return ErrNotReady
	}
	if s.status == message.ConversationClosed {
		return ErrConversationClosed
	}
	return nil
}

func (s *Session) send(content string) (message.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return message.Message{}, ErrEmptyContent
	}
	if err := s.writable(); err != nil {
		return message.Message{}, err
	}

	m := s.outbox.Submit(content)
	s.deliver(m)
	s.publish()
	return m, nil
}

func (s *Session) deliver(m message.Message) {
	s.attempts[m.ID]++
	attempt := s.attempts[m.ID]
	s.logger.Debug("sending message", "message_id", m.ID, "attempt", attempt)

	s.spawn(func() {
		err := s.repo.SendMessage(s.ctx, s.cfg.ConversationID, m)
		s.post(func() { s.delivered(m.ID, attempt, err) })
	})
}

func (s *Session) delivered(id string, attempt int, err error) {
	if err == nil || errors.Is(err, repository.ErrConflict) {
		// Stays PENDING until an authoritative copy arrives
		return
	}
	if s.engine.Confirmed(id) {
		return
	}
	if !s.outbox.Fail(id) {
		return
	}

	s.metrics.SendFailed()
	s.logger.Warn("send failed", "message_id", id, "attempt", attempt, "error", err)
	s.saveDraft(id, err)
	s.report(&Error{Kind: SendFailure, MessageID: id, Err: err})
	s.publish()

	if s.cfg.AutoRetry && attempt < s.cfg.MaxAttempts {
		s.scheduleRetry(id)
	}
}

func (s *Session) scheduleRetry(id string) {
	delay := s.cfg.RetryDelay
	s.spawn(func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}
		s.post(func() {
			if err := s.retry(id); err != nil {
				s.logger.Debug("automatic retry skipped", "message_id", id, "error", err)
			}
		})
	})
}

func (s *Session) failedEntry(id string) (message.Message, error) {
	m, ok := s.outbox.Get(id)
	if !ok {
		return message.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if m.Status != message.StatusFailed {
		return message.Message{}, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, m.Status)
	}
	return m, nil
}

func (s *Session) retry(id string) error {
	m, err := s.failedEntry(id)
	if err != nil {
		return err
	}
	if err := s.writable(); err != nil {
		return err
	}

	s.outbox.Requeue(id)
	m.Status = message.StatusPending
	s.deliver(m)
	s.publish()
	return nil
}

func (s *Session) dismiss(id string) error {
	if _, err := s.failedEntry(id); err != nil {
		return err
	}
	s.outbox.Remove(id)
	delete(s.attempts, id)
	s.deleteDraft(id)
	s.logger.Debug("failed message dismissed", "message_id", id)
	s.publish()
	return nil
}

func (s *Session) restoreDrafts() {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	drafts, err := s.store.ListDrafts(ctx, s.cfg.ConversationID)
	if err != nil {
		s.logger.Warn("loading drafts failed", "error", err)
		return
	}
	for _, d := range drafts {
		m := d.Message
		m.Status = message.StatusFailed
		s.outbox.Restore(m)
		s.attempts[m.ID] = d.Attempts
		s.drafts[m.ID] = true
	}
	if len(drafts) > 0 {
		s.logger.Info("restored failed drafts", "count", len(drafts))
	}
}

func (s *Session) saveDraft(id string, cause error) {
	if s.store == nil {
		return
	}
	m, ok := s.outbox.Get(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	d := store.Draft{
		Message:   m,
		Attempts:  s.attempts[id],
		LastError: cause.Error(),
		UpdatedAt: s.now(),
	}
	if err := s.store.SaveDraft(ctx, d); err != nil {
		s.logger.Warn("saving draft failed", "message_id", id, "error", err)
		return
	}
	s.drafts[id] = true
}

func (s *Session) deleteDraft(id string) {
	if !s.drafts[id] {
		return
	}
	delete(s.drafts, id)
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := s.store.DeleteDraft(ctx, id); err != nil {
		s.logger.Warn("deleting draft failed", "message_id", id, "error", err)
	}
}

func (s *Session) report(e *Error) {
	select {
	case s.errs <- e:
	default:
		s.logger.Warn("error channel full, dropping", "kind", e.Kind)
	}
}

func (s *Session) snapshot() View {
	return View{
		ConversationID: s.cfg.ConversationID,
		State:          s.state,
		Status:         s.status,
		Agent:          s.agent,
		Customer:       s.customer,
		Timeline:       s.engine.Timeline(),
		Me:             s.me,
		PushConnected:  s.pushUp,
		Err:            s.loadErr,
	}
}

// publish stores the current view and offers it on Updates, replacing a
// view the consumer has not picked up yet.
func (s *Session) publish() {
	v := s.snapshot()

	s.mu.Lock()
	s.view = v
	s.mu.Unlock()

	select {
	case s.updates <- v:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- v:
	default:
	}
}
