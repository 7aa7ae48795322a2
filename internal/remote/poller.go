// ABOUTME: Polling strategy fetching full conversation snapshots on an interval
// ABOUTME: Failures are reported and the next tick still runs

package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/convosync/internal/metrics"
)

// DefaultPollInterval matches the refresh cadence of the hosted backend UI.
const DefaultPollInterval = 5 * time.Second

// PollerOptions configures a Poller.
type PollerOptions struct {
	ConversationID string
	Fetcher        Fetcher
	Interval       time.Duration
	Sequence       *Sequence // shared with other fetches of the session; nil allocates one
	Immediate      bool      // fetch once before the first tick
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Poller emits conversation snapshots on a fixed interval.
type Poller struct {
	convID   string
	fetcher  Fetcher
	interval time.Duration
	seq      *Sequence
	now      bool
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewPoller creates a Poller.
func NewPoller(opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Sequence == nil {
		opts.Sequence = &Sequence{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		convID:   opts.ConversationID,
		fetcher:  opts.Fetcher,
		interval: opts.Interval,
		seq:      opts.Sequence,
		now:      opts.Immediate,
		logger:   opts.Logger.With("component", "poller", "conversation_id", opts.ConversationID),
		metrics:  opts.Metrics,
	}
}

// Run polls until ctx is canceled. Fetches never overlap. The tick buffered
// during a slow fetch is discarded, so the next fetch waits for a fresh tick
// instead of starting right after the slow one.
func (p *Poller) Run(ctx context.Context, sink func(Update)) error {
	p.logger.Debug("polling started", "interval", p.interval)
	defer p.logger.Debug("polling stopped")

	if p.now {
		p.poll(ctx, sink)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx, sink)
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context, sink func(Update)) {
	seq := p.seq.Next()
	conv, err := p.fetcher.FetchConversation(ctx, p.convID)
	if ctx.Err() != nil {
		// Torn down mid-fetch; the result belongs to nobody.
		return
	}
	if err != nil {
		p.logger.Warn("poll failed",
			"seq", seq,
			"timeout", errors.Is(err, context.DeadlineExceeded),
			"error", err)
		p.metrics.PollFailed()
		sink(Update{Kind: KindError, Seq: seq, Err: err})
		return
	}
	sink(Update{Kind: KindSnapshot, Seq: seq, Snapshot: conv})
}
