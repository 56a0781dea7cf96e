// Package progress batches streamed token counts into rate-limited writes
// against the conversation's persisted counter.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultInterval = time.Second

// Sink persists a token delta. Implemented by storage.Store via an atomic
// increment, so concurrent flushes from different trackers never lose counts.
type Sink interface {
	IncrementTokens(ctx context.Context, conversationID string, delta int) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Tracker accumulates token deltas and flushes them to a Sink at most once per
// interval, unless a flush is forced. It is safe for concurrent producers.
type Tracker struct {
	sink           Sink
	conversationID string
	interval       time.Duration
	clock          Clock
	ctx            context.Context
	logger         *slog.Logger

	mu        sync.Mutex
	pending   int
	lastFlush time.Time
	flushed   int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval sets the minimum time between unforced flushes.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithClock sets the clock used to measure flush intervals.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithContext sets the context passed to the sink on flush.
func WithContext(ctx context.Context) Option {
	return func(t *Tracker) { t.ctx = ctx }
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a Tracker for one conversation. The interval starts counting
// from construction, so the first unforced flush happens no earlier than one
// interval later.
func New(sink Sink, conversationID string, opts ...Option) *Tracker {
	t := &Tracker{
		sink:           sink,
		conversationID: conversationID,
		interval:       defaultInterval,
		clock:          realClock{},
		ctx:            context.Background(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lastFlush = t.clock.Now()
	return t
}

// Add records delta tokens. The pending total is flushed when force is set or
// the interval has elapsed since the last flush. Negative deltas are allowed
// and are used to correct estimates against an authoritative count.
func (t *Tracker) Add(delta int, force bool) {
	if delta == 0 && !force {
		return
	}

	t.mu.Lock()
	t.pending += delta
	now := t.clock.Now()
	if !force && now.Sub(t.lastFlush) < t.interval {
		t.mu.Unlock()
		return
	}
	if t.pending == 0 {
		t.mu.Unlock()
		return
	}
	toFlush := t.pending
	t.pending = 0
	t.lastFlush = now
	t.flushed += toFlush
	t.mu.Unlock()

	if err := t.sink.IncrementTokens(t.ctx, t.conversationID, toFlush); err != nil {
		t.logger.Warn("progress: flush failed", "chat_id", t.conversationID, "delta", toFlush, "error", err)
	}
}

// Flushed returns the cumulative total handed to the sink so far.
func (t *Tracker) Flushed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushed
}

// Pending returns the accumulated total not yet flushed.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
