// Package playback turns the bursty audio deltas a live session emits into a
// gap-free output stream. The provider delivers decoded PCM faster than real
// time; the Scheduler timestamps each buffer so consecutive chunks butt up
// against each other, and drops everything in flight when the user barges in.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// Sink consumes scheduled PCM. Write blocks until the sink has accepted the
// buffer; Reset discards anything the sink has internally buffered so the
// next Write starts clean after an interruption.
type Sink interface {
	Write(pcm []byte) error
	Reset() error
	Close() error
}

// Clock abstracts time for tests. Sleep waits for d, but returns early when
// ctx ends or wake is signalled so the dispatcher can re-check its schedule.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration, wake <-chan struct{})
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-wake:
	case <-ctx.Done():
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithErrorFunc registers a callback for sink write failures. Called from
// the dispatch goroutine.
func WithErrorFunc(fn func(error)) Option {
	return func(s *Scheduler) {
		s.onError = fn
	}
}

type scheduled struct {
	pcm   []byte
	start time.Time
	gen   uint64
}

// Scheduler assigns each enqueued buffer a start time of either now or the
// end of the previously scheduled buffer, whichever is later, so chunks play
// back to back with no gaps. Flush abandons the current response: queued
// buffers are dropped, the in-flight one is discarded, and the schedule
// horizon resets so the next response starts immediately.
type Scheduler struct {
	sink  Sink
	rate  int
	ch    int
	log   *slog.Logger
	clock Clock

	onError func(error)

	mu      sync.Mutex
	horizon time.Time // end of the last scheduled buffer; zero when idle
	queue   []scheduled
	gen     uint64
	wake    chan struct{}
	closed  bool
}

// NewScheduler creates a Scheduler writing to sink. sampleRate and channels
// describe the PCM the session delivers and are used to compute buffer
// durations. Call Run to start dispatching.
func NewScheduler(sink Sink, sampleRate, channels int, opts ...Option) (*Scheduler, error) {
	if sink == nil {
		return nil, errors.New("playback: nil sink")
	}
	if sampleRate <= 0 {
		return nil, errors.New("playback: sample rate must be positive")
	}
	if channels != 1 && channels != 2 {
		return nil, errors.New("playback: channels must be 1 or 2")
	}

	s := &Scheduler{
		sink:  sink,
		rate:  sampleRate,
		ch:    channels,
		log:   slog.Default(),
		clock: realClock{},
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue schedules pcm for playback at max(now, horizon) and advances the
// horizon by the buffer's duration. Empty buffers are ignored. Returns the
// assigned start time.
func (s *Scheduler) Enqueue(pcm []byte) time.Time {
	if len(pcm) == 0 {
		return time.Time{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}
	}

	start := s.clock.Now()
	if s.horizon.After(start) {
		start = s.horizon
	}
	s.horizon = start.Add(audio.PCMDuration(len(pcm), s.rate, s.ch))
	s.queue = append(s.queue, scheduled{pcm: pcm, start: start, gen: s.gen})

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return start
}

// Flush drops all queued buffers, discards the in-flight one even if the
// dispatcher is still waiting for its start time, resets the sink, and
// clears the schedule horizon so the next Enqueue starts immediately.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.horizon = time.Time{}
	s.gen++
	s.mu.Unlock()

	// Kick the dispatcher out of its timed wait so the stale buffer is
	// discarded now rather than at its scheduled start.
	select {
	case s.wake <- struct{}{}:
	default:
	}

	if err := s.sink.Reset(); err != nil {
		s.log.Warn("resetting playback sink", "error", err)
	}
	if dropped > 0 {
		s.log.Debug("flushed playback queue", "dropped", dropped)
	}
}

// Buffered returns how much scheduled audio remains ahead of now. Zero when
// the schedule is idle.
func (s *Scheduler) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.horizon.IsZero() {
		return 0
	}
	d := s.horizon.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Run dispatches queued buffers to the sink at their scheduled times until
// ctx is cancelled. It closes the sink on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if err := s.sink.Close(); err != nil {
			s.log.Debug("closing playback sink", "error", err)
		}
	}()

	for {
		s.mu.Lock()
		var next scheduled
		have := false
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
			have = true
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}

		// Wait for the buffer's start time, re-checking after every wake so
		// a Flush aborts the wait instead of letting the stale buffer hold
		// the dispatcher until its scheduled start.
		stale := false
		for {
			s.mu.Lock()
			stale = next.gen != s.gen
			s.mu.Unlock()
			if stale {
				break
			}
			wait := next.start.Sub(s.clock.Now())
			if wait <= 0 {
				break
			}
			s.clock.Sleep(ctx, wait, s.wake)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if stale {
			continue
		}

		if err := s.sink.Write(next.pcm); err != nil {
			s.log.Error("writing to playback sink", "error", err)
			if s.onError != nil {
				s.onError(err)
			}
		}
	}
}
