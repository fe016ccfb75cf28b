// Package app wires all Cadenza subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes them until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSource, WithSink, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cadenza-voice/cadenza/internal/config"
	"github.com/cadenza-voice/cadenza/internal/health"
	"github.com/cadenza-voice/cadenza/internal/history"
	"github.com/cadenza-voice/cadenza/internal/observe"
	"github.com/cadenza-voice/cadenza/internal/session"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/audio/capture"
	"github.com/cadenza-voice/cadenza/pkg/audio/playback"
	"github.com/cadenza-voice/cadenza/pkg/provider/realtime"
)

// shutdownTimeout bounds the HTTP server drain during Run teardown.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and runs the voice session pipeline.
type App struct {
	cfg      *config.Config
	provider realtime.Provider
	metrics  *observe.Metrics

	log       *session.EventLog
	store     *history.Store
	histSink  session.HistorySink
	source    capture.Source
	tap       *capture.Tap
	sink      playback.Sink
	scheduler *playback.Scheduler
	manager   *session.Manager

	onState func(old, new session.State)
	onLevel func(level float64)
	onEntry func(session.Entry)

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects a capture source instead of spawning ffmpeg.
func WithSource(src capture.Source) Option {
	return func(a *App) { a.source = src }
}

// WithSink injects a playback sink instead of spawning ffplay.
func WithSink(s playback.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithHistory injects a history sink instead of connecting to Postgres.
func WithHistory(h session.HistorySink) Option {
	return func(a *App) { a.histSink = h }
}

// WithStateFunc registers a callback invoked on every connection state change.
func WithStateFunc(fn func(old, new session.State)) Option {
	return func(a *App) { a.onState = fn }
}

// WithLevelFunc registers a callback fed the smoothed microphone level per
// captured frame.
func WithLevelFunc(fn func(level float64)) Option {
	return func(a *App) { a.onLevel = fn }
}

// WithEntryFunc registers a callback invoked for every event log entry, for
// live display of the conversation.
func WithEntryFunc(fn func(session.Entry)) Option {
	return func(a *App) { a.onEntry = fn }
}

// New creates an App by wiring all subsystems together. The provider comes
// from main (instantiated via the config registry). Use Option functions to
// inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, provider realtime.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if provider == nil {
		return nil, errors.New("app: nil provider")
	}

	a := &App{
		cfg:      cfg,
		provider: provider,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = session.NewEventLog(0, a.onEntry)

	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	if err := a.initPlayback(); err != nil {
		return nil, fmt.Errorf("app: init playback: %w", err)
	}
	if err := a.initManager(); err != nil {
		return nil, fmt.Errorf("app: init manager: %w", err)
	}
	if err := a.initCapture(ctx); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	return a, nil
}

// initHistory connects the transcript store when a DSN is configured and no
// sink was injected.
func (a *App) initHistory(ctx context.Context) error {
	if a.histSink != nil {
		return nil
	}
	if a.cfg.History.PostgresDSN == "" {
		return nil
	}
	store, err := history.NewStore(ctx, a.cfg.History.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = store
	a.histSink = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initPlayback builds the sink and scheduler at the provider's output rate.
func (a *App) initPlayback() error {
	caps := a.provider.Capabilities()
	if a.sink == nil {
		sink, err := playback.NewFFplaySink(caps.OutputSampleRate, 1, slog.Default())
		if err != nil {
			return err
		}
		a.sink = sink
	}
	sched, err := playback.NewScheduler(a.sink, caps.OutputSampleRate, 1,
		playback.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}
	a.scheduler = sched
	return nil
}

func (a *App) initManager() error {
	m, err := session.NewManager(session.ManagerConfig{
		Provider:     a.provider,
		ProviderName: a.cfg.Provider.Name,
		Session: realtime.SessionConfig{
			Voice:        a.cfg.Provider.Voice,
			Instructions: a.cfg.Provider.Instructions,
		},
		Player:     a.scheduler,
		Log:        a.log,
		History:    a.histSink,
		MaxRetries: a.cfg.Session.MaxRetries,
		Backoff:    time.Duration(a.cfg.Session.BackoffMS) * time.Millisecond,
		MaxBackoff: time.Duration(a.cfg.Session.MaxBackoffMS) * time.Millisecond,
		Metrics:    a.metrics,
		Logger:     slog.Default(),
	}, a.onState)
	if err != nil {
		return err
	}
	a.manager = m
	return nil
}

// initCapture builds the microphone tap. Frames flow straight into the
// manager, which converts them to the provider's input format.
func (a *App) initCapture(ctx context.Context) error {
	if a.source == nil {
		src, err := capture.NewFFmpegSource(ctx, a.cfg.Audio.InputDevice,
			a.cfg.Audio.InputSampleRate, a.cfg.Audio.InputChannels)
		if err != nil {
			return err
		}
		a.source = src
	}

	onFrame := func(f audio.Frame) {
		if err := a.manager.SendFrame(ctx, f); err != nil {
			slog.Debug("frame dropped", "err", err)
		}
	}
	tapOpts := []capture.Option{capture.WithLogger(slog.Default())}
	if a.onLevel != nil {
		tapOpts = append(tapOpts, capture.WithLevelFunc(a.onLevel))
	}
	tap, err := capture.New(a.source, capture.Config{
		SampleRate:    a.cfg.Audio.InputSampleRate,
		Channels:      a.cfg.Audio.InputChannels,
		FrameDuration: a.cfg.Audio.FrameDuration(),
	}, onFrame, tapOpts...)
	if err != nil {
		return err
	}
	a.tap = tap
	return nil
}

// Manager exposes the session manager for the interactive side channel.
func (a *App) Manager() *session.Manager { return a.manager }

// Log exposes the chronological event log.
func (a *App) Log() *session.EventLog { return a.log }

// State reports the current connection state.
func (a *App) State() session.State { return a.manager.State() }

// Run starts the session manager, playback scheduler, capture tap, and the
// metrics/health HTTP server, and blocks until ctx is cancelled or any
// subsystem fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.manager.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error {
		if err := a.tap.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: capture: %w", err)
		}
		return nil
	})

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		srv := a.newHTTPServer(addr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(drainCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newHTTPServer builds the metrics and health endpoint server.
func (a *App) newHTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	checkers := []health.Checker{}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "history", Check: a.store.Ping})
	}
	health.New(a.State, checkers...).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Shutdown stops the session and tears down all subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.manager.Stop()
		if err := a.source.Close(); err != nil {
			slog.Warn("capture source close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
