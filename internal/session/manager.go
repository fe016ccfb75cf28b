package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/internal/observe"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/provider/realtime"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Player is the playback side the Manager drives: model audio goes in via
// Enqueue, and Flush drops everything pending when the user barges in.
// *playback.Scheduler satisfies it.
type Player interface {
	Enqueue(pcm []byte) time.Time
	Flush()
}

// HistorySink persists transcript entries for later retrieval. May be nil on
// the Manager when persistence is disabled.
type HistorySink interface {
	Append(ctx context.Context, runID string, e Entry) error
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Provider opens live sessions.
	Provider realtime.Provider

	// ProviderName labels log lines and metrics, e.g. "openai-realtime".
	ProviderName string

	// Session is the configuration passed to every Connect, including
	// reconnects.
	Session realtime.SessionConfig

	// Player receives model audio. Required.
	Player Player

	// Log receives tagged session events. Required.
	Log *EventLog

	// History persists transcript entries. May be nil.
	History HistorySink

	// RunID identifies this session run in the history store. Defaults to a
	// timestamp-derived ID when empty.
	RunID string

	// MaxRetries bounds reconnection attempts per disconnect. Defaults to 10.
	MaxRetries int

	// Backoff is the initial delay between reconnect attempts, doubling up
	// to MaxBackoff. Defaults to 1s / 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Metrics records pipeline counters. May be nil.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager runs one live assistant conversation: it connects the provider,
// pumps model audio into the Player, mirrors transcripts into the EventLog
// and HistorySink, flushes playback on barge-in, and reconnects with
// exponential backoff when the session drops.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	provider     realtime.Provider
	providerName string
	sessionCfg   realtime.SessionConfig
	player       Player
	log          *EventLog
	history      HistorySink
	runID        string
	maxRetries   int
	backoff      time.Duration
	maxBackoff   time.Duration
	metrics      *observe.Metrics
	logger       *slog.Logger

	tracker *Tracker

	mu      sync.Mutex
	handle  realtime.SessionHandle
	stopped bool
}

// NewManager creates a Manager. The state tracker's onChange callback may be
// nil.
func NewManager(cfg ManagerConfig, onStateChange func(old, new State)) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: nil provider")
	}
	if cfg.Player == nil {
		return nil, errors.New("session: nil player")
	}
	if cfg.Log == nil {
		return nil, errors.New("session: nil event log")
	}

	m := &Manager{
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		sessionCfg:   cfg.Session,
		player:       cfg.Player,
		log:          cfg.Log,
		history:      cfg.History,
		runID:        cfg.RunID,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.Backoff,
		maxBackoff:   cfg.MaxBackoff,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		tracker:      NewTracker(onStateChange),
	}
	if m.providerName == "" {
		m.providerName = "realtime"
	}
	if m.runID == "" {
		m.runID = time.Now().UTC().Format("run-20060102-150405")
	}
	if m.maxRetries <= 0 {
		m.maxRetries = defaultMaxRetries
	}
	if m.backoff <= 0 {
		m.backoff = defaultBackoff
	}
	if m.maxBackoff <= 0 {
		m.maxBackoff = defaultMaxBackoff
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State { return m.tracker.State() }

// RunID returns the identifier under which this run's transcript is stored.
func (m *Manager) RunID() string { return m.runID }

// Run connects and services the session until ctx is cancelled or the
// reconnect budget is exhausted. It returns nil on clean shutdown.
func (m *Manager) Run(ctx context.Context) error {
	defer m.tearDown()

	handle, err := m.connect(ctx, true)
	if err != nil {
		m.tracker.Set(StateError)
		return err
	}

	for {
		// serve returns when the session's receive side ends.
		sessionErr := m.serve(ctx, handle)

		if ctx.Err() != nil {
			m.tracker.Set(StateDisconnected)
			return nil
		}
		if m.isStopped() {
			m.tracker.Set(StateDisconnected)
			return nil
		}

		if sessionErr != nil {
			m.logger.Warn("session dropped", "provider", m.providerName, "error", sessionErr)
			m.log.Append(TagError, fmt.Sprintf("connection lost: %v", sessionErr))
		} else {
			m.logger.Info("session ended by provider", "provider", m.providerName)
			m.log.Append(TagSystem, "session ended, reconnecting")
		}

		handle, err = m.connect(ctx, false)
		if err != nil {
			m.tracker.Set(StateError)
			m.log.Append(TagError, fmt.Sprintf("reconnect failed: %v", err))
			return err
		}
	}
}

// connect establishes a session, retrying with exponential backoff. The
// initial flag only changes log wording.
func (m *Manager) connect(ctx context.Context, initial bool) (realtime.SessionHandle, error) {
	m.tracker.Set(StateConnecting)
	if initial {
		m.log.Append(TagSystem, "connecting to "+m.providerName)
	}

	backoff := m.backoff
	var lastErr error

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		handle, err := m.provider.Connect(ctx, m.sessionCfg)
		if err == nil {
			m.setHandle(handle)
			m.tracker.Set(StateConnected)
			m.log.Append(TagSystem, "connected to "+m.providerName)
			m.logger.Info("session connected", "provider", m.providerName, "attempt", attempt)
			if !initial && m.metrics != nil {
				m.metrics.RecordReconnect(ctx, "ok")
			}
			return handle, nil
		}
		lastErr = err

		m.logger.Warn("connect attempt failed",
			"provider", m.providerName,
			"attempt", attempt,
			"max_retries", m.maxRetries,
			"backoff", backoff,
			"error", err,
		)
		if !initial && m.metrics != nil {
			m.metrics.RecordReconnect(ctx, "failed")
		}

		// No point backing off when there is no attempt left.
		if attempt == m.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, m.maxBackoff)
	}

	return nil, fmt.Errorf("session: giving up after %d attempts: %w", m.maxRetries, lastErr)
}

// serve pumps one session's output until its channels close or ctx ends.
func (m *Manager) serve(ctx context.Context, handle realtime.SessionHandle) error {
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
		defer m.metrics.ActiveSessions.Add(ctx, -1)
	}

	handle.OnInterrupt(func() {
		m.player.Flush()
		m.log.Append(TagSystem, "interrupted")
		if m.metrics != nil {
			m.metrics.Interruptions.Add(ctx, 1)
		}
	})
	handle.OnError(func(err error) {
		m.log.Append(TagError, err.Error())
		if m.metrics != nil {
			m.metrics.RecordProviderError(ctx, m.providerName)
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range handle.Transcripts() {
			m.recordTranscript(ctx, entry)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			handle.Close()
			wg.Wait()
			return nil
		case pcm, ok := <-handle.Audio():
			if !ok {
				wg.Wait()
				handle.Close()
				return handle.Err()
			}
			m.player.Enqueue(pcm)
			if m.metrics != nil {
				m.metrics.RecordAudioReceived(ctx, len(pcm))
			}
		}
	}
}

func (m *Manager) recordTranscript(ctx context.Context, entry realtime.TranscriptEntry) {
	tag := TagModel
	if entry.Speaker == realtime.SpeakerUser {
		tag = TagYou
	}
	m.log.AppendAt(tag, entry.Text, entry.Timestamp)

	if m.metrics != nil {
		m.metrics.RecordTranscript(ctx, string(entry.Speaker))
	}
	if m.history != nil {
		e := Entry{Tag: tag, Text: entry.Text, Timestamp: entry.Timestamp}
		if err := m.history.Append(ctx, m.runID, e); err != nil {
			m.logger.Warn("persisting transcript", "error", err)
		}
	}
}

// SendFrame forwards one captured frame, converting it to the provider's
// input format first. Returns an error when no session is connected.
func (m *Manager) SendFrame(ctx context.Context, f audio.Frame) error {
	handle := m.currentHandle()
	if handle == nil {
		return errors.New("session: not connected")
	}

	caps := m.provider.Capabilities()
	converted := audio.ConvertFrame(f, caps.InputSampleRate, 1)

	start := time.Now()
	if err := handle.SendAudio(converted.Data); err != nil {
		return fmt.Errorf("session: sending audio: %w", err)
	}
	if m.metrics != nil {
		m.metrics.CaptureFrames.Add(ctx, 1)
		m.metrics.RecordAudioSent(ctx, len(converted.Data), time.Since(start).Seconds())
	}
	return nil
}

// SendText injects a typed message, logging it under the "you" tag.
func (m *Manager) SendText(ctx context.Context, text string) error {
	handle := m.currentHandle()
	if handle == nil {
		return errors.New("session: not connected")
	}
	if err := handle.SendText(text); err != nil {
		return fmt.Errorf("session: sending text: %w", err)
	}
	m.log.Append(TagYou, text)
	if m.history != nil {
		e := Entry{Tag: TagYou, Text: text, Timestamp: time.Now()}
		if err := m.history.Append(ctx, m.runID, e); err != nil {
			m.logger.Warn("persisting typed message", "error", err)
		}
	}
	return nil
}

// SendImage attaches an image to the conversation.
func (m *Manager) SendImage(ctx context.Context, mimeType string, data []byte) error {
	handle := m.currentHandle()
	if handle == nil {
		return errors.New("session: not connected")
	}
	if !m.provider.Capabilities().SupportsImages {
		return fmt.Errorf("session: %s does not accept images", m.providerName)
	}
	if err := handle.SendImage(mimeType, data); err != nil {
		return fmt.Errorf("session: sending image: %w", err)
	}
	m.log.Append(TagSystem, fmt.Sprintf("image attached (%s, %d bytes)", mimeType, len(data)))
	return nil
}

// Interrupt stops the current model response: provider-side via the
// session's cancel mechanism where supported, locally by flushing playback
// either way.
func (m *Manager) Interrupt() {
	if handle := m.currentHandle(); handle != nil {
		if err := handle.Interrupt(); err != nil {
			m.logger.Debug("provider interrupt", "error", err)
		}
	}
	m.player.Flush()
	m.log.Append(TagSystem, "interrupted")
}

// Stop ends the session. Run returns after the in-flight receive drains.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	handle := m.handle
	m.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
}

func (m *Manager) tearDown() {
	m.mu.Lock()
	handle := m.handle
	m.handle = nil
	m.mu.Unlock()
	if handle != nil {
		handle.Close()
	}
}

func (m *Manager) setHandle(h realtime.SessionHandle) {
	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
}

func (m *Manager) currentHandle() realtime.SessionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
