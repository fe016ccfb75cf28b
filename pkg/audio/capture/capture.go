// Package capture reads microphone PCM and fans it out to the live session
// and the level meter. A Tap owns the read loop: it pulls fixed-duration
// frames from a Source, meters each one, and hands it to the frame callback.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// Source delivers a raw s16le PCM byte stream from an input device. Read
// blocks until data is available; Close releases the device and unblocks any
// pending Read.
type Source interface {
	io.ReadCloser
}

// Config describes the stream a Tap pulls from its Source.
type Config struct {
	// SampleRate of the source stream in Hz.
	SampleRate int
	// Channels of the source stream, 1 or 2.
	Channels int
	// FrameDuration is how much audio each frame carries. Zero means 20ms.
	FrameDuration time.Duration
}

func (c Config) validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Channels != 1 && c.Channels != 2 {
		errs = append(errs, fmt.Errorf("channels must be 1 or 2, got %d", c.Channels))
	}
	return errors.Join(errs...)
}

// frameBytes returns the byte length of one frame at the configured format.
func (c Config) frameBytes() int {
	d := c.FrameDuration
	if d <= 0 {
		d = 20 * time.Millisecond
	}
	n := int(int64(c.SampleRate) * int64(c.Channels) * 2 * int64(d) / int64(time.Second))
	// Keep sample alignment for odd durations.
	return n - n%(c.Channels*2)
}

// Option configures a Tap.
type Option func(*Tap)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(t *Tap) {
		t.log = log
	}
}

// WithMeter sets the level meter fed by every frame. Defaults to a meter
// with standard smoothing.
func WithMeter(m *audio.Meter) Option {
	return func(t *Tap) {
		t.meter = m
	}
}

// WithLevelFunc registers a callback invoked after each frame with the
// smoothed level in [0, 1]. Called from the read loop goroutine.
func WithLevelFunc(fn func(level float64)) Option {
	return func(t *Tap) {
		t.onLevel = fn
	}
}

// Tap pulls fixed frames from a Source and forwards them to a callback.
// Create one with New and drive it with Run; a Tap is single-use.
type Tap struct {
	src     Source
	cfg     Config
	onFrame func(audio.Frame)

	log     *slog.Logger
	meter   *audio.Meter
	onLevel func(float64)
}

// New creates a Tap reading from src. Every complete frame is passed to
// onFrame from the read loop goroutine, so the callback must not block for
// longer than a frame duration or capture will fall behind the device.
func New(src Source, cfg Config, onFrame func(audio.Frame), opts ...Option) (*Tap, error) {
	if src == nil {
		return nil, errors.New("capture: nil source")
	}
	if onFrame == nil {
		return nil, errors.New("capture: nil frame callback")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("capture: invalid config: %w", err)
	}

	t := &Tap{
		src:     src,
		cfg:     cfg,
		onFrame: onFrame,
		log:     slog.Default(),
		meter:   audio.NewMeter(0.25),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Meter returns the tap's level meter.
func (t *Tap) Meter() *audio.Meter {
	return t.meter
}

// Run reads frames until the source ends, a read fails, or ctx is cancelled.
// It closes the source on the way out. A clean end of stream returns nil.
func (t *Tap) Run(ctx context.Context) error {
	// Close the source when ctx ends so the blocked Read returns.
	stop := context.AfterFunc(ctx, func() {
		if err := t.src.Close(); err != nil {
			t.log.Debug("closing capture source", "error", err)
		}
	})
	defer stop()
	defer t.src.Close()

	frameLen := t.cfg.frameBytes()
	buf := make([]byte, frameLen)
	var offset time.Duration

	for {
		n, err := io.ReadFull(t.src, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				t.log.Debug("capture source ended", "read", n)
				return nil
			}
			return fmt.Errorf("capture: reading source: %w", err)
		}

		data := make([]byte, frameLen)
		copy(data, buf)
		frame := audio.Frame{
			Data:       data,
			SampleRate: t.cfg.SampleRate,
			Channels:   t.cfg.Channels,
			Offset:     offset,
		}
		offset += frame.Duration()

		level := t.meter.Observe(frame.Data)
		if t.onLevel != nil {
			t.onLevel(level)
		}
		t.onFrame(frame)
	}
}
