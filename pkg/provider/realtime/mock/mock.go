// Package mock provides an in-memory realtime.Provider for tests. The mock
// session records everything sent to it and lets the test script incoming
// audio, transcripts, interruptions and errors.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/provider/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*Session)(nil)

// Provider hands out mock sessions. Zero value is usable.
type Provider struct {
	// ConnectErr, when set, is returned by Connect instead of a session.
	ConnectErr error

	// Caps is returned by Capabilities. Zero value reports 24 kHz both ways.
	Caps realtime.Capabilities

	mu       sync.Mutex
	sessions []*Session
}

// Connect returns a fresh mock session, or ConnectErr if set.
func (p *Provider) Connect(_ context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := NewSession()
	s.Config = cfg
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Capabilities returns Caps, defaulting the sample rates to 24 kHz.
func (p *Provider) Capabilities() realtime.Capabilities {
	caps := p.Caps
	if caps.InputSampleRate == 0 {
		caps.InputSampleRate = 24000
	}
	if caps.OutputSampleRate == 0 {
		caps.OutputSampleRate = 24000
	}
	return caps
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Session is a scriptable realtime session.
type Session struct {
	// Config is the SessionConfig passed to Connect.
	Config realtime.SessionConfig

	// SendErr, when set, is returned by SendAudio, SendText and SendImage.
	SendErr error

	audioCh     chan []byte
	transcripts chan realtime.TranscriptEntry

	mu               sync.Mutex
	sentAudio        [][]byte
	sentTexts        []string
	sentImages       []SentImage
	interrupts       int
	closed           bool
	errVal           error
	interruptHandler func()
	errorHandler     func(error)

	closeOnce sync.Once
}

// SentImage records one SendImage call.
type SentImage struct {
	MIMEType string
	Data     []byte
}

// NewSession creates a standalone mock session.
func NewSession() *Session {
	return &Session{
		audioCh:     make(chan []byte, 64),
		transcripts: make(chan realtime.TranscriptEntry, 16),
	}
}

// ── scripting (test-facing) ────────────────────────────────────────────────────

// EmitAudio delivers pcm on the Audio channel.
func (s *Session) EmitAudio(pcm []byte) { s.audioCh <- pcm }

// EmitTranscript delivers a transcript entry.
func (s *Session) EmitTranscript(speaker realtime.Speaker, text string) {
	s.transcripts <- realtime.TranscriptEntry{Speaker: speaker, Text: text, Timestamp: time.Now()}
}

// FireInterrupt invokes the registered OnInterrupt callback, if any.
func (s *Session) FireInterrupt() {
	s.mu.Lock()
	handler := s.interruptHandler
	s.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// FireError invokes the registered OnError callback, if any.
func (s *Session) FireError(err error) {
	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// Fail ends the session abnormally: err becomes the session error and the
// channels close.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
	})
}

// SentAudio returns every chunk passed to SendAudio.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sentAudio...)
}

// SentTexts returns every message passed to SendText.
func (s *Session) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sentTexts...)
}

// SentImages returns every image passed to SendImage.
func (s *Session) SentImages() []SentImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentImage(nil), s.sentImages...)
}

// Interrupts returns how many times Interrupt was called.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── realtime.SessionHandle ─────────────────────────────────────────────────────

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sentAudio = append(s.sentAudio, cp)
	return nil
}

func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sentTexts = append(s.sentTexts, text)
	return nil
}

func (s *Session) SendImage(mimeType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sentImages = append(s.sentImages, SentImage{MIMEType: mimeType, Data: cp})
	return nil
}

func (s *Session) Audio() <-chan []byte { return s.audioCh }

func (s *Session) Transcripts() <-chan realtime.TranscriptEntry { return s.transcripts }

func (s *Session) OnInterrupt(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptHandler = fn
}

func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = fn
}

func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return nil
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
	})
	return nil
}
