package playback

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// FFplaySink plays s16le PCM by piping it to an ffplay process. Reset kills
// the process and starts a fresh one, which is the only reliable way to drop
// audio ffplay has already buffered internally.
type FFplaySink struct {
	rate int
	ch   int
	log  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewFFplaySink starts ffplay ready to consume PCM at the given format.
func NewFFplaySink(sampleRate, channels int, log *slog.Logger) (*FFplaySink, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &FFplaySink{rate: sampleRate, ch: channels, log: log}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

// start launches a new ffplay process. Caller must not hold s.mu unless
// restarting.
func (s *FFplaySink) start() error {
	layout := "mono"
	if s.ch == 2 {
		layout = "stereo"
	}
	cmd := exec.Command("ffplay",
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprint(s.rate),
		"-ch_layout", layout,
		"-nodisp",
		"-i", "-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("playback: ffplay stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("playback: starting ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.log.Debug("ffplay started", "sample_rate", s.rate, "channels", s.ch)
	return nil
}

// Write pipes pcm to the player.
func (s *FFplaySink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("playback: sink closed")
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		return fmt.Errorf("playback: writing to ffplay: %w", err)
	}
	return nil
}

// Reset restarts the player, discarding anything it had buffered.
func (s *FFplaySink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.stop()
	return s.start()
}

// Close stops the player for good.
func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stop()
	return nil
}

func (s *FFplaySink) stop() {
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	if err := s.cmd.Wait(); err != nil {
		s.log.Debug("ffplay exited", "error", err)
	}
}
