package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
)

// FFmpegSource captures microphone audio by running ffmpeg with the
// platform's default input device and reading s16le PCM from its stdout.
type FFmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewFFmpegSource starts an ffmpeg process capturing from device at the given
// format. An empty device selects the platform default. The returned source
// is ready to Read immediately.
func NewFFmpegSource(ctx context.Context, device string, sampleRate, channels int) (*FFmpegSource, error) {
	inFormat, inDevice := defaultInput(device)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", inFormat,
		"-i", inDevice,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", fmt.Sprint(channels),
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture: ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("capture: starting ffmpeg: %w", err)
	}
	slog.Debug("ffmpeg capture started", "format", inFormat, "device", inDevice,
		"sample_rate", sampleRate, "channels", channels)

	return &FFmpegSource{cmd: cmd, stdout: stdout, cancel: cancel}, nil
}

// defaultInput maps the host OS to an ffmpeg input format and device name.
func defaultInput(device string) (format, dev string) {
	switch runtime.GOOS {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		return "avfoundation", device
	case "windows":
		if device == "" {
			device = "audio=default"
		}
		return "dshow", device
	default:
		if device == "" {
			device = "default"
		}
		return "alsa", device
	}
}

// Read returns captured PCM bytes. It blocks until ffmpeg produces data.
func (s *FFmpegSource) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close stops the ffmpeg process and releases the input device. Safe to call
// more than once.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.cmd.Wait()
	})
	return s.closeErr
}
