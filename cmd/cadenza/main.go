// Command cadenza is a terminal voice assistant client. It streams the
// microphone to a realtime speech provider, plays the model's replies
// gap-free, and accepts typed text and images on stdin as a side channel.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cadenza-voice/cadenza/internal/app"
	"github.com/cadenza-voice/cadenza/internal/config"
	"github.com/cadenza-voice/cadenza/internal/observe"
	"github.com/cadenza-voice/cadenza/internal/session"
	"github.com/cadenza-voice/cadenza/pkg/provider/realtime"
	"github.com/cadenza-voice/cadenza/pkg/provider/realtime/gemini"
	"github.com/cadenza-voice/cadenza/pkg/provider/realtime/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadenza: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "cadenza"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.Create(cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}

	slog.Info("cadenza starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"model", cfg.Provider.Model,
		"metrics_addr", cfg.Server.MetricsAddr,
	)

	application, err := app.New(ctx, cfg, provider,
		app.WithStateFunc(func(old, new session.State) {
			fmt.Printf("\r[%s]\n", new)
		}),
		app.WithEntryFunc(func(e session.Entry) {
			fmt.Printf("%s  %-6s  %s\n", e.Timestamp.Format("15:04:05"), e.Tag, e.Text)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	go readStdin(ctx, application, stop)

	slog.Info("ready — type to chat, /image <path> to send a picture, Ctrl+C to quit")

	runErr := application.Run(ctx)

	// Tear down the subsystems whether Run ended cleanly or not; the capture
	// process, history pool, and session must not outlive the loop.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds a text slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// registerBuiltinProviders wires the realtime provider factories that ship
// with Cadenza into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("openai-realtime", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	reg.Register("gemini-live", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})
}

// readStdin is the typed side channel: plain lines go to the model as text,
// /image sends a picture, /interrupt cuts the model off, /quit exits.
func readStdin(ctx context.Context, a *app.App, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			stop()
			return
		case line == "/interrupt":
			a.Manager().Interrupt()
		case strings.HasPrefix(line, "/image "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/image "))
			if err := sendImage(ctx, a, path); err != nil {
				slog.Error("image send failed", "path", path, "err", err)
			}
		default:
			if err := a.Manager().SendText(ctx, line); err != nil {
				slog.Error("text send failed", "err", err)
			}
		}
	}
}

// sendImage reads the file at path and ships it with a MIME type derived
// from the file extension.
func sendImage(ctx context.Context, a *app.App, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return a.Manager().SendImage(ctx, mimeType, data)
}
