// Package realtime defines the Provider interface for hosted realtime speech
// backends.
//
// A realtime provider wraps a bidirectional voice API that accepts raw audio
// input and streams synthesised audio output over a single stateful session —
// no separate STT → LLM → TTS hops. Examples are the OpenAI Realtime API and
// Gemini Live.
//
// The central abstraction is SessionHandle: a multiplexed channel carrying
// microphone audio up and model audio plus transcripts down, with a text and
// image side channel for content that is not spoken. Sessions are long-lived
// (seconds to minutes).
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"time"
)

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	// SpeakerUser marks the provider's recognition of the user's speech.
	SpeakerUser Speaker = "user"
	// SpeakerModel marks text the model generated alongside its audio.
	SpeakerModel Speaker = "model"
)

// TranscriptEntry is one line of session text: either the provider's
// transcription of user speech or the text form of a model response.
type TranscriptEntry struct {
	// Speaker is who said it.
	Speaker Speaker

	// Text is the transcript content. Providers that stream partial text
	// emit one entry per completed utterance, not per token.
	Text string

	// Timestamp is when the entry was received from the provider.
	Timestamp time.Time
}

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Voice selects the synthesised voice by provider-specific name. Empty
	// uses the provider default.
	Voice string

	// Instructions is the system-level prompt shaping the assistant's
	// behaviour for the whole session.
	Instructions string
}

// Capabilities describes static properties of a realtime provider. The
// values are constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM sample rate in Hz the provider expects on
	// SendAudio. Input is always mono s16le.
	InputSampleRate int

	// OutputSampleRate is the PCM sample rate in Hz of the audio the
	// provider emits. Output is always mono s16le.
	OutputSampleRate int

	// MaxSessionDuration is the provider's hard session lifetime limit.
	// Zero means no documented limit.
	MaxSessionDuration time.Duration

	// SupportsImages reports whether SendImage is implemented.
	SupportsImages bool
}

// SessionHandle represents an open realtime session. It is an interface so
// test code can supply mock implementations without a live connection.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. Audio I/O is channel-based so the caller's audio loop never
// blocks on the network. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one chunk of raw mono s16le PCM at the provider's
	// input sample rate. Returns an error if the session is closed or the
	// chunk cannot be transmitted.
	SendAudio(chunk []byte) error

	// SendText injects a typed user message into the conversation and asks
	// the model to respond, as if the text had been spoken.
	SendText(text string) error

	// SendImage attaches an image to the conversation for the model to
	// discuss. mimeType is e.g. "image/jpeg" or "image/png". Providers
	// whose Capabilities report SupportsImages false return an error.
	SendImage(mimeType string, data []byte) error

	// Audio returns a read-only channel emitting raw mono s16le PCM chunks
	// as the model speaks. The channel is closed when the session ends or a
	// mid-stream error occurs; check [SessionHandle.Err] afterwards.
	// Consumers must drain promptly to keep the receive loop moving.
	Audio() <-chan []byte

	// Transcripts returns a read-only channel emitting TranscriptEntry
	// values for both user speech and model responses. Closed when the
	// session ends.
	Transcripts() <-chan TranscriptEntry

	// OnInterrupt registers a callback invoked when the provider detects
	// the user speaking over the model (barge-in). The callback runs on the
	// session's receive goroutine and must not block; typical use is
	// flushing the local playback queue. Only one callback is active at a
	// time; nil clears it.
	OnInterrupt(fn func())

	// OnError registers a callback for non-fatal provider errors that do
	// not end the session. Runs on the receive goroutine. Nil clears it.
	OnError(fn func(error))

	// Interrupt asks the provider to stop generating the current response
	// and discard its buffered audio. Use for locally initiated barge-in.
	Interrupt() error

	// Err returns the error that caused the Audio channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// Close terminates the session, releases resources, and closes the
	// Audio and Transcripts channels. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any hosted realtime speech backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned SessionHandle is ready to accept audio immediately. The
	// caller owns the handle and must call Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider's model.
	Capabilities() Capabilities
}
