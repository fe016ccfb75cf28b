// Package audio provides the PCM frame type and the signal helpers shared by
// the capture and playback pipelines: RMS level metering and sample-rate /
// channel-layout conversion.
//
// All PCM throughout Cadenza is little-endian signed 16-bit ("s16le"), the
// only format the hosted realtime speech APIs accept and emit.
package audio

import "time"

// Frame is a fixed-length block of raw PCM samples pulled from the capture
// device. Frames are the atomic unit of the input pipeline: the capture tap
// reads one frame at a time, meters it, and hands it to the live session.
type Frame struct {
	// Data holds little-endian int16 PCM. Length is fixed per tap
	// configuration (frame duration × sample rate × channels × 2).
	Data []byte

	// SampleRate in Hz (e.g. 24000 for the OpenAI Realtime input format,
	// 16000 for Gemini Live).
	SampleRate int

	// Channels is 1 for mono or 2 for interleaved stereo.
	Channels int

	// Offset is the capture position of this frame relative to stream start.
	Offset time.Duration
}

// Duration returns the play time of the frame at its own format.
func (f Frame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// PCMDuration returns the play time of n bytes of s16le PCM at the given
// format. Returns 0 for non-positive sizes, rates, or channel counts.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	bytesPerSecond := sampleRate * channels * 2
	if bytesPerSecond <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bytesPerSecond))
}
