package audio

import (
	"math"
	"sync"
)

// RMS returns the root-mean-square level of little-endian int16 PCM,
// normalised to [0, 1]. A trailing odd byte is ignored. Empty input
// returns 0.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}

// Meter tracks a smoothed audio level suitable for driving a visualiser or a
// gauge. Each Observe call feeds one frame's RMS into an exponential moving
// average. Safe for concurrent use.
type Meter struct {
	alpha float64

	mu    sync.Mutex
	level float64
	peak  float64
}

// NewMeter creates a Meter with the given smoothing factor in (0, 1]. Higher
// values react faster; 1 disables smoothing entirely. Values outside the
// range are clamped.
func NewMeter(alpha float64) *Meter {
	if alpha <= 0 {
		alpha = 0.25
	}
	if alpha > 1 {
		alpha = 1
	}
	return &Meter{alpha: alpha}
}

// Observe feeds one PCM frame into the meter and returns the updated
// smoothed level.
func (m *Meter) Observe(pcm []byte) float64 {
	r := RMS(pcm)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.level += m.alpha * (r - m.level)
	if r > m.peak {
		m.peak = r
	}
	return m.level
}

// Level returns the current smoothed level in [0, 1].
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Peak returns the highest instantaneous RMS observed since the last Reset.
func (m *Meter) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Reset clears the smoothed level and the peak.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = 0
	m.peak = 0
}
