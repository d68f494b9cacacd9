package capture

import (
	"math"
	"sync"
)

// Meter tracks input level as a smoothed RMS over the most recent frames,
// normalized to [0, 1].
type Meter struct {
	mu     sync.Mutex
	window []float64
	idx    int
	filled int
}

// NewMeter returns a meter that smooths over the given number of frames.
func NewMeter(window int) *Meter {
	if window <= 0 {
		window = 1
	}
	return &Meter{window: make([]float64, window)}
}

// Push records the RMS of one frame of samples.
func (m *Meter) Push(samples []int16) {
	rms := RMS(samples)
	m.mu.Lock()
	m.window[m.idx] = rms
	m.idx = (m.idx + 1) % len(m.window)
	if m.filled < len(m.window) {
		m.filled++
	}
	m.mu.Unlock()
}

// Level returns the smoothed level, clamped to [0, 1]. Zero before any frame
// arrives.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < m.filled; i++ {
		sum += m.window[i]
	}
	level := sum / float64(m.filled)
	return math.Min(1, math.Max(0, level))
}

// Reset clears the smoothing window.
func (m *Meter) Reset() {
	m.mu.Lock()
	for i := range m.window {
		m.window[i] = 0
	}
	m.idx = 0
	m.filled = 0
	m.mu.Unlock()
}

// RMS computes the root mean square of 16-bit samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(len(samples)))
}
