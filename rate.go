package capture

import (
	"fmt"
	"time"
)

// RateMeter estimates a frame rate with a moving average over the intervals
// between the most recent frames.
type RateMeter struct {
	index  int
	filled int
	sum    time.Duration
	values []time.Duration
	last   time.Time
}

// NewRateMeter returns a rate meter averaging over the last size intervals.
func NewRateMeter(size int) (*RateMeter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be > 0")
	}
	return &RateMeter{values: make([]time.Duration, size)}, nil
}

// Observe records a frame seen at t and returns the updated rate in frames
// per second. The first frame yields 0. Frames must be observed in order.
func (m *RateMeter) Observe(t time.Time) float64 {
	if m.last.IsZero() {
		m.last = t
		return 0
	}
	d := t.Sub(m.last)
	m.last = t
	if d < 0 {
		d = 0
	}
	m.sum -= m.values[m.index]
	m.sum += d
	m.values[m.index] = d
	m.index++
	if m.index >= len(m.values) {
		m.index = 0
	}
	if m.filled < len(m.values) {
		m.filled++
	}
	return m.Rate()
}

// Rate returns the current rate in frames per second, 0 until two frames
// have been observed.
func (m *RateMeter) Rate() float64 {
	if m.filled == 0 || m.sum <= 0 {
		return 0
	}
	return float64(m.filled) / m.sum.Seconds()
}
