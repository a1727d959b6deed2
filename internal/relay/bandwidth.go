package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBandwidthWindowSize is the number of samples kept for the
// rolling average.
const DefaultBandwidthWindowSize = 6

// bandwidthSample is a single measurement: bytes transferred during one
// sampling interval.
type bandwidthSample struct {
	bytes    uint64
	interval time.Duration
}

// BandwidthTracker tracks bytes transferred and computes a rolling
// byte rate. Add is lock-free so the hot path never contends with the
// sampler.
type BandwidthTracker struct {
	totalBytes atomic.Uint64

	mu         sync.Mutex
	samples    []bandwidthSample
	windowSize int
	lastBytes  uint64
	lastSample time.Time
}

// NewBandwidthTracker creates a tracker with the default window.
func NewBandwidthTracker() *BandwidthTracker {
	return &BandwidthTracker{
		windowSize: DefaultBandwidthWindowSize,
		lastSample: time.Now(),
	}
}

// Add records bytes transferred.
func (t *BandwidthTracker) Add(bytes uint64) {
	t.totalBytes.Add(bytes)
}

// TotalBytes returns the cumulative bytes transferred.
func (t *BandwidthTracker) TotalBytes() uint64 {
	return t.totalBytes.Load()
}

// Sample records the delta since the previous call and returns the rate
// over that interval in bytes per second. Call periodically from the
// metrics sampler.
func (t *BandwidthTracker) Sample() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	interval := now.Sub(t.lastSample)
	if interval <= 0 {
		return 0
	}

	current := t.totalBytes.Load()
	delta := current - t.lastBytes

	t.samples = append(t.samples, bandwidthSample{bytes: delta, interval: interval})
	if len(t.samples) > t.windowSize {
		t.samples = t.samples[len(t.samples)-t.windowSize:]
	}
	t.lastBytes = current
	t.lastSample = now

	return uint64(float64(delta) / interval.Seconds())
}

// CurrentBps returns the rolling average rate across the window.
func (t *BandwidthTracker) CurrentBps() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var bytes uint64
	var span time.Duration
	for _, s := range t.samples {
		bytes += s.bytes
		span += s.interval
	}
	if span <= 0 {
		return 0
	}
	return uint64(float64(bytes) / span.Seconds())
}
