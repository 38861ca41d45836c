package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cwsl/weathermap/processing/channels"
)

// SourceInfo identifies one signal source and what it advertises
type SourceInfo struct {
	Name       string          `json:"name"`
	Address    string          `json:"address,omitempty"` // Multicast group:port for rtp sources
	SSRC       uint32          `json:"ssrc,omitempty"`
	SampleRate float64         `json:"sample_rate"`
	Layout     channels.Layout `json:"-"`
	Protocol   string          `json:"protocol,omitempty"`
	Host       string          `json:"host,omitempty"` // Announcing host, for mDNS sources
}

// Acquisition delivers the most recent window of samples for one source
type Acquisition interface {
	// SampleRate returns the source sampling rate in Hz
	SampleRate() float64

	// ChannelLayout returns the channel layout as currently reported by the source
	ChannelLayout() channels.Layout

	// LatestWindow blocks until samples newer than the previous call arrive
	// and returns a channels x samples copy of the most recent window.
	// If nothing arrives before the acquisition timeout the current window is
	// returned together with an *AcquisitionTimeout.
	LatestWindow(ctx context.Context) ([][]float64, error)

	// Close releases the source. Blocked LatestWindow calls return.
	Close() error
}

// AcquisitionFactory opens the acquisition for a source
type AcquisitionFactory func(source SourceInfo) (Acquisition, error)

var errAcquisitionClosed = errors.New("acquisition closed")

// windowSamples returns the number of samples in a window of winsize at fs
func windowSamples(winsize time.Duration, fs float64) int {
	return int(math.Round(winsize.Seconds() * fs))
}

// sampleRing is a fixed-capacity channel-major ring of the most recent samples
type sampleRing struct {
	mu       sync.Mutex
	data     [][]float64
	capacity int
	head     int    // next write position
	total    uint64 // samples written since creation
	notify   chan struct{}
	closed   bool
}

func newSampleRing(numChannels, capacity int) *sampleRing {
	if capacity < 1 {
		capacity = 1
	}
	data := make([][]float64, numChannels)
	for ch := range data {
		data[ch] = make([]float64, capacity)
	}
	return &sampleRing{
		data:     data,
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Append writes a channels x n chunk. Chunks with the wrong channel count are ignored.
func (r *sampleRing) Append(chunk [][]float64) bool {
	if len(chunk) != len(r.data) || len(chunk) == 0 {
		return false
	}
	n := len(chunk[0])
	for _, row := range chunk {
		if len(row) != n {
			return false
		}
	}
	if n == 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	start := 0
	if n > r.capacity {
		start = n - r.capacity
	}
	for ch, row := range chunk {
		pos := r.head
		for _, v := range row[start:] {
			r.data[ch][pos] = v
			pos++
			if pos == r.capacity {
				pos = 0
			}
		}
	}
	r.head = (r.head + n - start) % r.capacity
	r.total += uint64(n)

	close(r.notify)
	r.notify = make(chan struct{})
	return true
}

// Snapshot copies the ring oldest first. Unwritten slots read as zero.
func (r *sampleRing) Snapshot() ([][]float64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]float64, len(r.data))
	for ch, row := range r.data {
		w := make([]float64, r.capacity)
		n := copy(w, row[r.head:])
		copy(w[n:], row[:r.head])
		out[ch] = w
	}
	return out, r.total
}

// Close wakes every waiter and rejects further appends
func (r *sampleRing) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.notify)
}

// waitNewer blocks until more than since samples have been written.
// It returns false if the timeout expired first.
func (r *sampleRing) waitNewer(ctx context.Context, since uint64, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return false, errAcquisitionClosed
		}
		if r.total > since {
			r.mu.Unlock()
			return true, nil
		}
		notify := r.notify
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case <-notify:
		}
	}
}

// ringWindow implements LatestWindow on top of a sampleRing
type ringWindow struct {
	source   string
	ring     *sampleRing
	timeout  time.Duration
	lastSeen uint64
}

func (w *ringWindow) latest(ctx context.Context) ([][]float64, error) {
	fresh, err := w.ring.waitNewer(ctx, w.lastSeen, w.timeout)
	if err != nil {
		return nil, err
	}
	window, total := w.ring.Snapshot()
	if !fresh {
		return window, &AcquisitionTimeout{Source: w.source, Waited: w.timeout}
	}
	w.lastSeen = total
	return window, nil
}
