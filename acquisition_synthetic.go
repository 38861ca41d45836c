package main

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cwsl/weathermap/processing/channels"
	"gonum.org/v1/gonum/stat/distuv"
)

// SyntheticAcquisition generates a sine on every signal channel, with optional
// Gaussian noise and periodic trigger pulses. It stands in for an amplifier.
type SyntheticAcquisition struct {
	source SourceInfo
	cfg    SyntheticConfig
	ring   *sampleRing
	window *ringWindow
	noise  *distuv.Normal

	sample uint64 // index of the next generated sample
	pulses int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyntheticAcquisition creates the generator without starting it
func NewSyntheticAcquisition(source SourceInfo, cfg SyntheticConfig, winsize, timeout time.Duration, seed uint64) *SyntheticAcquisition {
	ring := newSampleRing(len(source.Layout), windowSamples(winsize, source.SampleRate))
	sa := &SyntheticAcquisition{
		source: source,
		cfg:    cfg,
		ring:   ring,
		window: &ringWindow{source: source.Name, ring: ring, timeout: timeout},
		done:   make(chan struct{}),
	}
	if cfg.Noise > 0 {
		sa.noise = &distuv.Normal{Mu: 0, Sigma: cfg.Noise, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	}
	return sa
}

// Start pushes a chunk every chunk_ms until ctx is cancelled or Close is called
func (sa *SyntheticAcquisition) Start(ctx context.Context) {
	ctx, sa.cancel = context.WithCancel(ctx)
	interval := time.Duration(sa.cfg.ChunkMs) * time.Millisecond
	perChunk := int(math.Max(1, math.Round(sa.source.SampleRate*interval.Seconds())))

	go func() {
		defer close(sa.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sa.ring.Append(sa.Generate(perChunk))
			}
		}
	}()
}

// Generate returns the next n samples of every channel
func (sa *SyntheticAcquisition) Generate(n int) [][]float64 {
	fs := sa.source.SampleRate
	triggerEvery := uint64(0)
	if sa.cfg.TriggerSec > 0 {
		triggerEvery = uint64(math.Round(sa.cfg.TriggerSec * fs))
	}

	chunk := make([][]float64, len(sa.source.Layout))
	for ch := range chunk {
		chunk[ch] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		idx := sa.sample + uint64(i)
		v := sa.cfg.Amplitude * math.Sin(2*math.Pi*sa.cfg.Frequency*float64(idx)/fs)
		pulse := triggerEvery > 0 && idx > 0 && idx%triggerEvery == 0
		if pulse {
			sa.pulses++
		}
		for ch, info := range sa.source.Layout {
			switch {
			case info.Role == channels.RoleTrigger:
				if pulse {
					chunk[ch][i] = float64(sa.pulses)
				}
			case sa.noise != nil:
				chunk[ch][i] = v + sa.noise.Rand()
			default:
				chunk[ch][i] = v
			}
		}
	}
	sa.sample += uint64(n)
	return chunk
}

func (sa *SyntheticAcquisition) SampleRate() float64 {
	return sa.source.SampleRate
}

func (sa *SyntheticAcquisition) ChannelLayout() channels.Layout {
	return sa.source.Layout
}

func (sa *SyntheticAcquisition) LatestWindow(ctx context.Context) ([][]float64, error) {
	return sa.window.latest(ctx)
}

// Close stops the generator without waiting for it
func (sa *SyntheticAcquisition) Close() error {
	if sa.cancel != nil {
		sa.cancel()
	}
	sa.ring.Close()
	return nil
}
