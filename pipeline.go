package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cwsl/weathermap/processing/bandpower"
	"github.com/cwsl/weathermap/processing/calibration"
	"github.com/cwsl/weathermap/processing/channels"
)

// LoopState is the lifecycle state of a FeedbackLoop
type LoopState int32

const (
	StateConfiguring LoopState = iota
	StateBuffering
	StateRunning
	StateStopped
)

func (s LoopState) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateBuffering:
		return "buffering"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PipelineSettings are the per-pipeline copy of the feedback configuration
type PipelineSettings struct {
	Band                   bandpower.Band
	WinSize                time.Duration
	CommonAverageReference bool
	Exclude                []string
	Renames                map[string]string
	TriggerChannels        []string
}

// settingsFromConfig copies the shared configuration so pipelines never alias it
func settingsFromConfig(fc FeedbackConfig) PipelineSettings {
	renames := make(map[string]string, len(fc.RenameChannels))
	for from, to := range fc.RenameChannels {
		renames[from] = to
	}
	return PipelineSettings{
		Band:                   fc.Band,
		WinSize:                fc.WindowDuration(),
		CommonAverageReference: fc.CommonAverageReference,
		Exclude:                append([]string(nil), fc.ExcludeChannels...),
		Renames:                renames,
		TriggerChannels:        append([]string(nil), fc.TriggerChannels...),
	}
}

// PipelineSnapshot is the published result of the most recent cycle
type PipelineSnapshot struct {
	Source    string    `json:"source"`
	Cycle     uint64    `json:"cycle"`
	Timestamp time.Time `json:"timestamp"`
	Channels  []string  `json:"channels"`
	PowerDB   []float64 `json:"power_db"`
	Bounds    Bounds    `json:"bounds"`
	Label     string    `json:"label,omitempty"`
	WarmedUp  bool      `json:"warmed_up"`
}

// FeedbackLoop runs acquire -> select -> estimate -> calibrate -> render for
// one source until its context is cancelled.
type FeedbackLoop struct {
	source      SourceInfo
	settings    PipelineSettings
	acq         Acquisition
	newRenderer RendererFactory
	metrics     *PrometheusMetrics

	// sleep implements the buffering wait; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	// Owned by the loop goroutine
	fs              float64
	expectedSamples int
	selection       *channels.Selection
	calibrator      *calibration.RangeCalibrator
	renderer        Renderer
	triggerIdx      int

	state  atomic.Int32
	cycles atomic.Uint64
	latest atomic.Pointer[PipelineSnapshot]
}

// NewFeedbackLoop creates a loop in the Configuring state
func NewFeedbackLoop(source SourceInfo, acq Acquisition, newRenderer RendererFactory, settings PipelineSettings, metrics *PrometheusMetrics) *FeedbackLoop {
	fl := &FeedbackLoop{
		source:      source,
		settings:    settings,
		acq:         acq,
		newRenderer: newRenderer,
		metrics:     metrics,
		sleep:       sleepContext,
		triggerIdx:  -1,
	}
	fl.state.Store(int32(StateConfiguring))
	return fl
}

// State returns the current lifecycle state
func (fl *FeedbackLoop) State() LoopState {
	return LoopState(fl.state.Load())
}

// Cycles returns the number of completed cycles
func (fl *FeedbackLoop) Cycles() uint64 {
	return fl.cycles.Load()
}

// Latest returns the snapshot of the last completed cycle, or nil
func (fl *FeedbackLoop) Latest() *PipelineSnapshot {
	return fl.latest.Load()
}

func (fl *FeedbackLoop) setState(s LoopState) {
	fl.state.Store(int32(s))
	fl.metrics.SetPipelineState(fl.source.Name, s)
}

// Run executes the state machine. It returns nil when stopped through ctx
// and an error when the pipeline had to terminate.
func (fl *FeedbackLoop) Run(ctx context.Context) error {
	defer fl.setState(StateStopped)

	fl.setState(StateConfiguring)
	if err := fl.configure(); err != nil {
		return err
	}
	defer fl.closeRenderer()

	fl.setState(StateBuffering)
	log.Printf("Pipeline %s: buffer: waiting for an entire %.2f seconds buffer to be filled", fl.source.Name, fl.settings.WinSize.Seconds())
	if err := fl.sleep(ctx, fl.settings.WinSize); err != nil {
		return nil
	}
	log.Printf("Pipeline %s: buffer: ready", fl.source.Name)

	fl.setState(StateRunning)
	for ctx.Err() == nil {
		if err := fl.cycle(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, errAcquisitionClosed) {
				return nil
			}
			return err
		}
	}
	return nil
}

// configure resolves the source parameters and builds the per-pipeline state
func (fl *FeedbackLoop) configure() error {
	fl.fs = fl.acq.SampleRate()
	fl.expectedSamples = windowSamples(fl.settings.WinSize, fl.fs)
	if !(fl.fs > 0) {
		return &ConfigurationError{Field: "sample_rate", Reason: fmt.Sprintf("source %s", fl.source.Name), Err: &bandpower.InvalidSampleRateError{SampleRate: fl.fs}}
	}
	if fl.expectedSamples < 2 {
		return &ConfigurationError{Field: "feedback.winsize", Reason: fmt.Sprintf("%v holds fewer than 2 samples at %g Hz", fl.settings.WinSize, fl.fs)}
	}
	if bandpower.BinCount(fl.expectedSamples, fl.fs, fl.settings.Band) == 0 {
		return &ConfigurationError{Field: "feedback.band", Reason: fmt.Sprintf("%v contains no frequency bin at %g Hz resolution", fl.settings.Band, fl.fs/float64(fl.expectedSamples))}
	}

	layout := fl.acq.ChannelLayout().Rename(fl.settings.Renames)
	selection, err := channels.NewSelection(layout, channels.ExclusionSet(layout, fl.settings.Exclude))
	if err != nil {
		return &ConfigurationError{Field: "feedback.exclude_channels", Reason: fmt.Sprintf("source %s", fl.source.Name), Err: err}
	}
	fl.selection = selection

	fl.triggerIdx = layout.IndexOfRole(channels.RoleTrigger)
	if fl.triggerIdx < 0 {
		fl.triggerIdx = layout.IndexOfName(fl.settings.TriggerChannels...)
	}

	source := fl.source.Name
	fl.calibrator = calibration.NewRangeCalibrator(func(cycles uint64) {
		log.Printf("Pipeline %s: calibration warmed up after %d cycles", source, cycles)
		fl.metrics.SetCalibrationWarmedUp(source)
	})

	renderer, err := fl.newRenderer(fl.source)
	if err != nil {
		return &ConfigurationError{Field: "renderer", Reason: fmt.Sprintf("source %s", fl.source.Name), Err: err}
	}
	fl.renderer = renderer

	log.Printf("Pipeline %s: %d of %d channels at %g Hz, band %v, window %v (%d samples)",
		fl.source.Name, selection.Len(), len(layout), fl.fs, fl.settings.Band, fl.settings.WinSize, fl.expectedSamples)
	if DebugMode {
		log.Printf("DEBUG: Pipeline %s: channels %v, trigger index %d", fl.source.Name, selection.Names(), fl.triggerIdx)
	}
	return nil
}

// cycle runs one acquire -> render pass
func (fl *FeedbackLoop) cycle(ctx context.Context) error {
	start := time.Now()

	window, err := fl.acq.LatestWindow(ctx)
	if err != nil {
		if !IsAcquisitionTimeout(err) || window == nil {
			return err
		}
		log.Printf("Warning: %v, using most recent window", err)
		fl.metrics.RecordAcquisitionTimeout(fl.source.Name)
	}

	if fs := fl.acq.SampleRate(); fs != fl.fs {
		return &SignalShapeError{Source: fl.source.Name, Err: fmt.Errorf("sample rate changed from %g to %g Hz", fl.fs, fs)}
	}
	if err := fl.selection.Verify(fl.acq.ChannelLayout().Rename(fl.settings.Renames)); err != nil {
		return &ConfigurationError{Field: "channel_layout", Reason: fmt.Sprintf("source %s", fl.source.Name), Err: err}
	}

	selected, err := fl.selection.Apply(window)
	if err != nil {
		return &SignalShapeError{Source: fl.source.Name, Err: err}
	}
	if n := len(selected[0]); n != fl.expectedSamples {
		return &SignalShapeError{Source: fl.source.Name, Err: fmt.Errorf("window has %d samples, expected %d", n, fl.expectedSamples)}
	}

	label := fl.triggerLabel(window)

	if fl.settings.CommonAverageReference {
		bandpower.CommonAverage(selected)
	}

	power, err := bandpower.Estimate(selected, fl.fs, fl.settings.Band, true)
	if err != nil {
		var shapeErr *bandpower.InvalidShapeError
		if errors.As(err, &shapeErr) {
			return &SignalShapeError{Source: fl.source.Name, Err: err}
		}
		return &ConfigurationError{Field: "feedback", Reason: fmt.Sprintf("source %s", fl.source.Name), Err: err}
	}

	fl.calibrator.Observe(power)
	low, high := fl.calibrator.Bounds()
	bounds := Bounds{Low: low, High: high}
	names := fl.selection.Names()
	cycle := fl.cycles.Add(1)

	if err := fl.render(power, bounds, names, label); err != nil {
		renderErr := &RenderError{Source: fl.source.Name, Cycle: cycle, Err: err}
		log.Printf("ERROR: %v", renderErr)
		fl.metrics.RecordRenderError(fl.source.Name)
	}

	fl.latest.Store(&PipelineSnapshot{
		Source:    fl.source.Name,
		Cycle:     cycle,
		Timestamp: start,
		Channels:  names,
		PowerDB:   power,
		Bounds:    bounds,
		Label:     label,
		WarmedUp:  fl.calibrator.WarmedUp(),
	})
	fl.metrics.RecordCycle(fl.source.Name, time.Since(start), names, power, bounds)

	if CycleTrace {
		log.Printf("DEBUG: Pipeline %s: cycle %d in %v, range %.2f..%.2f dB", fl.source.Name, cycle, time.Since(start), low, high)
	}
	return nil
}

// render calls the renderer, turning a panic into an error
func (fl *FeedbackLoop) render(power []float64, bounds Bounds, names []string, label string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("renderer panic: %v", r)
		}
	}()
	return fl.renderer.Render(power, bounds, names, label)
}

// triggerLabel returns the last non-zero trigger value in the window, or ""
func (fl *FeedbackLoop) triggerLabel(window [][]float64) string {
	if fl.triggerIdx < 0 || fl.triggerIdx >= len(window) {
		return ""
	}
	row := window[fl.triggerIdx]
	for i := len(row) - 1; i >= 0; i-- {
		if row[i] != 0 {
			return strconv.FormatFloat(row[i], 'g', -1, 64)
		}
	}
	return ""
}

func (fl *FeedbackLoop) closeRenderer() {
	if c, ok := fl.renderer.(Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("Warning: pipeline %s: closing renderer: %v", fl.source.Name, err)
		}
	}
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
