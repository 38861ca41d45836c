package main

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PipelineHandle refers to one running pipeline
type PipelineHandle struct {
	ID      string
	Source  SourceInfo
	Loop    *FeedbackLoop
	Started time.Time

	acq    Acquisition
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed once the pipeline goroutine has returned
func (h *PipelineHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error that terminated the pipeline, if any
func (h *PipelineHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *PipelineHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// PipelineStatus is the externally visible view of a pipeline
type PipelineStatus struct {
	ID      string            `json:"id"`
	Source  SourceInfo        `json:"source"`
	State   string            `json:"state"`
	Cycles  uint64            `json:"cycles"`
	Started time.Time         `json:"started"`
	Error   string            `json:"error,omitempty"`
	Latest  *PipelineSnapshot `json:"latest,omitempty"`
}

// Status returns a point-in-time view of the pipeline
func (h *PipelineHandle) Status() PipelineStatus {
	status := PipelineStatus{
		ID:      h.ID,
		Source:  h.Source,
		State:   h.Loop.State().String(),
		Cycles:  h.Loop.Cycles(),
		Started: h.Started,
		Latest:  h.Loop.Latest(),
	}
	if err := h.Err(); err != nil {
		status.Error = err.Error()
	}
	return status
}

// PipelineSupervisor starts one isolated FeedbackLoop per source. A failure
// in one pipeline never affects the others.
type PipelineSupervisor struct {
	settings        PipelineSettings
	openAcquisition AcquisitionFactory
	newRenderer     RendererFactory
	metrics         *PrometheusMetrics

	// sleep overrides the buffering wait of new loops when set
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	handles []*PipelineHandle
}

// NewPipelineSupervisor creates a supervisor. Every pipeline gets its own copy of settings.
func NewPipelineSupervisor(settings PipelineSettings, openAcquisition AcquisitionFactory, newRenderer RendererFactory, metrics *PrometheusMetrics) *PipelineSupervisor {
	return &PipelineSupervisor{
		settings:        settings,
		openAcquisition: openAcquisition,
		newRenderer:     newRenderer,
		metrics:         metrics,
	}
}

// Start launches a pipeline for each source. If an acquisition cannot be
// opened the pipelines already started are stopped and the error returned.
func (ps *PipelineSupervisor) Start(ctx context.Context, sources []SourceInfo) ([]*PipelineHandle, error) {
	handles := make([]*PipelineHandle, 0, len(sources))
	for _, source := range sources {
		acq, err := ps.openAcquisition(source)
		if err != nil {
			ps.StopAll(handles)
			return nil, fmt.Errorf("failed to open acquisition for %s: %w", source.Name, err)
		}

		loop := NewFeedbackLoop(source, acq, ps.newRenderer, ps.copySettings(), ps.metrics)
		if ps.sleep != nil {
			loop.sleep = ps.sleep
		}

		pctx, cancel := context.WithCancel(ctx)
		h := &PipelineHandle{
			ID:      uuid.New().String(),
			Source:  source,
			Loop:    loop,
			Started: time.Now(),
			acq:     acq,
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		handles = append(handles, h)

		ps.metrics.PipelineStarted()
		go ps.run(pctx, h)
		log.Printf("Started pipeline %s for source %s", h.ID, source.Name)
	}

	ps.mu.Lock()
	ps.handles = append(ps.handles, handles...)
	ps.mu.Unlock()
	return handles, nil
}

func (ps *PipelineSupervisor) copySettings() PipelineSettings {
	s := ps.settings
	s.Exclude = append([]string(nil), s.Exclude...)
	s.TriggerChannels = append([]string(nil), s.TriggerChannels...)
	renames := make(map[string]string, len(s.Renames))
	for k, v := range s.Renames {
		renames[k] = v
	}
	s.Renames = renames
	return s
}

func (ps *PipelineSupervisor) run(ctx context.Context, h *PipelineHandle) {
	defer close(h.done)
	defer ps.metrics.PipelineStopped()

	err := runIsolated(ctx, h.Loop)
	h.cancel()
	if cerr := h.acq.Close(); cerr != nil && DebugMode {
		log.Printf("DEBUG: Pipeline %s: closing acquisition: %v", h.Source.Name, cerr)
	}

	if err != nil {
		h.setErr(err)
		log.Printf("ERROR: Pipeline %s terminated: %v", h.Source.Name, err)
		ps.metrics.RecordPipelineFailure(h.Source.Name, failureKind(err))
		return
	}
	log.Printf("Pipeline %s stopped after %d cycles", h.Source.Name, h.Loop.Cycles())
}

// runIsolated runs the loop and converts a panic into an error
func runIsolated(ctx context.Context, loop *FeedbackLoop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if DebugMode {
				log.Printf("DEBUG: Pipeline panic stack:\n%s", debug.Stack())
			}
			err = &pipelinePanic{Value: r}
		}
	}()
	return loop.Run(ctx)
}

// StopAll stops the given pipelines immediately. It cancels each pipeline and
// closes its acquisition without waiting for the in-flight cycle to finish.
func (ps *PipelineSupervisor) StopAll(handles []*PipelineHandle) {
	for _, h := range handles {
		h.cancel()
		if err := h.acq.Close(); err != nil && DebugMode {
			log.Printf("DEBUG: Pipeline %s: closing acquisition: %v", h.Source.Name, err)
		}
	}
	if len(handles) > 0 {
		log.Printf("Stopped %d pipeline(s)", len(handles))
	}
}

// Handles returns every pipeline started by this supervisor
func (ps *PipelineSupervisor) Handles() []*PipelineHandle {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return append([]*PipelineHandle(nil), ps.handles...)
}

// Lookup finds a pipeline by source name or ID
func (ps *PipelineSupervisor) Lookup(key string) *PipelineHandle {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, h := range ps.handles {
		if h.Source.Name == key || h.ID == key {
			return h
		}
	}
	return nil
}

// Statuses returns the status of every pipeline
func (ps *PipelineSupervisor) Statuses() []PipelineStatus {
	handles := ps.Handles()
	statuses := make([]PipelineStatus, len(handles))
	for i, h := range handles {
		statuses[i] = h.Status()
	}
	return statuses
}
