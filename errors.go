package main

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError reports an invalid setting. It aborts startup.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// SignalShapeError reports a window that cannot be processed. It stops the
// pipeline that produced it and nothing else.
type SignalShapeError struct {
	Source string
	Err    error
}

func (e *SignalShapeError) Error() string {
	return fmt.Sprintf("pipeline %s: bad signal shape: %v", e.Source, e.Err)
}

func (e *SignalShapeError) Unwrap() error {
	return e.Err
}

// RenderError wraps a failure of the rendering collaborator. The cycle is
// skipped and the loop continues.
type RenderError struct {
	Source string
	Cycle  uint64
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("pipeline %s: render failed on cycle %d: %v", e.Source, e.Cycle, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// AcquisitionTimeout is returned alongside the most recent window when no
// new samples arrived in time. It is a warning, not a failure.
type AcquisitionTimeout struct {
	Source string
	Waited time.Duration
}

func (e *AcquisitionTimeout) Error() string {
	return fmt.Sprintf("source %s: no new samples after %v", e.Source, e.Waited)
}

// IsAcquisitionTimeout reports whether err is or wraps an AcquisitionTimeout
func IsAcquisitionTimeout(err error) bool {
	var timeout *AcquisitionTimeout
	return errors.As(err, &timeout)
}

// failureKind classifies a pipeline failure for metrics and logs
func failureKind(err error) string {
	var (
		shapeErr  *SignalShapeError
		configErr *ConfigurationError
		panicErr  *pipelinePanic
	)
	switch {
	case errors.As(err, &shapeErr):
		return "signal_shape"
	case errors.As(err, &configErr):
		return "configuration"
	case errors.As(err, &panicErr):
		return "panic"
	default:
		return "other"
	}
}

// pipelinePanic carries a recovered panic value out of a pipeline goroutine
type pipelinePanic struct {
	Value interface{}
}

func (e *pipelinePanic) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
