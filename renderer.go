package main

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// Bounds is the display range produced by calibration
type Bounds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Renderer receives one power vector per cycle. Implementations must return
// within one cycle and report failures instead of panicking.
type Renderer interface {
	Render(vector []float64, bounds Bounds, names []string, label string) error
}

// RendererFunc adapts a function to the Renderer interface
type RendererFunc func(vector []float64, bounds Bounds, names []string, label string) error

func (f RendererFunc) Render(vector []float64, bounds Bounds, names []string, label string) error {
	return f(vector, bounds, names, label)
}

// Closer is implemented by renderers holding per-pipeline resources
type Closer interface {
	Close() error
}

// MultiRenderer hands every frame to all children and joins their errors
type MultiRenderer []Renderer

func (mr MultiRenderer) Render(vector []float64, bounds Bounds, names []string, label string) error {
	var errs []error
	for _, r := range mr {
		if err := r.Render(vector, bounds, names, label); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every child that holds resources
func (mr MultiRenderer) Close() error {
	var errs []error
	for _, r := range mr {
		if c, ok := r.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// logRenderer prints each frame; used when running with -vv
type logRenderer struct {
	source string
}

func (lr *logRenderer) Render(vector []float64, bounds Bounds, names []string, label string) error {
	var b strings.Builder
	for i, v := range vector {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%.2f", names[i], v)
	}
	if label != "" {
		log.Printf("DEBUG: %s [%s] range %.2f..%.2f dB: %s", lr.source, label, bounds.Low, bounds.High, b.String())
	} else {
		log.Printf("DEBUG: %s range %.2f..%.2f dB: %s", lr.source, bounds.Low, bounds.High, b.String())
	}
	return nil
}

// RendererFactory creates the renderer for one pipeline
type RendererFactory func(source SourceInfo) (Renderer, error)

// RendererRegistry manages the available renderer types
type RendererRegistry struct {
	factories map[string]RendererFactory
	enabled   []string
	mu        sync.RWMutex
}

// NewRendererRegistry creates an empty registry
func NewRendererRegistry() *RendererRegistry {
	return &RendererRegistry{
		factories: make(map[string]RendererFactory),
	}
}

// Register adds a renderer type. Registered types are enabled.
func (rr *RendererRegistry) Register(name string, factory RendererFactory) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if _, exists := rr.factories[name]; !exists {
		rr.enabled = append(rr.enabled, name)
	}
	rr.factories[name] = factory
	log.Printf("Registered renderer: %s", name)
}

// List returns the registered renderer names, sorted
func (rr *RendererRegistry) List() []string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	names := append([]string(nil), rr.enabled...)
	sort.Strings(names)
	return names
}

// Create builds the combined renderer for source. A factory failure closes
// what was already created and is returned.
func (rr *RendererRegistry) Create(source SourceInfo) (Renderer, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	multi := make(MultiRenderer, 0, len(rr.enabled))
	for _, name := range rr.enabled {
		r, err := rr.factories[name](source)
		if err != nil {
			multi.Close()
			return nil, fmt.Errorf("renderer %s for %s: %w", name, source.Name, err)
		}
		multi = append(multi, r)
	}
	return multi, nil
}
