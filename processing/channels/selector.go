package channels

import (
	"errors"
	"fmt"
)

// DefaultExclude lists trigger, marker, auxiliary and reference channel
// aliases used by the supported amplifiers.
var DefaultExclude = []string{"TRIGGER", "TRG", "X1", "X2", "X3", "A2"}

// DefaultRenames maps amplifier-specific labels to 10-20 names
var DefaultRenames = map[string]string{
	"E257": "Cz",
	"TRG":  "TRIGGER",
}

// ErrLayoutChanged is returned when a source relabels its channels after setup
var ErrLayoutChanged = errors.New("channel layout changed after pipeline setup")

// ShapeError is returned when a window does not match the layout a selection was built for
type ShapeError struct {
	Expected int
	Got      int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("window has %d channels, layout has %d", e.Got, e.Expected)
}

// Select returns the positions in layout whose name is not in exclude, in order
func Select(layout Layout, exclude map[string]struct{}) []int {
	indices := make([]int, 0, len(layout))
	for i, ch := range layout {
		if _, drop := exclude[ch.Name]; drop {
			continue
		}
		indices = append(indices, i)
	}
	return indices
}

// Names returns the names at indices, in the same order
func Names(layout Layout, indices []int) []string {
	names := make([]string, len(indices))
	for i, idx := range indices {
		names[i] = layout[idx].Name
	}
	return names
}

// ExclusionSet builds the name set to drop for layout: every alias plus
// every channel whose role is not signal.
func ExclusionSet(layout Layout, aliases []string) map[string]struct{} {
	set := make(map[string]struct{}, len(aliases))
	for _, a := range aliases {
		set[a] = struct{}{}
	}
	for _, ch := range layout {
		if ch.Role != RoleSignal {
			set[ch.Name] = struct{}{}
		}
	}
	return set
}

// Selection is the fixed channel subset a pipeline keeps. It is computed once
// at setup and reused for every window.
type Selection struct {
	layout  Layout
	indices []int
	names   []string
}

// NewSelection computes the selection for layout. It fails if nothing is left.
func NewSelection(layout Layout, exclude map[string]struct{}) (*Selection, error) {
	indices := Select(layout, exclude)
	if len(indices) == 0 {
		return nil, fmt.Errorf("no channels left after exclusion (layout has %d channels)", len(layout))
	}
	frozen := make(Layout, len(layout))
	copy(frozen, layout)
	return &Selection{
		layout:  frozen,
		indices: indices,
		names:   Names(frozen, indices),
	}, nil
}

// Indices returns the kept positions
func (s *Selection) Indices() []int {
	return append([]int(nil), s.indices...)
}

// Names returns the kept channel names in selection order
func (s *Selection) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of kept channels
func (s *Selection) Len() int {
	return len(s.indices)
}

// Layout returns the layout the selection was built from
func (s *Selection) Layout() Layout {
	return append(Layout(nil), s.layout...)
}

// Verify fails with ErrLayoutChanged if layout differs from the setup layout
func (s *Selection) Verify(layout Layout) error {
	if !s.layout.Equal(layout) {
		return fmt.Errorf("%w: was %v, now %v", ErrLayoutChanged, s.layout.Names(), layout.Names())
	}
	return nil
}

// Apply returns the kept rows of window. Rows are shared, not copied.
func (s *Selection) Apply(window [][]float64) ([][]float64, error) {
	if len(window) != len(s.layout) {
		return nil, &ShapeError{Expected: len(s.layout), Got: len(window)}
	}
	out := make([][]float64, len(s.indices))
	for i, idx := range s.indices {
		out[i] = window[idx]
	}
	return out, nil
}
