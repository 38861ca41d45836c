package channels

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func TestSelectDropsTrigger(t *testing.T) {
	layout := NewLayout([]string{"TRIGGER", "Fp1", "Fp2", "O1", "O2"}, nil)

	indices := Select(layout, set("TRIGGER"))
	assert.Equal(t, []int{1, 2, 3, 4}, indices)
	assert.Equal(t, []string{"Fp1", "Fp2", "O1", "O2"}, Names(layout, indices))
}

func TestSelectPreservesOrder(t *testing.T) {
	layout := NewLayout([]string{"O2", "X1", "Fp1", "A2", "Cz", "X3"}, nil)

	indices := Select(layout, set(DefaultExclude...))
	assert.Equal(t, []int{0, 2, 4}, indices)
	assert.Equal(t, []string{"O2", "Fp1", "Cz"}, Names(layout, indices))
}

func TestSelectEmptyExclude(t *testing.T) {
	layout := NewLayout([]string{"a", "b", "c"}, nil)
	assert.Equal(t, []int{0, 1, 2}, Select(layout, nil))
}

func TestExclusionSetIncludesNonSignalRoles(t *testing.T) {
	layout := NewLayout(
		[]string{"STIM", "Fz", "EOG", "M1", "Pz"},
		[]string{"trigger", "eeg", "aux", "ref", ""},
	)
	exclude := ExclusionSet(layout, DefaultExclude)

	indices := Select(layout, exclude)
	assert.Equal(t, []int{1, 4}, indices)
	assert.Equal(t, []string{"Fz", "Pz"}, Names(layout, indices))
}

func TestRename(t *testing.T) {
	layout := NewLayout([]string{"TRG", "E1", "E257"}, []string{"trigger"})
	renamed := layout.Rename(DefaultRenames)

	assert.Equal(t, []string{"TRIGGER", "E1", "Cz"}, renamed.Names())
	assert.Equal(t, []string{"TRG", "E1", "E257"}, layout.Names(), "original layout must not change")
	assert.Equal(t, RoleTrigger, renamed[0].Role)
}

func TestSelectionApply(t *testing.T) {
	layout := NewLayout([]string{"TRIGGER", "Fp1", "Fp2"}, nil)
	sel, err := NewSelection(layout, set("TRIGGER"))
	require.NoError(t, err)

	window := [][]float64{{0, 0, 1}, {1, 2, 3}, {4, 5, 6}}
	out, err := sel.Apply(window)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, out)
	assert.Equal(t, 2, sel.Len())
	assert.Equal(t, []string{"Fp1", "Fp2"}, sel.Names())
	assert.Equal(t, []int{1, 2}, sel.Indices())
}

func TestSelectionApplyShapeMismatch(t *testing.T) {
	sel, err := NewSelection(NewLayout([]string{"a", "b", "c"}, nil), nil)
	require.NoError(t, err)

	_, err = sel.Apply([][]float64{{1}, {2}})
	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, 3, shapeErr.Expected)
	assert.Equal(t, 2, shapeErr.Got)
}

func TestSelectionVerifyDetectsRelabel(t *testing.T) {
	layout := NewLayout([]string{"Fp1", "Fp2"}, nil)
	sel, err := NewSelection(layout, nil)
	require.NoError(t, err)

	assert.NoError(t, sel.Verify(NewLayout([]string{"Fp1", "Fp2"}, nil)))
	assert.True(t, errors.Is(sel.Verify(NewLayout([]string{"Fp2", "Fp1"}, nil)), ErrLayoutChanged))
	assert.True(t, errors.Is(sel.Verify(NewLayout([]string{"Fp1"}, nil)), ErrLayoutChanged))

	// mutating the caller's layout must not affect the frozen copy
	layout[0].Name = "X"
	assert.Equal(t, []string{"Fp1", "Fp2"}, sel.Layout().Names())
}

func TestNewSelectionNothingLeft(t *testing.T) {
	_, err := NewSelection(NewLayout([]string{"TRIGGER"}, nil), set("TRIGGER"))
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleTrigger, ParseRole("Trigger"))
	assert.Equal(t, RoleTrigger, ParseRole("stim"))
	assert.Equal(t, RoleAuxiliary, ParseRole("AUX"))
	assert.Equal(t, RoleReference, ParseRole("ref"))
	assert.Equal(t, RoleSignal, ParseRole("eeg"))
	assert.Equal(t, RoleSignal, ParseRole(""))
	assert.Equal(t, "trigger", RoleTrigger.String())
}
