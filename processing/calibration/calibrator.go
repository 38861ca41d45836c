package calibration

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// HistoryLength is the number of cycles kept in each extrema ring
	HistoryLength = 100

	// LowPercentile and HighPercentile select the display range from the rings
	LowPercentile  = 10
	HighPercentile = 90
)

// RangeCalibrator derives a display range from the extrema of recent power
// vectors. It is owned by a single pipeline and is not safe for concurrent use.
type RangeCalibrator struct {
	mins   [HistoryLength]float64
	maxs   [HistoryLength]float64
	cycles uint64

	onWarmedUp func(cycles uint64)
	warmedUp   bool
}

// NewRangeCalibrator creates a calibrator. onWarmedUp, if not nil, is called
// once when the rings first become full.
func NewRangeCalibrator(onWarmedUp func(cycles uint64)) *RangeCalibrator {
	return &RangeCalibrator{onWarmedUp: onWarmedUp}
}

// Observe records the minimum and maximum of vector at the current cycle slot
// and advances the cycle counter. Empty vectors are ignored.
func (rc *RangeCalibrator) Observe(vector []float64) {
	if len(vector) == 0 {
		return
	}
	slot := rc.cycles % HistoryLength
	rc.mins[slot] = floats.Min(vector)
	rc.maxs[slot] = floats.Max(vector)
	rc.cycles++

	if !rc.warmedUp && rc.cycles >= HistoryLength {
		rc.warmedUp = true
		if rc.onWarmedUp != nil {
			rc.onWarmedUp(rc.cycles)
		}
	}
}

// Bounds returns the 10th percentile of recorded minima and the 90th
// percentile of recorded maxima. Before any observation it returns (0, 0).
func (rc *RangeCalibrator) Bounds() (low, high float64) {
	n := rc.filled()
	if n == 0 {
		return 0, 0
	}
	return percentile(rc.mins[:n], LowPercentile), percentile(rc.maxs[:n], HighPercentile)
}

// Cycles returns the number of vectors observed so far
func (rc *RangeCalibrator) Cycles() uint64 {
	return rc.cycles
}

// WarmedUp reports whether the rings have been filled at least once
func (rc *RangeCalibrator) WarmedUp() bool {
	return rc.warmedUp
}

func (rc *RangeCalibrator) filled() int {
	if rc.cycles >= HistoryLength {
		return HistoryLength
	}
	return int(rc.cycles)
}

// percentile interpolates linearly between closest ranks on a sorted copy
func percentile(data []float64, p float64) float64 {
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	return stat.Quantile(p/100, stat.LinInterp, sorted, nil)
}
