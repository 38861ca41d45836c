package bandpower

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// referenceAlphaDB is the band power of a unit 10 Hz sine sampled at 256 Hz
// for 5 s, 8-13 Hz band, Hamming taper (26 bins, 40..65).
const referenceAlphaDB = 13.91337604868646

func sineWindow(channels, samples int, fs, freq, amp float64) [][]float64 {
	win := make([][]float64, channels)
	for ch := range win {
		row := make([]float64, samples)
		for i := range row {
			row[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
		}
		win[ch] = row
	}
	return win
}

func TestEstimateReferenceAlpha(t *testing.T) {
	const fs = 256.0
	win := sineWindow(4, 5*256, fs, 10, 1)

	power, err := Estimate(win, fs, Band{Low: 8, High: 13}, true)
	require.NoError(t, err)
	require.Len(t, power, 4)

	for ch, p := range power {
		assert.InDelta(t, referenceAlphaDB, p, 1e-6, "channel %d", ch)
		assert.InDelta(t, power[0], p, 1e-12, "channel %d differs from channel 0", ch)
	}
}

func TestEstimateBinCount(t *testing.T) {
	assert.Equal(t, 26, BinCount(1280, 256, Band{Low: 8, High: 13}))
	assert.Equal(t, 0, BinCount(1280, 256, Band{Low: 8.01, High: 8.1}))
}

func TestEstimateOutputLengthMatchesChannels(t *testing.T) {
	for _, channels := range []int{1, 2, 7, 32} {
		win := sineWindow(channels, 512, 256, 10, 1)
		power, err := Estimate(win, 256, Band{Low: 8, High: 13}, false)
		require.NoError(t, err)
		assert.Len(t, power, channels)
	}
}

func TestEstimateIdentityScaling(t *testing.T) {
	win := sineWindow(3, 1280, 256, 11, 0.7)
	want, err := Estimate(win, 256, Band{Low: 8, High: 13}, true)
	require.NoError(t, err)

	scaled := make([][]float64, len(win))
	for ch, row := range win {
		scaled[ch] = make([]float64, len(row))
		for i, v := range row {
			scaled[ch][i] = v * 1.0
		}
	}
	got, err := Estimate(scaled, 256, Band{Low: 8, High: 13}, true)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEstimateMonotonicInAmplitude(t *testing.T) {
	prev := math.Inf(-1)
	for _, amp := range []float64{0.1, 0.5, 1, 2, 10} {
		power, err := Estimate(sineWindow(1, 1280, 256, 10, amp), 256, Band{Low: 8, High: 13}, true)
		require.NoError(t, err)
		assert.Greater(t, power[0], prev, "amplitude %g", amp)
		prev = power[0]
	}

	// magnitude is linear in amplitude, so doubling adds 10*log10(2) dB
	power, err := Estimate(sineWindow(1, 1280, 256, 10, 2), 256, Band{Low: 8, High: 13}, true)
	require.NoError(t, err)
	assert.InDelta(t, referenceAlphaDB+10*math.Log10(2), power[0], 1e-6)
}

func TestEstimateAllZeroWindow(t *testing.T) {
	win := [][]float64{make([]float64, 256), make([]float64, 256)}

	linear, err := Estimate(win, 128, Band{Low: 8, High: 13}, false)
	require.NoError(t, err)
	for _, p := range linear {
		assert.Equal(t, Epsilon, p)
	}

	db, err := Estimate(win, 128, Band{Low: 8, High: 13}, true)
	require.NoError(t, err)
	for _, p := range db {
		assert.False(t, math.IsNaN(p) || math.IsInf(p, 0))
		assert.InDelta(t, 10*math.Log10(Epsilon), p, 1e-9)
	}
}

func TestEstimateInvalidBand(t *testing.T) {
	win := sineWindow(2, 256, 256, 10, 1)
	for _, band := range []Band{
		{Low: 13, High: 8},
		{Low: -1, High: 5},
		{Low: 0, High: 5},
		{Low: 10, High: 10},
		{Low: 8, High: math.Inf(1)},
		{Low: 8.1, High: 8.2}, // no bin at 1 Hz resolution
	} {
		_, err := Estimate(win, 256, band, true)
		var bandErr *InvalidBandError
		assert.True(t, errors.As(err, &bandErr), "band %v: got %v", band, err)
	}
}

func TestEstimateInvalidSampleRate(t *testing.T) {
	win := sineWindow(2, 256, 256, 10, 1)
	for _, fs := range []float64{0, -256, math.NaN(), math.Inf(1)} {
		_, err := Estimate(win, fs, Band{Low: 8, High: 13}, true)
		var rateErr *InvalidSampleRateError
		assert.True(t, errors.As(err, &rateErr), "fs %v: got %v", fs, err)
	}
}

func TestEstimateInvalidShape(t *testing.T) {
	tests := []struct {
		name string
		win  [][]float64
	}{
		{"nil", nil},
		{"no channels", [][]float64{}},
		{"no samples", [][]float64{{}}},
		{"single sample", [][]float64{{1}}},
		{"ragged", [][]float64{make([]float64, 256), make([]float64, 255)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Estimate(tt.win, 256, Band{Low: 8, High: 13}, true)
			var shapeErr *InvalidShapeError
			assert.True(t, errors.As(err, &shapeErr), "got %v", err)
		})
	}
}

func TestEstimateOutOfBandSine(t *testing.T) {
	in, err := Estimate(sineWindow(1, 1280, 256, 10, 1), 256, Band{Low: 8, High: 13}, true)
	require.NoError(t, err)
	out, err := Estimate(sineWindow(1, 1280, 256, 40, 1), 256, Band{Low: 8, High: 13}, true)
	require.NoError(t, err)
	assert.Greater(t, in[0], out[0]+20)
}

func TestCommonAverage(t *testing.T) {
	win := [][]float64{
		{1, 2, 3},
		{3, 2, 1},
		{2, 2, 2},
	}
	CommonAverage(win)
	assert.Equal(t, [][]float64{
		{-1, 0, 1},
		{1, 0, -1},
		{0, 0, 0},
	}, win)

	single := [][]float64{{5, 6}}
	CommonAverage(single)
	assert.Equal(t, [][]float64{{5, 6}}, single)
}

func TestToDB(t *testing.T) {
	assert.InDelta(t, 10.0, ToDB(10), 1e-12)
	assert.InDelta(t, 10*math.Log10(Epsilon), ToDB(0), 1e-9)
	assert.InDelta(t, 10*math.Log10(Epsilon), ToDB(-3), 1e-9)
}
