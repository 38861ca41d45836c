package bandpower

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Epsilon is the floor applied to band power before it is returned.
// It is the smallest normal float64, so 10*log10(Epsilon) stays finite.
const Epsilon = 0x1p-1022

// Band is a frequency interval in Hz, inclusive of both edges
type Band struct {
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
}

// Validate checks that 0 < Low < High
func (b Band) Validate() error {
	if !(b.Low > 0) || !(b.High > 0) || math.IsInf(b.High, 0) {
		return &InvalidBandError{Band: b, Reason: "bounds must be positive and finite"}
	}
	if b.Low >= b.High {
		return &InvalidBandError{Band: b, Reason: "low must be below high"}
	}
	return nil
}

func (b Band) String() string {
	return fmt.Sprintf("%g-%g Hz", b.Low, b.High)
}

// Estimate returns the mean FFT magnitude inside band for every channel of
// win (rows are channels). Each channel is Hamming tapered first.
// When asDB is set the floored value is converted with 10*log10.
func Estimate(win [][]float64, fs float64, band Band, asDB bool) ([]float64, error) {
	samples, err := shape(win)
	if err != nil {
		return nil, err
	}
	if !(fs > 0) || math.IsInf(fs, 0) {
		return nil, &InvalidSampleRateError{SampleRate: fs}
	}
	if err := band.Validate(); err != nil {
		return nil, err
	}

	fft := fourier.NewFFT(samples)
	lo, hi := binRange(fft, fs, band)
	if lo > hi {
		return nil, &InvalidBandError{Band: band, Reason: fmt.Sprintf("no frequency bins inside band at %g Hz resolution", fs/float64(samples))}
	}

	taper := window.Hamming(ones(samples))
	seq := make([]float64, samples)
	var coeff []complex128

	power := make([]float64, len(win))
	for ch, row := range win {
		for i, v := range row {
			seq[i] = v * taper[i]
		}
		coeff = fft.Coefficients(coeff, seq)

		var sum float64
		for k := lo; k <= hi; k++ {
			sum += math.Hypot(real(coeff[k]), imag(coeff[k]))
		}
		p := sum / float64(hi-lo+1)
		if !(p >= Epsilon) {
			p = Epsilon
		}
		if asDB {
			p = ToDB(p)
		}
		power[ch] = p
	}
	return power, nil
}

// ToDB converts a linear magnitude to decibels after flooring it at Epsilon
func ToDB(v float64) float64 {
	if !(v >= Epsilon) {
		v = Epsilon
	}
	return 10 * math.Log10(v)
}

// BinCount returns how many FFT bins of a window of n samples at fs fall
// inside band.
func BinCount(n int, fs float64, band Band) int {
	if n < 1 || !(fs > 0) {
		return 0
	}
	lo, hi := binRange(fourier.NewFFT(n), fs, band)
	if lo > hi {
		return 0
	}
	return hi - lo + 1
}

// binRange returns the first and last coefficient index whose frequency
// lies in [band.Low, band.High]
func binRange(fft *fourier.FFT, fs float64, band Band) (int, int) {
	n := fft.Len()
	lo, hi := -1, -2
	for k := 0; k <= n/2; k++ {
		f := fft.Freq(k) * fs
		if f < band.Low || f > band.High {
			continue
		}
		if lo < 0 {
			lo = k
		}
		hi = k
	}
	if lo < 0 {
		return 1, 0
	}
	return lo, hi
}

func shape(win [][]float64) (int, error) {
	if len(win) == 0 {
		return 0, &InvalidShapeError{Reason: "window has no channels"}
	}
	samples := len(win[0])
	if samples < 2 {
		return 0, &InvalidShapeError{Reason: fmt.Sprintf("window has %d samples per channel, need at least 2", samples)}
	}
	for ch, row := range win {
		if len(row) != samples {
			return 0, &InvalidShapeError{Reason: fmt.Sprintf("channel %d has %d samples, expected %d", ch, len(row), samples)}
		}
	}
	return samples, nil
}

func ones(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}
