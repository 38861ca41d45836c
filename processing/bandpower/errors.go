package bandpower

import "fmt"

// InvalidShapeError is returned when a window is not a dense channels x samples matrix
type InvalidShapeError struct {
	Reason string
}

func (e *InvalidShapeError) Error() string {
	return "invalid window shape: " + e.Reason
}

// InvalidBandError is returned for non-positive, inverted or empty bands
type InvalidBandError struct {
	Band   Band
	Reason string
}

func (e *InvalidBandError) Error() string {
	return fmt.Sprintf("invalid band (%g, %g): %s", e.Band.Low, e.Band.High, e.Reason)
}

// InvalidSampleRateError is returned when the sampling rate is not a positive finite number
type InvalidSampleRateError struct {
	SampleRate float64
}

func (e *InvalidSampleRateError) Error() string {
	return fmt.Sprintf("invalid sample rate %g Hz: must be positive", e.SampleRate)
}
