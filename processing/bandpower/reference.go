package bandpower

// CommonAverage re-references win in place by subtracting, at every sample,
// the mean across all channels.
func CommonAverage(win [][]float64) {
	if len(win) < 2 {
		return
	}
	n := len(win[0])
	for i := 0; i < n; i++ {
		var sum float64
		for _, row := range win {
			sum += row[i]
		}
		mean := sum / float64(len(win))
		for _, row := range win {
			row[i] -= mean
		}
	}
}
