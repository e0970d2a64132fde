package device

import "math"

// ActivationStats summarises a downloaded buffer.
type ActivationStats struct {
	Max       float32
	Min       float32
	Mean      float32
	RMS       float32
	Zeros     int
	Negatives int
	NaNs      int
	Infs      int
	Sample    []float32 // first values, at most 32
}

// Stats computes ActivationStats over host data. NaN and Inf values are
// counted but excluded from the moments.
func Stats(data []float32, sampleSize int) ActivationStats {
	var s ActivationStats
	var sum, sumSq float64
	first := true

	for _, v := range data {
		if math.IsNaN(float64(v)) {
			s.NaNs++
			continue
		}
		if math.IsInf(float64(v), 0) {
			s.Infs++
			continue
		}
		if first {
			s.Max, s.Min = v, v
			first = false
		}
		switch {
		case v == 0:
			s.Zeros++
		case v < 0:
			s.Negatives++
		}
		if v > s.Max {
			s.Max = v
		}
		if v < s.Min {
			s.Min = v
		}
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}

	if n := len(data) - s.NaNs - s.Infs; n > 0 {
		s.Mean = float32(sum / float64(n))
		s.RMS = float32(math.Sqrt(sumSq / float64(n)))
	}

	limit := min(sampleSize, 32, len(data))
	if limit > 0 {
		s.Sample = make([]float32, limit)
		copy(s.Sample, data[:limit])
	}
	return s
}

// Finite reports whether the stats saw no NaN or Inf.
func (s ActivationStats) Finite() bool { return s.NaNs == 0 && s.Infs == 0 }
