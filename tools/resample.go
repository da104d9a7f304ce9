package tools

import "math"

// ResampleLinear converts mono samples between rates by linear interpolation.
// Equal rates return the input unchanged.
func ResampleLinear(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	ratio := float64(from) / float64(to)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := min(lo+1, last)
		t := float32(pos - float64(lo))
		out[i] = samples[lo]*(1-t) + samples[hi]*t
	}
	return out
}
