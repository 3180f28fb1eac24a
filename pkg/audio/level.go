package audio

import "math"

// DefaultSilenceThreshold is the RMS level below which a block counts as
// silence.
const DefaultSilenceThreshold = 0.01

// RMS returns the root-mean-square level of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ApplyGain returns a copy of samples multiplied by gain and clamped to
// [-1, 1].
func ApplyGain(samples []float32, gain float32) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = max(-1, min(1, s*gain))
	}
	return out
}

// IsSilence reports whether the RMS level of samples is below threshold.
func IsSilence(samples []float32, threshold float64) bool {
	return RMS(samples) < threshold
}
