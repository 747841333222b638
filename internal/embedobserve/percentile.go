package embedobserve

import "sort"

// percentile computes p (0-100) over samples using linear interpolation
// between the two closest ranks, the standard sorted-array percentile
// method. Returns 0 for an empty input.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func p50(samples []float64) float64 { return percentile(samples, 50) }
func p95(samples []float64) float64 { return percentile(samples, 95) }
