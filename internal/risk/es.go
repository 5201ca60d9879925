package risk

import (
	"math"
	"sort"
)

// tailEpsilon absorbs float error in 1-confidence before rounding tail
// sizes: 1-0.9 is not exactly 0.1, and a naive ceil or floor would be
// off by one at exactly representable boundaries.
const tailEpsilon = 1e-9

// requiredScenarios is the minimum number of scenarios that gives the
// tail at least one observation at the confidence level.
func requiredScenarios(confidence float64) int {
	return int(math.Ceil(1/(1-confidence) - tailEpsilon))
}

// tailCount is the number of worst outcomes in the tail for n
// scenarios at the confidence level.
func tailCount(confidence float64, n int) int {
	k := int(math.Floor((1-confidence)*float64(n) + tailEpsilon))
	if k < 1 {
		k = 1
	}
	return k
}

// expectedShortfall is the average loss over the worst (1-confidence)
// fraction of outcomes, reported as a positive number for losses. The
// input is not modified.
func expectedShortfall(pnl []float64, confidence float64) float64 {
	k := tailCount(confidence, len(pnl))
	sorted := make([]float64, len(pnl))
	copy(sorted, pnl)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted[:k] {
		sum += v
	}
	return -sum / float64(k)
}

// tailIndices returns the scenario indices of the worst outcomes,
// ordered worst first. Ties break on the lower index, so the selection
// is deterministic for any input order.
func tailIndices(pnl []float64, confidence float64) []int {
	k := tailCount(confidence, len(pnl))
	idx := make([]int, len(pnl))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return pnl[idx[a]] < pnl[idx[b]] })
	return idx[:k]
}

// aggregateHorizons combines per-horizon ES values by the
// sum-of-squared-increments rule over ascending horizons. Negative ES
// values (tail gains) and negative increments are clamped to zero,
// which keeps the aggregate at least as large as every single bucket
// and non-decreasing as horizons are appended.
func aggregateHorizons(horizons []int, scaled map[int]float64) float64 {
	total2, prev := 0.0, 0.0
	for _, h := range horizons {
		cur := math.Max(scaled[h], 0)
		if inc := cur*cur - prev*prev; inc > 0 {
			total2 += inc
		}
		prev = cur
	}
	return math.Sqrt(total2)
}

// horizonScale is the square-root-of-time factor from the base
// scenario step to a liquidity horizon.
func horizonScale(horizonDays, baseDays int) float64 {
	return math.Sqrt(float64(horizonDays) / float64(baseDays))
}
