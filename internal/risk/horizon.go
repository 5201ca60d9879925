package risk

import "github.com/atmx/risk-engine/internal/model"

// bucketFor maps a position's liquidity horizon onto the configured
// horizon grid: the shortest configured horizon that covers it.
// Positions needing longer than the last horizon land in the last
// bucket, the closest representable choice. Horizons are ascending.
func bucketFor(days int, horizons []int) int {
	for _, h := range horizons {
		if days <= h {
			return h
		}
	}
	return horizons[len(horizons)-1]
}

// partition groups position ids by horizon bucket. Each position lands
// in exactly one bucket; ids keep the caller's order inside a bucket,
// so a sorted input gives a deterministic reduction order.
func partition(positions []model.Position, horizons []int) map[int][]string {
	out := make(map[int][]string, len(horizons))
	for i := range positions {
		h := bucketFor(positions[i].LiquidityHorizonDays, horizons)
		out[h] = append(out[h], positions[i].ID)
	}
	return out
}
