package valuation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atmx/risk-engine/internal/curve"
	"github.com/atmx/risk-engine/internal/model"
)

// CurveFromSnapshot assembles the zero curve of one currency from the
// snapshot's ZERO.<CCY>.<TENOR> factors. Tenors are resolved to pillar
// dates from the valuation date. Factors are visited in sorted order,
// so the same snapshot always yields the same curve.
func CurveFromSnapshot(snap *model.Snapshot, currency string, asOf time.Time, dc curve.DayCount, comp curve.Compounding) (*curve.Curve, error) {
	prefix := model.ClassZero + "." + currency + "."
	var points []curve.Point
	for _, id := range snap.SortedFactors() {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		f, err := model.ParseFactor(id)
		if err != nil {
			return nil, fmt.Errorf("curve factor %s: %w", id, err)
		}
		date, err := curve.AddTenor(asOf, f.Point)
		if err != nil {
			return nil, fmt.Errorf("curve factor %s: %w", id, err)
		}
		points = append(points, curve.Point{Date: date, Rate: snap.Factors[id]})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no %s factors for %s", ErrMissingFactor, model.ClassZero, currency)
	}
	return curve.New(asOf, dc, comp, points)
}

type volSample struct {
	date  time.Time
	value float64
}

// volsForPillars samples the VOL.<CCY>.<TENOR> factors at each lattice
// pillar, taking the quoted point nearest in date (earlier point on a
// tie). Lattice calibration wants one volatility per pillar even when
// the vol surface is quoted on a coarser grid.
func volsForPillars(snap *model.Snapshot, currency string, asOf time.Time, pillars []time.Time) ([]float64, error) {
	prefix := model.ClassVol + "." + currency + "."
	var samples []volSample
	for _, id := range snap.SortedFactors() {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		f, err := model.ParseFactor(id)
		if err != nil {
			return nil, fmt.Errorf("volatility factor %s: %w", id, err)
		}
		date, err := curve.AddTenor(asOf, f.Point)
		if err != nil {
			return nil, fmt.Errorf("volatility factor %s: %w", id, err)
		}
		samples = append(samples, volSample{date: date, value: snap.Factors[id]})
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no %s factors for %s", ErrMissingFactor, model.ClassVol, currency)
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].date.Before(samples[j].date) })

	vols := make([]float64, len(pillars))
	for k, pillar := range pillars {
		vols[k] = nearestSample(samples, pillar)
	}
	return vols, nil
}

func nearestSample(samples []volSample, date time.Time) float64 {
	best := samples[0]
	bestGap := absDuration(date.Sub(best.date))
	for _, s := range samples[1:] {
		if gap := absDuration(date.Sub(s.date)); gap < bestGap {
			best, bestGap = s, gap
		}
	}
	return best.value
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
