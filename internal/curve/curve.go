// Package curve implements discount curves over discrete zero-rate
// pillars: day-count year fractions, continuous or annual compounding,
// log-linear discount-factor interpolation between pillars, and flat
// zero-rate extrapolation beyond them.
package curve

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// DayCount is a year-fraction convention.
type DayCount string

const (
	ACT365F   DayCount = "ACT/365F"
	ACT360    DayCount = "ACT/360"
	Thirty360 DayCount = "30/360"
)

// Compounding fixes how zero rates convert to discount factors.
type Compounding string

const (
	Continuous Compounding = "continuous" // DF = e^(-r*t)
	Annual     Compounding = "annual"     // DF = (1+r)^(-t)
)

var (
	ErrUnknownDayCount    = errors.New("curve: unknown day-count convention")
	ErrUnknownCompounding = errors.New("curve: unknown compounding")
	ErrInvalidPillars     = errors.New("curve: invalid pillar set")
)

// ParseDayCount validates a day-count convention string.
func ParseDayCount(s string) (DayCount, error) {
	switch DayCount(s) {
	case ACT365F, ACT360, Thirty360:
		return DayCount(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDayCount, s)
}

// ParseCompounding validates a compounding string.
func ParseCompounding(s string) (Compounding, error) {
	switch Compounding(s) {
	case Continuous, Annual:
		return Compounding(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCompounding, s)
}

// YearFraction computes the year fraction from start to end under the
// convention. 30/360 caps month-end days at 30 (Eurobond basis).
func (dc DayCount) YearFraction(start, end time.Time) float64 {
	switch dc {
	case ACT360:
		days := end.Sub(start).Hours() / 24
		return days / 360.0
	case Thirty360:
		d1 := start.Day()
		if d1 > 30 {
			d1 = 30
		}
		d2 := end.Day()
		if d2 > 30 {
			d2 = 30
		}
		y1, m1 := start.Year(), int(start.Month())
		y2, m2 := end.Year(), int(end.Month())
		return float64(360*(y2-y1)+30*(m2-m1)+(d2-d1)) / 360.0
	default: // ACT365F
		days := end.Sub(start).Hours() / 24
		return days / 365.0
	}
}

// Point is one curve pillar: a zero rate quoted to Date.
type Point struct {
	Date time.Time
	Rate float64
}

// Cashflow is one dated payment amount (per unit face).
type Cashflow struct {
	Date   time.Time
	Amount float64
}

// Curve is an immutable discount curve. Discount factors are exact at
// pillars, log-linear in DF between pillars, and extrapolate with a
// flat zero rate beyond either end.
type Curve struct {
	asOf        time.Time
	dayCount    DayCount
	compounding Compounding
	dates       []time.Time
	times       []float64 // year fractions from asOf, ascending
	rates       []float64
	dfs         []float64
}

// New builds a curve from pillar points. Points must be strictly
// ascending in date and strictly after asOf; annual compounding
// requires rates above -100%.
func New(asOf time.Time, dc DayCount, comp Compounding, points []Point) (*Curve, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no pillars", ErrInvalidPillars)
	}
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	c := &Curve{
		asOf:        asOf,
		dayCount:    dc,
		compounding: comp,
		dates:       make([]time.Time, len(sorted)),
		times:       make([]float64, len(sorted)),
		rates:       make([]float64, len(sorted)),
		dfs:         make([]float64, len(sorted)),
	}
	prev := asOf
	for i, p := range sorted {
		if !p.Date.After(prev) {
			return nil, fmt.Errorf("%w: pillar %s not strictly after %s",
				ErrInvalidPillars, p.Date.Format("2006-01-02"), prev.Format("2006-01-02"))
		}
		if comp == Annual && p.Rate <= -1 {
			return nil, fmt.Errorf("%w: annual rate %v at %s below -100%%",
				ErrInvalidPillars, p.Rate, p.Date.Format("2006-01-02"))
		}
		tau := dc.YearFraction(asOf, p.Date)
		c.dates[i] = p.Date
		c.times[i] = tau
		c.rates[i] = p.Rate
		c.dfs[i] = discount(comp, p.Rate, tau)
		prev = p.Date
	}
	return c, nil
}

func discount(comp Compounding, rate, tau float64) float64 {
	if comp == Annual {
		return math.Pow(1+rate, -tau)
	}
	return math.Exp(-rate * tau)
}

// AsOf returns the curve's valuation date.
func (c *Curve) AsOf() time.Time { return c.asOf }

// DayCount returns the curve's year-fraction convention.
func (c *Curve) DayCount() DayCount { return c.dayCount }

// Pillars returns the pillar dates in ascending order.
func (c *Curve) Pillars() []time.Time {
	out := make([]time.Time, len(c.dates))
	copy(out, c.dates)
	return out
}

// DiscountFactor returns the discount factor from t back to the as-of
// date. Dates at or before as-of discount to 1.
func (c *Curve) DiscountFactor(t time.Time) float64 {
	tau := c.dayCount.YearFraction(c.asOf, t)
	return c.discountAt(tau)
}

func (c *Curve) discountAt(tau float64) float64 {
	if tau <= 0 {
		return 1.0
	}
	n := len(c.times)
	if tau <= c.times[0] {
		return discount(c.compounding, c.rates[0], tau)
	}
	if tau >= c.times[n-1] {
		return discount(c.compounding, c.rates[n-1], tau)
	}
	// Bracket tau between pillars i and i+1, then interpolate
	// log-linearly in DF (constant forward over the segment).
	i := sort.SearchFloat64s(c.times, tau)
	if c.times[i] == tau {
		return c.dfs[i]
	}
	i--
	fwd := math.Log(c.dfs[i]/c.dfs[i+1]) / (c.times[i+1] - c.times[i])
	return c.dfs[i] * math.Exp(-fwd*(tau-c.times[i]))
}

// ZeroRate returns the zero rate to t in the curve's compounding.
// At or before as-of it reports the first pillar's rate.
func (c *Curve) ZeroRate(t time.Time) float64 {
	tau := c.dayCount.YearFraction(c.asOf, t)
	if tau <= 0 {
		return c.rates[0]
	}
	df := c.discountAt(tau)
	if c.compounding == Annual {
		return math.Pow(df, -1/tau) - 1
	}
	return -math.Log(df) / tau
}

// PresentValue discounts the cashflows to the as-of date. Cashflows
// dated before as-of are already in the past and contribute nothing.
func (c *Curve) PresentValue(cashflows []Cashflow) float64 {
	pv := 0.0
	for _, cf := range cashflows {
		if cf.Date.Before(c.asOf) {
			continue
		}
		pv += cf.Amount * c.DiscountFactor(cf.Date)
	}
	return pv
}
