// Package lattice implements a Black-Derman-Toy binomial short-rate
// tree for pricing bonds with embedded call/put schedules.
//
// The tree recombines: level i has i+1 nodes indexed by j, the number
// of up-moves taken. Forward-induction calibration fixes each level's
// mid rate u so that the tree reproduces the input curve's discount
// factors exactly, under a volatility-implied spacing between adjacent
// node rates:
//
//	r(i,j) = u * exp(sigma * sqrt(dt) * (2j - i))
//	d(i,j) = 1 / (1 + r(i,j) * dt)
//	sum_j Q(i,j) * d(i,j) = B(i+1)
//
// where Q are state prices advanced by forward induction under
// risk-neutral 0.5/0.5 branch probabilities and B(k) is the curve
// discount factor to pillar k. Pricing then runs backward induction
// from the last cashflow, applying scheduled calls and puts node by
// node.
//
// All math is float64; monetary rounding happens at the valuation
// boundary, not here.
//
// References:
//   - Black, F., Derman, E., Toy, W. (1990). "A One-Factor Model of
//     Interest Rates and Its Application to Treasury Bond Options."
//   - Hull, J. "Options, Futures, and Other Derivatives."
package lattice

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atmx/risk-engine/internal/curve"
)

var (
	// ErrInvalidInputs is returned when pillars or volatilities do not
	// form a buildable tree.
	ErrInvalidInputs = errors.New("lattice: invalid inputs")

	// ErrCalibration is returned when no mid rate within the bisection
	// bounds reproduces the curve discount factor at a level.
	ErrCalibration = errors.New("lattice: calibration failed")

	// ErrInvalidSchedule is returned for cashflow or option schedules
	// that reference steps outside the tree.
	ErrInvalidSchedule = errors.New("lattice: invalid schedule")
)

// Config bounds the calibration. The zero value takes the defaults.
type Config struct {
	Tolerance     float64 // bisection convergence tolerance, default 1e-10
	MaxIterations int     // bisection iteration bound, default 100
	RateFloor     float64 // lower bisection bound on the mid rate, default 1e-4
	RateCeiling   float64 // upper bisection bound on the mid rate, default 0.5
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 {
		c.Tolerance = 1e-10
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 100
	}
	if c.RateFloor <= 0 {
		c.RateFloor = 1e-4
	}
	if c.RateCeiling <= c.RateFloor {
		c.RateCeiling = 0.5
	}
	return c
}

// Tree is a calibrated short-rate lattice over n pillar dates. Level i
// spans pillar i-1 to pillar i (level 0 starts at the as-of date) and
// holds i+1 nodes. A Tree is owned by a single pricing call at a time;
// it is never shared across goroutines.
type Tree struct {
	times       []float64   // year fractions from as-of, times[0] = 0
	steps       []float64   // steps[k] = times[k] - times[k-1], steps[0] = 0
	targets     []float64   // curve discount factors, targets[0] = 1
	rates       [][]float64 // rates[i][j] for levels 0..n-1
	discounts   [][]float64 // per-step discount at each node
	statePrices [][]float64 // statePrices[i][j] for levels 0..n
	midRates    []float64
}

// Build calibrates a tree to the curve's discount factors at the given
// pillar dates. Pillars must be strictly ascending and after the
// curve's as-of date; vols[k] is the rate volatility quoted at
// pillars[k] and spaces the level calibrated to that pillar. Level 0
// has a single node, so vols[0] is never read.
func Build(crv *curve.Curve, pillars []time.Time, vols []float64, cfg Config) (*Tree, error) {
	cfg = cfg.withDefaults()
	n := len(pillars)
	if n == 0 {
		return nil, fmt.Errorf("%w: no pillars", ErrInvalidInputs)
	}
	if len(vols) != n {
		return nil, fmt.Errorf("%w: %d pillars but %d volatilities", ErrInvalidInputs, n, len(vols))
	}

	t := &Tree{
		times:       make([]float64, n+1),
		steps:       make([]float64, n+1),
		targets:     make([]float64, n+1),
		rates:       make([][]float64, n),
		discounts:   make([][]float64, n),
		statePrices: make([][]float64, n+1),
		midRates:    make([]float64, n),
	}
	t.targets[0] = 1.0

	dc := crv.DayCount()
	prev := crv.AsOf()
	for k, p := range pillars {
		if !p.After(prev) {
			return nil, fmt.Errorf("%w: pillar %s not strictly after %s",
				ErrInvalidInputs, p.Format("2006-01-02"), prev.Format("2006-01-02"))
		}
		if vols[k] < 0 {
			return nil, fmt.Errorf("%w: negative volatility %v at pillar %d", ErrInvalidInputs, vols[k], k)
		}
		t.times[k+1] = dc.YearFraction(crv.AsOf(), p)
		t.steps[k+1] = t.times[k+1] - t.times[k]
		t.targets[k+1] = crv.DiscountFactor(p)
		prev = p
	}
	for i := 0; i < n; i++ {
		t.rates[i] = make([]float64, i+1)
		t.discounts[i] = make([]float64, i+1)
	}
	for i := 0; i <= n; i++ {
		t.statePrices[i] = make([]float64, i+1)
	}
	t.statePrices[0][0] = 1.0

	// Root: the single level-0 discount must equal B(1) exactly, so
	// the node rate is the implied simple rate over the first step.
	d0 := t.targets[1]
	if d0 <= 0 {
		return nil, fmt.Errorf("%w: non-positive discount factor %v at first pillar", ErrCalibration, d0)
	}
	t.discounts[0][0] = d0
	t.rates[0][0] = (1/d0 - 1) / t.steps[1]
	t.midRates[0] = t.rates[0][0]
	t.advanceStatePrices(0)

	for i := 1; i < n; i++ {
		if err := t.calibrateLevel(i, vols[i], cfg); err != nil {
			return nil, err
		}
		t.advanceStatePrices(i)
	}
	return t, nil
}

// calibrateLevel bisects the mid rate of level i until the state-price
// discount sum matches the curve discount factor to pillar i+1.
func (t *Tree) calibrateLevel(i int, sigma float64, cfg Config) error {
	dt := t.steps[i+1]
	target := t.targets[i+1]

	discountSum := func(u float64) float64 {
		sum := 0.0
		for j := 0; j <= i; j++ {
			r := u * math.Exp(sigma*math.Sqrt(dt)*float64(2*j-i))
			sum += t.statePrices[i][j] / (1 + r*dt)
		}
		return sum
	}

	// discountSum is strictly decreasing in u, so the target must lie
	// inside the bracket spanned by the rate bounds.
	lo, hi := cfg.RateFloor, cfg.RateCeiling
	if discountSum(lo) < target-cfg.Tolerance {
		return fmt.Errorf("%w: level %d target %.10f above reachable range", ErrCalibration, i, target)
	}
	if discountSum(hi) > target+cfg.Tolerance {
		return fmt.Errorf("%w: level %d target %.10f below reachable range", ErrCalibration, i, target)
	}

	var u, got float64
	converged := false
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		u = (lo + hi) / 2
		got = discountSum(u)
		if math.Abs(got-target) < cfg.Tolerance {
			converged = true
			break
		}
		if got > target {
			lo = u
		} else {
			hi = u
		}
	}
	if !converged {
		return fmt.Errorf("%w: level %d no convergence after %d iterations (error %.3e)",
			ErrCalibration, i, cfg.MaxIterations, math.Abs(got-target))
	}

	t.midRates[i] = u
	for j := 0; j <= i; j++ {
		r := u * math.Exp(sigma*math.Sqrt(dt)*float64(2*j-i))
		t.rates[i][j] = r
		t.discounts[i][j] = 1 / (1 + r*dt)
	}
	return nil
}

// advanceStatePrices fills level i+1 from level i:
//
//	Q(i+1,k) = 0.5*Q(i,k-1)*d(i,k-1) + 0.5*Q(i,k)*d(i,k)
func (t *Tree) advanceStatePrices(i int) {
	next := t.statePrices[i+1]
	for k := range next {
		next[k] = 0
	}
	for j := 0; j <= i; j++ {
		half := 0.5 * t.statePrices[i][j] * t.discounts[i][j]
		next[j] += half
		next[j+1] += half
	}
}

// Levels returns the number of rate-bearing levels (one per pillar).
func (t *Tree) Levels() int { return len(t.rates) }

// Rates returns a copy of the short rates at level i.
func (t *Tree) Rates(i int) []float64 {
	out := make([]float64, len(t.rates[i]))
	copy(out, t.rates[i])
	return out
}

// StatePrices returns a copy of the state prices at level i. Level n
// (one past the last rate level) is populated; its sum replicates the
// curve discount factor to the last pillar.
func (t *Tree) StatePrices(i int) []float64 {
	out := make([]float64, len(t.statePrices[i]))
	copy(out, t.statePrices[i])
	return out
}

// MidRates returns a copy of the calibrated mid rates per level.
func (t *Tree) MidRates() []float64 {
	out := make([]float64, len(t.midRates))
	copy(out, t.midRates)
	return out
}

// StepCashflow is a payment at pillar step k (1-based: step k pays at
// pillar k-1 in date terms, i.e. at times[k] on the tree clock).
type StepCashflow struct {
	Step   int
	Amount float64
}

// StepOption is a call or put provision active at one pillar step.
// Price is quoted in the same units as the cashflows.
type StepOption struct {
	Step  int
	Price float64
}

// Result is the outcome of one pricing call. Values holds the
// per-level node values when diagnostics were requested, indexed
// [level][node] from the root to the last cashflow step.
type Result struct {
	PV     float64
	Values [][]float64
}

// PriceBond prices a cashflow schedule with optional embedded call and
// put schedules by backward induction. At each node the value is the
// discounted 0.5/0.5 expectation of the children plus the cashflow due
// at that step; a scheduled call then caps the value at the call
// price, a scheduled put floors it at the put price (the terminal step
// included when scheduled). Duplicate cashflow steps accumulate;
// duplicate option steps are rejected.
func (t *Tree) PriceBond(cashflows []StepCashflow, calls, puts []StepOption, diagnostics bool) (Result, error) {
	n := t.Levels()
	if len(cashflows) == 0 {
		return Result{}, fmt.Errorf("%w: no cashflows", ErrInvalidSchedule)
	}

	flows := make(map[int]float64, len(cashflows))
	last := 0
	for _, cf := range cashflows {
		if cf.Step < 1 || cf.Step > n {
			return Result{}, fmt.Errorf("%w: cashflow step %d outside 1..%d", ErrInvalidSchedule, cf.Step, n)
		}
		flows[cf.Step] += cf.Amount
		if cf.Step > last {
			last = cf.Step
		}
	}
	callAt, err := optionMap(calls, last, "call")
	if err != nil {
		return Result{}, err
	}
	putAt, err := optionMap(puts, last, "put")
	if err != nil {
		return Result{}, err
	}

	values := make([][]float64, last+1)
	for i := range values {
		values[i] = make([]float64, i+1)
	}

	for j := 0; j <= last; j++ {
		values[last][j] = exercise(flows[last], callAt, putAt, last)
	}
	for i := last - 1; i >= 0; i-- {
		for j := 0; j <= i; j++ {
			v := t.discounts[i][j]*0.5*(values[i+1][j]+values[i+1][j+1]) + flows[i]
			values[i][j] = exercise(v, callAt, putAt, i)
		}
	}

	res := Result{PV: values[0][0]}
	if diagnostics {
		res.Values = values
	}
	return res, nil
}

func optionMap(schedule []StepOption, last int, kind string) (map[int]float64, error) {
	if len(schedule) == 0 {
		return nil, nil
	}
	m := make(map[int]float64, len(schedule))
	for _, o := range schedule {
		if o.Step < 1 || o.Step > last {
			return nil, fmt.Errorf("%w: %s step %d outside 1..%d", ErrInvalidSchedule, kind, o.Step, last)
		}
		if _, dup := m[o.Step]; dup {
			return nil, fmt.Errorf("%w: duplicate %s step %d", ErrInvalidSchedule, kind, o.Step)
		}
		m[o.Step] = o.Price
	}
	return m, nil
}

// exercise applies the scheduled provisions at one step: the issuer
// calls when the value exceeds the call price, the holder puts when it
// falls below the put price.
func exercise(v float64, callAt, putAt map[int]float64, step int) float64 {
	if k, ok := callAt[step]; ok && v > k {
		v = k
	}
	if k, ok := putAt[step]; ok && v < k {
		v = k
	}
	return v
}
