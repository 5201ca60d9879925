package risk

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/valuation"
)

var runDate = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

// pvValuer reads each position's present value straight from the
// snapshot factor "PV.<id>", so tests control every P&L exactly.
// Positions listed in failOn for a snapshot name fail with a missing
// factor.
type pvValuer struct {
	failOn map[string][]string
}

func (v *pvValuer) ValuePortfolio(ctx context.Context, positions []model.Position, snap *model.Snapshot, asOf time.Time) (*valuation.PortfolioValuation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", valuation.ErrCancelled, err)
	}
	failing := make(map[string]bool)
	for _, id := range v.failOn[snap.Name] {
		failing[id] = true
	}
	out := &valuation.PortfolioValuation{
		AsOf:     asOf,
		Snapshot: snap.Name,
		Results:  make(map[string]model.ValuationResult),
		Failures: make(map[string]error),
	}
	for i := range positions {
		id := positions[i].ID
		val, ok := snap.Value("PV." + id)
		if failing[id] || !ok {
			out.Failures[id] = fmt.Errorf("%w: PV.%s", valuation.ErrMissingFactor, id)
			continue
		}
		out.Results[id] = model.ValuationResult{
			PositionID: id,
			PV:         decimal.NewFromFloat(val),
			Currency:   positions[i].Currency,
			Model:      "STUB",
		}
	}
	return out, nil
}

func position(id string, horizonDays int) model.Position {
	return model.Position{
		ID:                   id,
		InstrumentType:       "STUB",
		Notional:             decimal.NewFromInt(1),
		Currency:             "USD",
		LiquidityHorizonDays: horizonDays,
	}
}

func basePVs() map[string]float64 {
	return map[string]float64{"PV.A": 1000, "PV.B": 2000, "PV.C": 3000}
}

func baseSnap() *model.Snapshot {
	return &model.Snapshot{Name: "BASE", AsOf: runDate, Factors: basePVs()}
}

// linearScenarios builds n scenarios where scenario i moves A by -10i,
// B by +5i and C by -20i.
func linearScenarios(n int) []model.Scenario {
	out := make([]model.Scenario, n)
	for i := 0; i < n; i++ {
		label := fmt.Sprintf("2025-06-%02d", i+1)
		out[i] = model.Scenario{
			Seq:   i,
			Label: label,
			Date:  runDate.AddDate(0, 0, -(n - i)),
			Snapshot: &model.Snapshot{
				Name: "S" + label,
				AsOf: runDate,
				Factors: map[string]float64{
					"PV.A": 1000 - 10*float64(i),
					"PV.B": 2000 + 5*float64(i),
					"PV.C": 3000 - 20*float64(i),
				},
			},
		}
	}
	return out
}

func defaultParams() Params {
	return Params{Confidence: 0.90, Horizons: []int{10, 20}}
}

func TestCalculateES_EndToEnd(t *testing.T) {
	e := New(&pvValuer{}, nil)
	positions := []model.Position{position("A", 10), position("B", 10), position("C", 20)}

	res, err := e.CalculateES(context.Background(), positions, baseSnap(), linearScenarios(10), runDate, defaultParams())
	require.NoError(t, err)

	// Worst scenario is i=9: A -90, B +45, C -180, portfolio -225.
	assert.InDelta(t, 6000, res.BasePV.InexactFloat64(), 1e-9)
	assert.InDelta(t, 225, res.UnscaledES, 1e-9)
	assert.InDelta(t, 90, res.Decomposition["A"], 1e-9)
	assert.InDelta(t, -45, res.Decomposition["B"], 1e-9, "hedging positions contribute negatively")
	assert.InDelta(t, 180, res.Decomposition["C"], 1e-9)

	sum := 0.0
	for _, c := range res.Decomposition {
		sum += c
	}
	assert.InDelta(t, res.UnscaledES, sum, 1e-9, "contributions sum to the unscaled portfolio ES")

	// Bucket 10d holds A+B (joint pnl -5i, ES 45), bucket 20d holds C
	// (pnl -20i, ES 180), each scaled by sqrt(h/1).
	assert.InDelta(t, 45*math.Sqrt(10), res.HorizonES[10], 1e-9)
	assert.InDelta(t, 180*math.Sqrt(20), res.HorizonES[20], 1e-9)
	assert.InDelta(t, 180*math.Sqrt(20), res.TotalES, 1e-9, "rising bucket ES telescopes to the last bucket")

	assert.Equal(t, 10, res.ScenariosTotal)
	assert.Equal(t, 10, res.ScenariosUsed)
	assert.Empty(t, res.ScenarioFailures)
	assert.Empty(t, res.PositionFailures)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.BaseHorizonDays)
}

func TestCalculateES_ParallelMatchesSerial(t *testing.T) {
	positions := []model.Position{position("A", 10), position("B", 10), position("C", 20)}

	serialParams := defaultParams()
	parallelParams := defaultParams()
	parallelParams.Parallel = true
	parallelParams.MaxWorkers = 8

	e := New(&pvValuer{}, nil)
	a, err := e.CalculateES(context.Background(), positions, baseSnap(), linearScenarios(10), runDate, serialParams)
	require.NoError(t, err)
	b, err := e.CalculateES(context.Background(), positions, baseSnap(), linearScenarios(10), runDate, parallelParams)
	require.NoError(t, err)

	assert.Equal(t, a.TotalES, b.TotalES, "reduction must not depend on completion order")
	assert.Equal(t, a.UnscaledES, b.UnscaledES)
	assert.Equal(t, a.HorizonES, b.HorizonES)
	assert.Equal(t, a.Decomposition, b.Decomposition)
}

func TestCalculateES_ScenarioFailureExcluded(t *testing.T) {
	scenarios := linearScenarios(11)
	failLabel := scenarios[4].Label
	e := New(&pvValuer{failOn: map[string][]string{"S" + failLabel: {"C"}}}, nil)
	positions := []model.Position{position("A", 10), position("B", 10), position("C", 20)}

	res, err := e.CalculateES(context.Background(), positions, baseSnap(), scenarios, runDate, defaultParams())
	require.NoError(t, err, "one failing scenario is excluded, not fatal")
	assert.Equal(t, 11, res.ScenariosTotal)
	assert.Equal(t, 10, res.ScenariosUsed)
	require.Contains(t, res.ScenarioFailures, failLabel)
	assert.Contains(t, res.ScenarioFailures[failLabel], "C")
}

func TestCalculateES_ExclusionBelowMinimumFails(t *testing.T) {
	scenarios := linearScenarios(10)
	e := New(&pvValuer{failOn: map[string][]string{"S" + scenarios[4].Label: {"C"}}}, nil)
	positions := []model.Position{position("A", 10), position("B", 10), position("C", 20)}

	_, err := e.CalculateES(context.Background(), positions, baseSnap(), scenarios, runDate, defaultParams())
	assert.ErrorIs(t, err, ErrInsufficientScenarios)
}

func TestCalculateES_BasePositionFailureExcluded(t *testing.T) {
	e := New(&pvValuer{failOn: map[string][]string{"BASE": {"B"}}}, nil)
	positions := []model.Position{position("A", 10), position("B", 10), position("C", 20)}

	res, err := e.CalculateES(context.Background(), positions, baseSnap(), linearScenarios(10), runDate, defaultParams())
	require.NoError(t, err)
	require.Contains(t, res.PositionFailures, "B")
	assert.NotContains(t, res.Decomposition, "B")
	assert.InDelta(t, 4000, res.BasePV.InexactFloat64(), 1e-9)
	// Without the +5i hedge from B, the 10d bucket is A alone.
	assert.InDelta(t, 90*math.Sqrt(10), res.HorizonES[10], 1e-9)
}

func TestCalculateES_AllPositionsFailBase(t *testing.T) {
	e := New(&pvValuer{failOn: map[string][]string{"BASE": {"A", "B", "C"}}}, nil)
	positions := []model.Position{position("A", 10), position("B", 10), position("C", 20)}

	_, err := e.CalculateES(context.Background(), positions, baseSnap(), linearScenarios(10), runDate, defaultParams())
	assert.ErrorIs(t, err, ErrEmptyPortfolio)
}

func TestCalculateES_EmptyPortfolio(t *testing.T) {
	e := New(&pvValuer{}, nil)
	_, err := e.CalculateES(context.Background(), nil, baseSnap(), linearScenarios(10), runDate, defaultParams())
	assert.ErrorIs(t, err, ErrEmptyPortfolio)
}

func TestCalculateES_ConfigErrors(t *testing.T) {
	e := New(&pvValuer{}, nil)
	positions := []model.Position{position("A", 10)}
	scenarios := linearScenarios(10)

	bad := []Params{
		{Confidence: 0, Horizons: []int{10}},
		{Confidence: 1, Horizons: []int{10}},
		{Confidence: 1.2, Horizons: []int{10}},
		{Confidence: 0.9},
		{Confidence: 0.9, Horizons: []int{10, 10}},
		{Confidence: 0.9, Horizons: []int{20, 10}},
		{Confidence: 0.9, Horizons: []int{0, 10}},
		{Confidence: 0.9, Horizons: []int{10}, BaseHorizonDays: -1},
	}
	for i, params := range bad {
		_, err := e.CalculateES(context.Background(), positions, baseSnap(), scenarios, runDate, params)
		assert.ErrorIs(t, err, ErrConfig, "case %d", i)
	}

	_, err := e.CalculateES(context.Background(), positions, nil, scenarios, runDate, defaultParams())
	assert.ErrorIs(t, err, ErrConfig, "nil base snapshot")

	_, err = e.CalculateES(context.Background(), positions, baseSnap(), scenarios, runDate.AddDate(0, 0, 1), defaultParams())
	assert.ErrorIs(t, err, ErrConfig, "base snapshot dated off the valuation date")

	offDate := linearScenarios(10)
	offDate[3].Snapshot.AsOf = runDate.AddDate(0, 0, -1)
	_, err = e.CalculateES(context.Background(), positions, baseSnap(), offDate, runDate, defaultParams())
	assert.ErrorIs(t, err, ErrConfig, "scenario generated for another as-of date")
}

func TestCalculateES_TooFewScenariosUpfront(t *testing.T) {
	e := New(&pvValuer{}, nil)
	positions := []model.Position{position("A", 10)}

	params := defaultParams()
	params.Confidence = 0.99
	_, err := e.CalculateES(context.Background(), positions, baseSnap(), linearScenarios(50), runDate, params)
	assert.ErrorIs(t, err, ErrInsufficientScenarios)
}

func TestCalculateES_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	positions := []model.Position{position("A", 10)}
	for _, parallel := range []bool{false, true} {
		params := defaultParams()
		params.Parallel = parallel
		e := New(&pvValuer{}, nil)
		res, err := e.CalculateES(ctx, positions, baseSnap(), linearScenarios(10), runDate, params)
		assert.ErrorIs(t, err, ErrCancelled, "parallel=%v", parallel)
		assert.Nil(t, res)
	}
}

func TestCalculateES_EmptyBucketReportsZero(t *testing.T) {
	e := New(&pvValuer{}, nil)
	positions := []model.Position{position("A", 10), position("B", 10)}

	res, err := e.CalculateES(context.Background(), positions, baseSnap(), linearScenarios(10), runDate, defaultParams())
	require.NoError(t, err)

	require.Contains(t, res.HorizonES, 20)
	assert.Zero(t, res.HorizonES[20], "configured bucket with no positions")
	assert.InDelta(t, 45*math.Sqrt(10), res.HorizonES[10], 1e-9)
	assert.InDelta(t, 45*math.Sqrt(10), res.TotalES, 1e-9, "empty buckets add nothing to the aggregate")
}

func TestCalculateES_HorizonOrderingAtHighConfidence(t *testing.T) {
	// 100 scenarios at 99%: the 20-day bucket scales harder than the
	// 10-day bucket, and the aggregate dominates both.
	n := 100
	scenarios := make([]model.Scenario, n)
	for i := 0; i < n; i++ {
		label := fmt.Sprintf("s%03d", i)
		scenarios[i] = model.Scenario{
			Seq:   i,
			Label: label,
			Snapshot: &model.Snapshot{
				Name: "S" + label,
				AsOf: runDate,
				Factors: map[string]float64{
					"PV.A": 1000 - float64(i),
					"PV.C": 3000 - float64(i),
				},
			},
		}
	}
	base := &model.Snapshot{Name: "BASE", AsOf: runDate, Factors: map[string]float64{"PV.A": 1000, "PV.C": 3000}}
	positions := []model.Position{position("A", 10), position("C", 20)}

	params := Params{Confidence: 0.99, Horizons: []int{10, 20}}
	e := New(&pvValuer{}, nil)
	res, err := e.CalculateES(context.Background(), positions, base, scenarios, runDate, params)
	require.NoError(t, err)

	assert.Greater(t, res.HorizonES[20], res.HorizonES[10])
	assert.GreaterOrEqual(t, res.TotalES, res.HorizonES[20])
	assert.InDelta(t, 99*math.Sqrt(10), res.HorizonES[10], 1e-9)
	assert.InDelta(t, 99*math.Sqrt(20), res.HorizonES[20], 1e-9)
}

func TestCalculateES_ProgressEvents(t *testing.T) {
	var events []Event
	params := defaultParams()
	params.Progress = func(ev Event) { events = append(events, ev) }

	e := New(&pvValuer{}, nil)
	positions := []model.Position{position("A", 10)}
	_, err := e.CalculateES(context.Background(), positions, baseSnap(), linearScenarios(10), runDate, params)
	require.NoError(t, err)

	require.Len(t, events, 12, "base + 10 scenarios + aggregate")
	assert.Equal(t, Event{Stage: "base", Completed: 1, Total: 1}, events[0])
	for i := 1; i <= 10; i++ {
		assert.Equal(t, Event{Stage: "scenario", Completed: i, Total: 10}, events[i])
	}
	assert.Equal(t, "aggregate", events[11].Stage)
}

func TestCalculateES_ScenarioOrderIrrelevant(t *testing.T) {
	positions := []model.Position{position("A", 10), position("B", 10), position("C", 20)}

	inOrder := linearScenarios(10)
	shuffled := make([]model.Scenario, len(inOrder))
	for i, j := range []int{7, 2, 9, 0, 4, 6, 1, 8, 3, 5} {
		shuffled[i] = inOrder[j]
	}

	e := New(&pvValuer{}, nil)
	a, err := e.CalculateES(context.Background(), positions, baseSnap(), inOrder, runDate, defaultParams())
	require.NoError(t, err)
	b, err := e.CalculateES(context.Background(), positions, baseSnap(), shuffled, runDate, defaultParams())
	require.NoError(t, err)

	assert.Equal(t, a.TotalES, b.TotalES, "engine reorders by sequence before reducing")
	assert.Equal(t, a.Decomposition, b.Decomposition)
}
