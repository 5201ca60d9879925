// Package risk computes Expected Shortfall over a scenario set.
//
// One run revalues the portfolio under every scenario, builds the
// per-position and portfolio P&L distributions, scales them across
// liquidity horizons by sqrt(horizon/base), combines the per-horizon
// ES values by sum of squared increments and attributes the tail loss
// to positions by their average contribution across tail scenarios.
//
// The attribution is an average-tail-contribution approximation, not
// an Euler allocation: contributions sum to the unscaled portfolio ES
// but carry no marginal interpretation.
//
// Scenario revaluations may run on a worker pool. All reductions key
// partial results by scenario sequence and position id and fold them
// in sorted order, so parallel and serial runs produce identical
// numbers.
package risk

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/valuation"
)

var (
	// ErrConfig means the run parameters are unusable: confidence
	// outside (0,1), malformed horizons, or a snapshot dated off the
	// valuation date. Nothing is computed.
	ErrConfig = errors.New("risk: invalid configuration")

	// ErrEmptyPortfolio means no position was available to value, either
	// none were supplied or every one failed the base valuation.
	ErrEmptyPortfolio = errors.New("risk: empty portfolio")

	// ErrInsufficientScenarios means the usable scenario count cannot
	// populate the tail at the requested confidence.
	ErrInsufficientScenarios = errors.New("risk: insufficient scenarios")

	// ErrCancelled means the run was stopped externally. No partial
	// result is returned.
	ErrCancelled = errors.New("risk: cancelled")
)

// PortfolioValuer revalues a portfolio under one snapshot. Satisfied
// by *valuation.Dispatcher.
type PortfolioValuer interface {
	ValuePortfolio(ctx context.Context, positions []model.Position, snap *model.Snapshot, asOf time.Time) (*valuation.PortfolioValuation, error)
}

// Event reports run progress. Stage is "base" after the base
// valuation, "scenario" after each revaluation, "aggregate" when the
// statistics are done.
type Event struct {
	Stage     string `json:"stage"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// Params configures one Expected-Shortfall run.
type Params struct {
	// Confidence is the ES confidence level, exclusive (0,1).
	Confidence float64 `json:"confidence"`

	// Horizons are liquidity horizons in trading days, strictly
	// ascending and positive.
	Horizons []int `json:"horizons"`

	// BaseHorizonDays is the horizon already embodied in one historical
	// scenario step. Zero means 1 day.
	BaseHorizonDays int `json:"base_horizon_days"`

	// Parallel fans scenario revaluations out over MaxWorkers
	// goroutines; zero MaxWorkers means GOMAXPROCS.
	Parallel   bool `json:"parallel"`
	MaxWorkers int  `json:"max_workers"`

	// Progress, when set, receives run events. Called from worker
	// goroutines under a lock; keep it fast.
	Progress func(Event) `json:"-"`
}

func (p Params) normalized() (Params, error) {
	if p.Confidence <= 0 || p.Confidence >= 1 {
		return p, fmt.Errorf("%w: confidence %v outside (0,1)", ErrConfig, p.Confidence)
	}
	if len(p.Horizons) == 0 {
		return p, fmt.Errorf("%w: no liquidity horizons", ErrConfig)
	}
	prev := 0
	for _, h := range p.Horizons {
		if h <= prev {
			return p, fmt.Errorf("%w: horizons must be positive and strictly ascending, got %v", ErrConfig, p.Horizons)
		}
		prev = h
	}
	if p.BaseHorizonDays < 0 {
		return p, fmt.Errorf("%w: base horizon %d days", ErrConfig, p.BaseHorizonDays)
	}
	if p.BaseHorizonDays == 0 {
		p.BaseHorizonDays = 1
	}
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = runtime.GOMAXPROCS(0)
	}
	return p, nil
}

// Engine drives risk runs against a portfolio valuer.
type Engine struct {
	valuer PortfolioValuer
	log    *zap.Logger
}

// New returns an Engine. A nil logger disables logging.
func New(valuer PortfolioValuer, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{valuer: valuer, log: log}
}

type scenSlot struct {
	pvs     map[string]float64
	failMsg string
	err     error
}

// CalculateES computes Expected Shortfall for the portfolio under the
// scenario set.
//
// Failure policy: a position failing the base valuation is dropped
// from the whole run and reported in PositionFailures; a scenario
// under which any remaining position fails is excluded and reported in
// ScenarioFailures. The run itself fails only on bad parameters, an
// empty portfolio, too few usable scenarios, or cancellation.
func (e *Engine) CalculateES(ctx context.Context, positions []model.Position, base *model.Snapshot, scenarios []model.Scenario, asOf time.Time, params Params) (*model.RiskResult, error) {
	start := time.Now()
	p, err := params.normalized()
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: no positions", ErrEmptyPortfolio)
	}
	if base == nil {
		return nil, fmt.Errorf("%w: base snapshot required", ErrConfig)
	}
	if !base.AsOf.Equal(asOf) {
		return nil, fmt.Errorf("%w: base snapshot dated %s, valuation date %s",
			ErrConfig, base.AsOf.Format("2006-01-02"), asOf.Format("2006-01-02"))
	}
	for i := range scenarios {
		if scenarios[i].Snapshot == nil {
			return nil, fmt.Errorf("%w: scenario %s has no snapshot", ErrConfig, scenarioKey(&scenarios[i]))
		}
		if !scenarios[i].Snapshot.AsOf.Equal(asOf) {
			return nil, fmt.Errorf("%w: scenario %s dated %s, valuation date %s", ErrConfig,
				scenarioKey(&scenarios[i]), scenarios[i].Snapshot.AsOf.Format("2006-01-02"), asOf.Format("2006-01-02"))
		}
	}
	required := requiredScenarios(p.Confidence)
	if len(scenarios) < required {
		return nil, fmt.Errorf("%w: have %d, need %d at confidence %v",
			ErrInsufficientScenarios, len(scenarios), required, p.Confidence)
	}

	// Base valuation fixes the portfolio for the whole run: positions
	// that cannot be priced today cannot contribute a P&L either.
	baseOut, err := e.valuer.ValuePortfolio(ctx, positions, base, asOf)
	if err != nil {
		if errors.Is(err, valuation.ErrCancelled) {
			return nil, fmt.Errorf("%w: base valuation", ErrCancelled)
		}
		return nil, err
	}
	positionFailures := baseOut.FailureMessages()

	byID := make(map[string]model.Position, len(positions))
	for i := range positions {
		byID[positions[i].ID] = positions[i]
	}
	activeIDs := make([]string, 0, len(baseOut.Results))
	for id := range baseOut.Results {
		activeIDs = append(activeIDs, id)
	}
	sort.Strings(activeIDs)
	if len(activeIDs) == 0 {
		return nil, fmt.Errorf("%w: no position priced in the base case", ErrEmptyPortfolio)
	}
	active := make([]model.Position, len(activeIDs))
	baseVals := make(map[string]float64, len(activeIDs))
	for i, id := range activeIDs {
		active[i] = byID[id]
		baseVals[id] = baseOut.Results[id].PV.InexactFloat64()
	}

	progress := newProgress(p.Progress)
	progress.emit(Event{Stage: "base", Completed: 1, Total: 1})

	ordered := make([]model.Scenario, len(scenarios))
	copy(ordered, scenarios)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	slots := make([]scenSlot, len(ordered))
	if p.Parallel && len(ordered) > 1 {
		err = e.fanOut(ctx, ordered, active, asOf, p, slots, progress)
	} else {
		err = e.runSerial(ctx, ordered, active, asOf, slots, progress)
	}
	if err != nil {
		return nil, err
	}
	for i := range slots {
		if slots[i].err != nil {
			return nil, slots[i].err
		}
	}

	// Deterministic reduce in scenario sequence order.
	scenarioFailures := make(map[string]string)
	portPnL := make([]float64, 0, len(ordered))
	posPnL := make(map[string][]float64, len(active))
	for _, id := range activeIDs {
		posPnL[id] = make([]float64, 0, len(ordered))
	}
	for i := range ordered {
		if slots[i].failMsg != "" {
			scenarioFailures[scenarioKey(&ordered[i])] = slots[i].failMsg
			continue
		}
		total := 0.0
		for _, id := range activeIDs {
			pnl := slots[i].pvs[id] - baseVals[id]
			posPnL[id] = append(posPnL[id], pnl)
			total += pnl
		}
		portPnL = append(portPnL, total)
	}
	used := len(portPnL)
	if used < required {
		return nil, fmt.Errorf("%w: %d usable of %d supplied, need %d at confidence %v",
			ErrInsufficientScenarios, used, len(ordered), required, p.Confidence)
	}

	horizonES := make(map[int]float64, len(p.Horizons))
	buckets := partition(active, p.Horizons)
	for _, h := range p.Horizons {
		ids := buckets[h]
		if len(ids) == 0 {
			horizonES[h] = 0
			continue
		}
		vec := make([]float64, used)
		for _, id := range ids {
			for s, v := range posPnL[id] {
				vec[s] += v
			}
		}
		horizonES[h] = expectedShortfall(vec, p.Confidence) * horizonScale(h, p.BaseHorizonDays)
	}
	totalES := aggregateHorizons(p.Horizons, horizonES)
	unscaled := expectedShortfall(portPnL, p.Confidence)

	tail := tailIndices(portPnL, p.Confidence)
	decomposition := make(map[string]float64, len(activeIDs))
	for _, id := range activeIDs {
		sum := 0.0
		for _, s := range tail {
			sum += posPnL[id][s]
		}
		decomposition[id] = -sum / float64(len(tail))
	}

	progress.emit(Event{Stage: "aggregate", Completed: used, Total: len(ordered)})

	result := &model.RiskResult{
		RunID:            uuid.NewString(),
		AsOf:             asOf,
		Confidence:       p.Confidence,
		BaseHorizonDays:  p.BaseHorizonDays,
		BasePV:           baseOut.Total(),
		HorizonES:        horizonES,
		TotalES:          totalES,
		UnscaledES:       unscaled,
		Decomposition:    decomposition,
		ScenariosTotal:   len(ordered),
		ScenariosUsed:    used,
		ScenarioFailures: scenarioFailures,
		PositionFailures: positionFailures,
		Elapsed:          time.Since(start),
	}

	e.log.Info("risk run complete",
		zap.String("run_id", result.RunID),
		zap.Float64("total_es", totalES),
		zap.Int("scenarios_used", used),
		zap.Int("scenarios_excluded", len(scenarioFailures)),
		zap.Int("positions_excluded", len(positionFailures)),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

func (e *Engine) runSerial(ctx context.Context, scenarios []model.Scenario, active []model.Position, asOf time.Time, slots []scenSlot, progress *progressTracker) error {
	for i := range scenarios {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		slots[i] = e.revalue(ctx, &scenarios[i], active, asOf)
		progress.emit(Event{Stage: "scenario", Completed: i + 1, Total: len(scenarios)})
	}
	return nil
}

func (e *Engine) fanOut(ctx context.Context, scenarios []model.Scenario, active []model.Position, asOf time.Time, p Params, slots []scenSlot, progress *progressTracker) error {
	workers := p.MaxWorkers
	if workers > len(scenarios) {
		workers = len(scenarios)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	var done int
	var doneMu sync.Mutex
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				slots[idx] = e.revalue(ctx, &scenarios[idx], active, asOf)
				doneMu.Lock()
				done++
				progress.emit(Event{Stage: "scenario", Completed: done, Total: len(scenarios)})
				doneMu.Unlock()
			}
		}()
	}

feed:
	for i := range scenarios {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

// revalue prices the active portfolio under one scenario. A failure of
// any position makes the scenario unusable for the portfolio-level
// distribution, so the whole scenario is marked excluded.
func (e *Engine) revalue(ctx context.Context, sc *model.Scenario, active []model.Position, asOf time.Time) scenSlot {
	out, err := e.valuer.ValuePortfolio(ctx, active, sc.Snapshot, asOf)
	if err != nil {
		if errors.Is(err, valuation.ErrCancelled) {
			return scenSlot{err: fmt.Errorf("%w: scenario %s", ErrCancelled, scenarioKey(sc))}
		}
		return scenSlot{err: err}
	}
	if len(out.Failures) > 0 {
		ids := make([]string, 0, len(out.Failures))
		for id := range out.Failures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return scenSlot{failMsg: fmt.Sprintf("position %s: %v (%d failed)", ids[0], out.Failures[ids[0]], len(ids))}
	}
	pvs := make(map[string]float64, len(out.Results))
	for id, res := range out.Results {
		pvs[id] = res.PV.InexactFloat64()
	}
	return scenSlot{pvs: pvs}
}

func scenarioKey(sc *model.Scenario) string {
	if sc.Label != "" {
		return sc.Label
	}
	return fmt.Sprintf("#%d", sc.Seq)
}

// progressTracker serializes progress callbacks from workers.
type progressTracker struct {
	mu sync.Mutex
	fn func(Event)
}

func newProgress(fn func(Event)) *progressTracker {
	return &progressTracker{fn: fn}
}

func (p *progressTracker) emit(ev Event) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	p.fn(ev)
	p.mu.Unlock()
}
