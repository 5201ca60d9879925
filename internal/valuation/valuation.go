// Package valuation routes portfolio positions to registered pricing
// models and collects per-position present values.
//
// A Dispatcher owns its own model registry; nothing is process-global.
// Valuation failures are per-position: an unknown instrument type, a
// failed validation or a pricing error is recorded against that
// position while the rest of the portfolio is still valued. Only
// malformed batches and cancellation abort a run as a whole.
//
// Positions may be valued concurrently. Results are keyed by position
// identifier and written to per-index slots before a single-threaded
// reduce, so the outcome is identical whatever order workers finish in.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
)

// PriceScale is the decimal precision of reported present values.
const PriceScale int32 = 4

var (
	// ErrModelNotRegistered means a position's instrument type has no
	// pricing model. Recorded per position, never aborts the batch.
	ErrModelNotRegistered = errors.New("valuation: no model registered for instrument type")

	// ErrInvalidPosition means a position fails its model's validation.
	ErrInvalidPosition = errors.New("valuation: invalid position")

	// ErrMissingFactor means the snapshot lacks a risk factor the
	// pricing model needs.
	ErrMissingFactor = errors.New("valuation: missing risk factor")

	// ErrDuplicatePosition means two positions share an identifier, so
	// results could not be keyed. Fatal to the batch.
	ErrDuplicatePosition = errors.New("valuation: duplicate position id")

	// ErrCancelled means the context was cancelled before the batch
	// completed. No partial result is returned.
	ErrCancelled = errors.New("valuation: cancelled")
)

// Model prices one instrument type. Implementations must be safe for
// concurrent Price calls; any per-call state such as a rate lattice is
// built inside the call and never shared.
type Model interface {
	// Validate checks the instrument terms a position carries against
	// what the model can price.
	Validate(p *model.Position) error

	// Price values one position under one snapshot as of the given
	// valuation date.
	Price(ctx context.Context, p *model.Position, snap *model.Snapshot, asOf time.Time) (model.ValuationResult, error)
}

// Dispatcher maps instrument-type tags to pricing models and fans a
// portfolio out over them.
type Dispatcher struct {
	mu         sync.RWMutex
	models     map[string]Model
	parallel   bool
	maxWorkers int
	log        *zap.Logger
}

// NewDispatcher returns an empty registry. maxWorkers caps worker
// goroutines when parallel; zero or negative means GOMAXPROCS. A nil
// logger disables logging.
func NewDispatcher(parallel bool, maxWorkers int, log *zap.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		models:     make(map[string]Model),
		parallel:   parallel,
		maxWorkers: maxWorkers,
		log:        log,
	}
}

// Register binds a pricing model to an instrument-type tag, replacing
// any prior binding. Registration must not run concurrently with an
// active valuation. Panics on an empty tag or nil model, as those are
// programming errors.
func (d *Dispatcher) Register(tag string, m Model) {
	if tag == "" {
		panic("valuation: Register with empty tag")
	}
	if m == nil {
		panic("valuation: Register with nil model")
	}
	d.mu.Lock()
	d.models[tag] = m
	d.mu.Unlock()
	d.log.Debug("pricing model registered", zap.String("tag", tag))
}

// RegisteredTags returns the bound instrument-type tags in lexical
// order.
func (d *Dispatcher) RegisteredTags() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tags := make([]string, 0, len(d.models))
	for tag := range d.models {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Lookup returns the model bound to an instrument-type tag.
func (d *Dispatcher) Lookup(tag string) (Model, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.models[tag]
	return m, ok
}

// PortfolioValuation is the outcome of one batch. Every input position
// appears in exactly one of Results or Failures.
type PortfolioValuation struct {
	AsOf     time.Time
	Snapshot string
	Results  map[string]model.ValuationResult
	Failures map[string]error
}

// Total sums the successful present values. Positions recorded in
// Failures contribute nothing.
func (pv *PortfolioValuation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, res := range pv.Results {
		total = total.Add(res.PV)
	}
	return total
}

// FailureMessages renders Failures as plain strings keyed by position
// id, for transport boundaries.
func (pv *PortfolioValuation) FailureMessages() map[string]string {
	if len(pv.Failures) == 0 {
		return nil
	}
	out := make(map[string]string, len(pv.Failures))
	for id, err := range pv.Failures {
		out[id] = err.Error()
	}
	return out
}

type slot struct {
	res model.ValuationResult
	err error
}

// ValuePortfolio values every position under the snapshot as of the
// valuation date. Per-position failures land in the returned Failures
// map; a nil error therefore does not mean every position priced.
// Cancellation stops dispatching and returns ErrCancelled with no
// partial result.
func (d *Dispatcher) ValuePortfolio(ctx context.Context, positions []model.Position, snap *model.Snapshot, asOf time.Time) (*PortfolioValuation, error) {
	if snap == nil {
		return nil, fmt.Errorf("valuation: snapshot required")
	}
	seen := make(map[string]struct{}, len(positions))
	for i := range positions {
		if positions[i].ID == "" {
			return nil, fmt.Errorf("%w: position %d has empty id", ErrInvalidPosition, i)
		}
		if _, dup := seen[positions[i].ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePosition, positions[i].ID)
		}
		seen[positions[i].ID] = struct{}{}
	}

	slots := make([]slot, len(positions))
	if d.parallel && len(positions) > 1 {
		if err := d.fanOut(ctx, positions, snap, asOf, slots); err != nil {
			return nil, err
		}
	} else {
		for i := range positions {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
			}
			slots[i] = d.valueOne(ctx, &positions[i], snap, asOf)
		}
	}

	out := &PortfolioValuation{
		AsOf:     asOf,
		Snapshot: snap.Name,
		Results:  make(map[string]model.ValuationResult, len(positions)),
		Failures: make(map[string]error),
	}
	for i := range positions {
		if slots[i].err != nil {
			out.Failures[positions[i].ID] = slots[i].err
			continue
		}
		out.Results[positions[i].ID] = slots[i].res
	}

	d.log.Debug("portfolio valued",
		zap.String("snapshot", snap.Name),
		zap.Int("positions", len(positions)),
		zap.Int("failed", len(out.Failures)))
	return out, nil
}

// fanOut runs valueOne across a bounded worker pool. Workers write to
// disjoint slots indexed by input position, which keeps the reduce
// deterministic without locks.
func (d *Dispatcher) fanOut(ctx context.Context, positions []model.Position, snap *model.Snapshot, asOf time.Time, slots []slot) error {
	workers := d.maxWorkers
	if workers > len(positions) {
		workers = len(positions)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				slots[idx] = d.valueOne(ctx, &positions[idx], snap, asOf)
			}
		}()
	}

feed:
	for i := range positions {
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

func (d *Dispatcher) valueOne(ctx context.Context, p *model.Position, snap *model.Snapshot, asOf time.Time) slot {
	m, ok := d.Lookup(p.InstrumentType)
	if !ok {
		return slot{err: fmt.Errorf("%w: %q", ErrModelNotRegistered, p.InstrumentType)}
	}
	if err := m.Validate(p); err != nil {
		return slot{err: err}
	}
	start := time.Now()
	res, err := m.Price(ctx, p, snap, asOf)
	metrics.PriceDuration.WithLabelValues(p.InstrumentType).Observe(time.Since(start).Seconds())
	if err != nil {
		return slot{err: err}
	}
	res.PositionID = p.ID
	return slot{res: res}
}
