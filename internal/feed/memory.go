package feed

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/atmx/risk-engine/internal/model"
)

// Memory holds positions, snapshot and history behind one lock and
// implements all three feed interfaces. Data is copied on the way in
// and on the way out, so callers can never mutate what the engine
// reads.
type Memory struct {
	mu        sync.RWMutex
	positions []model.Position
	snapshot  *model.Snapshot
	history   *model.HistoricalSeries
}

// NewMemory returns an empty feed. Reads fail until the matching Set
// call has loaded data.
func NewMemory() *Memory {
	return &Memory{}
}

// SetPositions validates and replaces the loaded portfolio.
func (m *Memory) SetPositions(_ context.Context, positions []model.Position) error {
	if len(positions) == 0 {
		return fmt.Errorf("%w: empty position list", ErrInvalidFeed)
	}
	seen := make(map[string]struct{}, len(positions))
	for i := range positions {
		p := &positions[i]
		if p.ID == "" {
			return fmt.Errorf("%w: position %d has empty id", ErrInvalidFeed, i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate position id %s", ErrInvalidFeed, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.InstrumentType == "" {
			return fmt.Errorf("%w: position %s has no instrument type", ErrInvalidFeed, p.ID)
		}
		if p.Currency == "" {
			return fmt.Errorf("%w: position %s has no currency", ErrInvalidFeed, p.ID)
		}
		if p.LiquidityHorizonDays < 0 {
			return fmt.Errorf("%w: position %s liquidity horizon %d days", ErrInvalidFeed, p.ID, p.LiquidityHorizonDays)
		}
	}

	clone := make([]model.Position, len(positions))
	for i := range positions {
		clone[i] = clonePosition(&positions[i])
	}

	m.mu.Lock()
	m.positions = clone
	m.mu.Unlock()
	return nil
}

// Positions returns a copy of the loaded portfolio.
func (m *Memory) Positions(_ context.Context) ([]model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.positions == nil {
		return nil, ErrNoPositions
	}
	out := make([]model.Position, len(m.positions))
	for i := range m.positions {
		out[i] = clonePosition(&m.positions[i])
	}
	return out, nil
}

// SetSnapshot validates and replaces the base market snapshot. Every
// factor identifier must parse and every value must be finite.
func (m *Memory) SetSnapshot(_ context.Context, snap *model.Snapshot) error {
	if snap == nil || len(snap.Factors) == 0 {
		return fmt.Errorf("%w: empty snapshot", ErrInvalidFeed)
	}
	if snap.AsOf.IsZero() {
		return fmt.Errorf("%w: snapshot without as-of date", ErrInvalidFeed)
	}
	if err := validateFactors(snap.Factors); err != nil {
		return err
	}

	clone := cloneSnapshot(snap)
	m.mu.Lock()
	m.snapshot = clone
	m.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the loaded snapshot.
func (m *Memory) Snapshot(_ context.Context) (*model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	return cloneSnapshot(m.snapshot), nil
}

// SetHistory validates and replaces the historical series. Records
// must carry distinct non-zero dates; factor identifiers and values
// are validated like snapshot factors.
func (m *Memory) SetHistory(_ context.Context, hist model.HistoricalSeries) error {
	if len(hist.Records) == 0 {
		return fmt.Errorf("%w: empty history", ErrInvalidFeed)
	}
	dates := make(map[int64]struct{}, len(hist.Records))
	for i := range hist.Records {
		r := &hist.Records[i]
		if r.Date.IsZero() {
			return fmt.Errorf("%w: history record %d without date", ErrInvalidFeed, i)
		}
		if _, dup := dates[r.Date.Unix()]; dup {
			return fmt.Errorf("%w: duplicate history date %s", ErrInvalidFeed, r.Date.Format("2006-01-02"))
		}
		dates[r.Date.Unix()] = struct{}{}
		if err := validateFactors(r.Factors); err != nil {
			return fmt.Errorf("history %s: %w", r.Date.Format("2006-01-02"), err)
		}
	}

	clone := cloneSeries(&hist)
	m.mu.Lock()
	m.history = clone
	m.mu.Unlock()
	return nil
}

// History returns a copy of the loaded series.
func (m *Memory) History(_ context.Context) (model.HistoricalSeries, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.history == nil {
		return model.HistoricalSeries{}, ErrNoHistory
	}
	return *cloneSeries(m.history), nil
}

func validateFactors(factors map[string]float64) error {
	for id, v := range factors {
		if _, err := model.ParseFactor(id); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFeed, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: factor %s is not finite", ErrInvalidFeed, id)
		}
	}
	return nil
}

func clonePosition(p *model.Position) model.Position {
	out := *p
	if p.Bond != nil {
		bond := *p.Bond
		bond.CallSchedule = append([]model.OptionProvision(nil), p.Bond.CallSchedule...)
		bond.PutSchedule = append([]model.OptionProvision(nil), p.Bond.PutSchedule...)
		out.Bond = &bond
	}
	return out
}

func cloneSnapshot(s *model.Snapshot) *model.Snapshot {
	factors := make(map[string]float64, len(s.Factors))
	for id, v := range s.Factors {
		factors[id] = v
	}
	return &model.Snapshot{Name: s.Name, AsOf: s.AsOf, Factors: factors}
}

func cloneSeries(h *model.HistoricalSeries) *model.HistoricalSeries {
	records := make([]model.HistoricalRecord, len(h.Records))
	for i := range h.Records {
		factors := make(map[string]float64, len(h.Records[i].Factors))
		for id, v := range h.Records[i].Factors {
			factors[id] = v
		}
		records[i] = model.HistoricalRecord{Date: h.Records[i].Date, Factors: factors}
	}
	return &model.HistoricalSeries{Records: records}
}
