// Package model defines the core domain types shared across the risk engine.
// Monetary amounts at API boundaries use shopspring/decimal, never float64;
// risk statistics (P&L, ES) are float64 by construction.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// OptionProvision is one entry of an embedded call or put schedule.
// Price is quoted per 100 face.
type OptionProvision struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// BondTerms holds the instrument terms of a fixed-coupon bond with
// optional embedded call/put schedules.
type BondTerms struct {
	Maturity     time.Time         `json:"maturity"`
	CouponRate   float64           `json:"coupon_rate"` // annual, e.g. 0.05
	Frequency    int               `json:"frequency"`   // coupons per year, 1 = annual
	CallSchedule []OptionProvision `json:"call_schedule,omitempty"`
	PutSchedule  []OptionProvision `json:"put_schedule,omitempty"`
}

// Position is one portfolio entry. Immutable once loaded.
type Position struct {
	ID                   string          `json:"id"`
	InstrumentType       string          `json:"instrument_type"` // pricing model tag
	Notional             decimal.Decimal `json:"notional"`        // face amount
	Currency             string          `json:"currency"`
	LiquidityHorizonDays int             `json:"liquidity_horizon_days"`
	Bond                 *BondTerms      `json:"bond,omitempty"`
}

// Snapshot is a named, dated mapping from risk-factor identifier to value.
// Snapshots are immutable by convention: scenario generation builds new
// snapshots and never mutates an existing factor map.
type Snapshot struct {
	Name    string             `json:"name"`
	AsOf    time.Time          `json:"as_of"`
	Factors map[string]float64 `json:"factors"`
}

// Value returns the value of one risk factor.
func (s *Snapshot) Value(id string) (float64, bool) {
	v, ok := s.Factors[id]
	return v, ok
}

// SortedFactors returns the factor identifiers in lexical order.
// Iteration over this slice is how every deterministic pass over a
// snapshot is ordered.
func (s *Snapshot) SortedFactors() []string {
	names := make([]string, 0, len(s.Factors))
	for name := range s.Factors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HistoricalRecord is the factor universe observed on one date.
type HistoricalRecord struct {
	Date    time.Time          `json:"date"`
	Factors map[string]float64 `json:"factors"`
}

// HistoricalSeries is a date-ordered factor history. Read-only: it is
// only ever consumed as the source of historical changes.
type HistoricalSeries struct {
	Records []HistoricalRecord `json:"records"`
}

// Sorted returns the records ordered by date ascending. The receiver is
// left untouched; ties keep their input order.
func (h *HistoricalSeries) Sorted() []HistoricalRecord {
	out := make([]HistoricalRecord, len(h.Records))
	copy(out, h.Records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// Scenario is one perturbed snapshot derived from a consecutive pair of
// historical dates. Seq is the 0-based index within the generated set;
// Date is the later date of the generating pair. Shifts records the
// class-to-method mapping used ("default" key for the fallback method);
// the map is shared across the scenario set and must not be modified.
type Scenario struct {
	Seq      int               `json:"seq"`
	Label    string            `json:"label"`
	Date     time.Time         `json:"date"`
	Shifts   map[string]string `json:"shifts"`
	Snapshot *Snapshot         `json:"snapshot"`
}

// ValuationResult is the present value of one position under one
// snapshot. PV is rounded to the engine price scale (4 dp). Detail
// optionally carries model diagnostics such as the unit price per 100
// face or the embedded-option adjustment.
type ValuationResult struct {
	PositionID string             `json:"position_id"`
	PV         decimal.Decimal    `json:"pv"`
	Currency   string             `json:"currency"`
	Model      string             `json:"model"`
	Detail     map[string]float64 `json:"detail,omitempty"`
}

// RiskResult is the outcome of one Expected-Shortfall run. Never
// mutated after return. HorizonES is keyed by liquidity horizon in
// trading days; Decomposition attributes the unscaled portfolio tail
// loss to positions by average tail contribution.
type RiskResult struct {
	RunID            string             `json:"run_id"`
	AsOf             time.Time          `json:"as_of"`
	Confidence       float64            `json:"confidence"`
	BaseHorizonDays  int                `json:"base_horizon_days"`
	BasePV           decimal.Decimal    `json:"base_pv"`
	HorizonES        map[int]float64    `json:"horizon_es"`
	TotalES          float64            `json:"total_es"`
	UnscaledES       float64            `json:"unscaled_es"`
	Decomposition    map[string]float64 `json:"decomposition"`
	ScenariosTotal   int                `json:"scenarios_total"`
	ScenariosUsed    int                `json:"scenarios_used"`
	ScenarioFailures map[string]string  `json:"scenario_failures,omitempty"`
	PositionFailures map[string]string  `json:"position_failures,omitempty"`
	Elapsed          time.Duration      `json:"elapsed_ns"`
}
