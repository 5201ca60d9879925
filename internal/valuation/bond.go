package valuation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/curve"
	"github.com/atmx/risk-engine/internal/lattice"
	"github.com/atmx/risk-engine/internal/model"
)

// Instrument-type tags the bond models register under.
const (
	TagBond         = "BOND"          // bullet bond, discounted cashflows
	TagCallableBond = "CALLABLE_BOND" // option-embedded bond, rate lattice
)

// DCFBond prices fixed-coupon bullet bonds by discounting the coupon
// schedule on the snapshot's zero curve for the position currency.
type DCFBond struct {
	dayCount    curve.DayCount
	compounding curve.Compounding
}

// NewDCFBond returns a discounted-cashflow bond model. Empty
// conventions default to ACT/365F and annual compounding.
func NewDCFBond(dc curve.DayCount, comp curve.Compounding) *DCFBond {
	if dc == "" {
		dc = curve.ACT365F
	}
	if comp == "" {
		comp = curve.Annual
	}
	return &DCFBond{dayCount: dc, compounding: comp}
}

// Validate checks the bond terms. Option schedules are rejected here:
// they need the lattice model.
func (m *DCFBond) Validate(p *model.Position) error {
	if err := validateBondTerms(p); err != nil {
		return err
	}
	if len(p.Bond.CallSchedule) > 0 || len(p.Bond.PutSchedule) > 0 {
		return fmt.Errorf("%w: %s: option schedules need the %s model",
			ErrInvalidPosition, p.ID, TagCallableBond)
	}
	return nil
}

// Price discounts the remaining coupon schedule.
func (m *DCFBond) Price(ctx context.Context, p *model.Position, snap *model.Snapshot, asOf time.Time) (model.ValuationResult, error) {
	if err := ctx.Err(); err != nil {
		return model.ValuationResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	crv, err := CurveFromSnapshot(snap, p.Currency, asOf, m.dayCount, m.compounding)
	if err != nil {
		return model.ValuationResult{}, err
	}
	flows, err := couponSchedule(p.Bond, asOf)
	if err != nil {
		return model.ValuationResult{}, err
	}
	unit := crv.PresentValue(flows)
	return bondResult(p, TagBond, unit, map[string]float64{"unit_price": unit}), nil
}

// LatticeBond prices option-embedded bonds on a calibrated short-rate
// lattice. The lattice pillars are the remaining coupon dates plus any
// off-coupon option dates, so every exercise opportunity falls on a
// tree level. Each Price call builds and owns its own tree.
type LatticeBond struct {
	dayCount    curve.DayCount
	compounding curve.Compounding
	cfg         lattice.Config
}

// NewLatticeBond returns a lattice bond model. Empty conventions
// default to ACT/365F and annual compounding; the zero Config takes
// the lattice calibration defaults.
func NewLatticeBond(dc curve.DayCount, comp curve.Compounding, cfg lattice.Config) *LatticeBond {
	if dc == "" {
		dc = curve.ACT365F
	}
	if comp == "" {
		comp = curve.Annual
	}
	return &LatticeBond{dayCount: dc, compounding: comp, cfg: cfg}
}

// Validate checks the bond terms and both option schedules.
func (m *LatticeBond) Validate(p *model.Position) error {
	if err := validateBondTerms(p); err != nil {
		return err
	}
	if err := validateSchedule(p, "call", p.Bond.CallSchedule); err != nil {
		return err
	}
	return validateSchedule(p, "put", p.Bond.PutSchedule)
}

// Price calibrates a tree to the snapshot curve and vols, then runs
// backward induction over the schedule. A calibration failure is
// returned as this position's error and leaves other positions alone.
func (m *LatticeBond) Price(ctx context.Context, p *model.Position, snap *model.Snapshot, asOf time.Time) (model.ValuationResult, error) {
	if err := ctx.Err(); err != nil {
		return model.ValuationResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	crv, err := CurveFromSnapshot(snap, p.Currency, asOf, m.dayCount, m.compounding)
	if err != nil {
		return model.ValuationResult{}, err
	}
	flows, err := couponSchedule(p.Bond, asOf)
	if err != nil {
		return model.ValuationResult{}, err
	}

	pillars := latticePillars(flows, p.Bond, asOf)
	stepOf := make(map[int64]int, len(pillars))
	for k, d := range pillars {
		stepOf[d.Unix()] = k + 1
	}

	cashflows := make([]lattice.StepCashflow, 0, len(flows))
	for _, f := range flows {
		cashflows = append(cashflows, lattice.StepCashflow{Step: stepOf[f.Date.Unix()], Amount: f.Amount})
	}
	calls := optionSteps(p.Bond.CallSchedule, asOf, stepOf)
	puts := optionSteps(p.Bond.PutSchedule, asOf, stepOf)

	vols, err := volsForPillars(snap, p.Currency, asOf, pillars)
	if err != nil {
		return model.ValuationResult{}, err
	}
	tree, err := lattice.Build(crv, pillars, vols, m.cfg)
	if err != nil {
		return model.ValuationResult{}, err
	}
	res, err := tree.PriceBond(cashflows, calls, puts, false)
	if err != nil {
		return model.ValuationResult{}, err
	}

	detail := map[string]float64{"unit_price": res.PV}
	if len(calls) > 0 || len(puts) > 0 {
		straight, serr := tree.PriceBond(cashflows, nil, nil, false)
		if serr == nil {
			detail["straight_price"] = straight.PV
			detail["option_adjustment"] = res.PV - straight.PV
		}
	}
	return bondResult(p, TagCallableBond, res.PV, detail), nil
}

// bondResult converts a unit price per 100 face into a position-level
// present value at the engine price scale.
func bondResult(p *model.Position, tag string, unit float64, detail map[string]float64) model.ValuationResult {
	pv := decimal.NewFromFloat(unit).
		Mul(p.Notional).
		Div(decimal.NewFromInt(100)).
		Round(PriceScale)
	return model.ValuationResult{
		PositionID: p.ID,
		PV:         pv,
		Currency:   p.Currency,
		Model:      tag,
		Detail:     detail,
	}
}

func validateBondTerms(p *model.Position) error {
	if p.Bond == nil {
		return fmt.Errorf("%w: %s: bond terms required", ErrInvalidPosition, p.ID)
	}
	b := p.Bond
	if b.Maturity.IsZero() {
		return fmt.Errorf("%w: %s: maturity required", ErrInvalidPosition, p.ID)
	}
	if b.Frequency < 1 || 12%b.Frequency != 0 {
		return fmt.Errorf("%w: %s: coupon frequency %d must divide 12",
			ErrInvalidPosition, p.ID, b.Frequency)
	}
	if b.CouponRate < 0 || math.IsNaN(b.CouponRate) || math.IsInf(b.CouponRate, 0) {
		return fmt.Errorf("%w: %s: coupon rate %v", ErrInvalidPosition, p.ID, b.CouponRate)
	}
	if p.Notional.IsZero() {
		return fmt.Errorf("%w: %s: notional required", ErrInvalidPosition, p.ID)
	}
	if p.Currency == "" {
		return fmt.Errorf("%w: %s: currency required", ErrInvalidPosition, p.ID)
	}
	return nil
}

func validateSchedule(p *model.Position, kind string, schedule []model.OptionProvision) error {
	var prev time.Time
	for _, o := range schedule {
		if o.Date.IsZero() {
			return fmt.Errorf("%w: %s: %s provision without date", ErrInvalidPosition, p.ID, kind)
		}
		if o.Date.After(p.Bond.Maturity) {
			return fmt.Errorf("%w: %s: %s date %s after maturity",
				ErrInvalidPosition, p.ID, kind, o.Date.Format("2006-01-02"))
		}
		if !o.Date.After(prev) {
			return fmt.Errorf("%w: %s: %s schedule not strictly ascending", ErrInvalidPosition, p.ID, kind)
		}
		if o.Price <= 0 || math.IsNaN(o.Price) || math.IsInf(o.Price, 0) {
			return fmt.Errorf("%w: %s: %s price %v", ErrInvalidPosition, p.ID, kind, o.Price)
		}
		prev = o.Date
	}
	return nil
}

// couponSchedule expands the remaining coupon dates per 100 face,
// stepping back from maturity by the coupon period. Redemption pays
// with the final coupon; flows at or before the valuation date are
// gone.
func couponSchedule(b *model.BondTerms, asOf time.Time) ([]curve.Cashflow, error) {
	if !b.Maturity.After(asOf) {
		return nil, fmt.Errorf("%w: bond matured %s", ErrInvalidPosition, b.Maturity.Format("2006-01-02"))
	}
	months := 12 / b.Frequency

	var dates []time.Time
	for k := 0; ; k++ {
		d := b.Maturity.AddDate(0, -months*k, 0)
		if !d.After(asOf) {
			break
		}
		dates = append(dates, d)
	}

	coupon := b.CouponRate * 100 / float64(b.Frequency)
	flows := make([]curve.Cashflow, len(dates))
	for i, d := range dates {
		amount := coupon
		if i == 0 {
			amount += 100
		}
		flows[len(dates)-1-i] = curve.Cashflow{Date: d, Amount: amount}
	}
	return flows, nil
}

// latticePillars merges coupon dates with still-active option dates
// into one ascending pillar list. Option dates never extend past
// maturity, so the final pillar is always the redemption date.
func latticePillars(flows []curve.Cashflow, b *model.BondTerms, asOf time.Time) []time.Time {
	set := make(map[int64]time.Time, len(flows))
	for _, f := range flows {
		set[f.Date.Unix()] = f.Date
	}
	for _, o := range b.CallSchedule {
		if o.Date.After(asOf) {
			set[o.Date.Unix()] = o.Date
		}
	}
	for _, o := range b.PutSchedule {
		if o.Date.After(asOf) {
			set[o.Date.Unix()] = o.Date
		}
	}
	pillars := make([]time.Time, 0, len(set))
	for _, d := range set {
		pillars = append(pillars, d)
	}
	sort.Slice(pillars, func(i, j int) bool { return pillars[i].Before(pillars[j]) })
	return pillars
}

func optionSteps(schedule []model.OptionProvision, asOf time.Time, stepOf map[int64]int) []lattice.StepOption {
	var out []lattice.StepOption
	for _, o := range schedule {
		if !o.Date.After(asOf) {
			continue
		}
		out = append(out, lattice.StepOption{Step: stepOf[o.Date.Unix()], Price: o.Price})
	}
	return out
}
