// Package scenario derives perturbed market snapshots from a base
// snapshot and a historical factor series.
//
// Each consecutive pair of history dates yields one scenario: the
// observed change between the two dates is applied to the base value
// of every factor, under one of three shift methods.
//
//   - absolute:   shifted = base + (curr - prev)
//   - relative:   shifted = base * curr / prev
//   - log_return: shifted = base * exp(ln(curr / prev))
//
// N history dates produce exactly N-1 scenarios, ordered by date
// ascending. Generation is deterministic: factors are visited in
// sorted order and no randomness or map iteration order reaches the
// output, so identical inputs reproduce identical scenario sets.
package scenario

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/atmx/risk-engine/internal/model"
)

var (
	// ErrInsufficientHistory means fewer than two history dates were
	// supplied, so no change can be computed.
	ErrInsufficientHistory = errors.New("scenario: insufficient history")

	// ErrMissingFactor means a base-snapshot factor has no value in the
	// historical series and holding is not configured.
	ErrMissingFactor = errors.New("scenario: missing factor")

	// ErrInvalidShift means the historical values cannot support the
	// configured method, e.g. a relative shift over a zero prior value.
	ErrInvalidShift = errors.New("scenario: invalid shift")

	// ErrUnknownMethod means a shift method name is not one of
	// absolute, relative, log_return.
	ErrUnknownMethod = errors.New("scenario: unknown shift method")

	// ErrInvalidHistory means the series itself is malformed, e.g. two
	// records share one date.
	ErrInvalidHistory = errors.New("scenario: invalid history")
)

// Method selects how a historical change is applied to a base value.
type Method string

const (
	MethodAbsolute  Method = "absolute"
	MethodRelative  Method = "relative"
	MethodLogReturn Method = "log_return"
)

// ParseMethod converts a config string into a Method.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodAbsolute, MethodRelative, MethodLogReturn:
		return Method(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Config controls shift-method selection per factor class.
type Config struct {
	// DefaultMethod applies to factors whose class has no explicit
	// entry. Empty means relative.
	DefaultMethod Method `mapstructure:"default_method"`

	// ClassMethods maps a factor class (ZERO, VOL, FX) to the method
	// used for all factors of that class.
	ClassMethods map[string]Method `mapstructure:"class_methods"`

	// HoldMissingFactors keeps the base value for factors absent from
	// the historical series instead of failing the generation.
	HoldMissingFactors bool `mapstructure:"hold_missing_factors"`
}

func (c Config) methodFor(class string) Method {
	if m, ok := c.ClassMethods[class]; ok {
		return m
	}
	return c.DefaultMethod
}

// Generator builds scenario sets. Safe for concurrent use; it holds
// only immutable configuration.
type Generator struct {
	cfg Config
	log *zap.Logger
}

// New validates the configuration and returns a Generator. A nil
// logger disables logging.
func New(cfg Config, log *zap.Logger) (*Generator, error) {
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = MethodRelative
	}
	if _, err := ParseMethod(string(cfg.DefaultMethod)); err != nil {
		return nil, err
	}
	for class, m := range cfg.ClassMethods {
		if _, err := ParseMethod(string(m)); err != nil {
			return nil, fmt.Errorf("%w: %q for class %s", ErrUnknownMethod, m, class)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{cfg: cfg, log: log}, nil
}

// Generate produces one scenario per consecutive pair of history
// dates, each carrying a fresh shifted snapshot. The base snapshot and
// the series are never mutated; scenario snapshots keep the base
// as-of date so downstream valuation stays on one valuation date.
func (g *Generator) Generate(base *model.Snapshot, hist model.HistoricalSeries) ([]model.Scenario, error) {
	if base == nil {
		return nil, fmt.Errorf("scenario: base snapshot required")
	}
	records := hist.Sorted()
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 dates, have %d", ErrInsufficientHistory, len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Date.Equal(records[i-1].Date) {
			return nil, fmt.Errorf("%w: duplicate date %s", ErrInvalidHistory, records[i].Date.Format("2006-01-02"))
		}
	}

	factors := base.SortedFactors()
	shifts := g.shiftLabels()

	out := make([]model.Scenario, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		prev, curr := records[i-1], records[i]
		label := curr.Date.Format("2006-01-02")

		shifted := make(map[string]float64, len(factors))
		for _, id := range factors {
			baseVal := base.Factors[id]
			prevVal, prevOK := prev.Factors[id]
			currVal, currOK := curr.Factors[id]
			if !prevOK || !currOK {
				if g.cfg.HoldMissingFactors {
					shifted[id] = baseVal
					continue
				}
				return nil, fmt.Errorf("%w: %s on %s", ErrMissingFactor, id, label)
			}
			v, err := applyShift(g.methodForFactor(id), baseVal, prevVal, currVal)
			if err != nil {
				return nil, fmt.Errorf("%s on %s: %w", id, label, err)
			}
			shifted[id] = v
		}

		out = append(out, model.Scenario{
			Seq:    i - 1,
			Label:  label,
			Date:   curr.Date,
			Shifts: shifts,
			Snapshot: &model.Snapshot{
				Name:    fmt.Sprintf("%s#%s", base.Name, label),
				AsOf:    base.AsOf,
				Factors: shifted,
			},
		})
	}

	g.log.Debug("scenario set generated",
		zap.String("base", base.Name),
		zap.Int("scenarios", len(out)),
		zap.Int("factors", len(factors)))
	return out, nil
}

func (g *Generator) methodForFactor(id string) Method {
	f, err := model.ParseFactor(id)
	if err != nil {
		return g.cfg.DefaultMethod
	}
	return g.cfg.methodFor(f.Class)
}

// shiftLabels renders the method routing once; the map is shared
// read-only across every scenario in the set.
func (g *Generator) shiftLabels() map[string]string {
	labels := make(map[string]string, len(g.cfg.ClassMethods)+1)
	labels["default"] = string(g.cfg.DefaultMethod)
	for class, m := range g.cfg.ClassMethods {
		labels[class] = string(m)
	}
	return labels
}

func applyShift(m Method, base, prev, curr float64) (float64, error) {
	var v float64
	switch m {
	case MethodAbsolute:
		v = base + (curr - prev)
	case MethodRelative:
		if prev == 0 {
			return 0, fmt.Errorf("%w: relative shift over zero prior value", ErrInvalidShift)
		}
		v = base * (curr / prev)
	case MethodLogReturn:
		if prev <= 0 || curr <= 0 {
			return 0, fmt.Errorf("%w: log return needs positive values, have %g -> %g", ErrInvalidShift, prev, curr)
		}
		v = base * math.Exp(math.Log(curr/prev))
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, m)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s shift produced non-finite value", ErrInvalidShift, m)
	}
	return v, nil
}
