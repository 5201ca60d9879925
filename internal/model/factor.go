package model

import (
	"errors"
	"fmt"
	"regexp"
)

// Supported risk-factor classes.
const (
	ClassZero = "ZERO" // zero rate at a curve tenor
	ClassVol  = "VOL"  // rate volatility at a curve tenor
	ClassFX   = "FX"   // spot exchange rate
)

var validClasses = map[string]bool{
	ClassZero: true,
	ClassVol:  true,
	ClassFX:   true,
}

// factorRegex matches: {CLASS}.{NAME}[.{POINT}]
// Examples: ZERO.USD.10Y, VOL.USD.6M, FX.EURUSD
var factorRegex = regexp.MustCompile(
	`^([A-Z]+)\.([A-Z]{3,6})(?:\.([0-9]+[DWMY]))?$`,
)

var (
	ErrInvalidFactor      = errors.New("model: invalid risk-factor identifier")
	ErrUnknownFactorClass = errors.New("model: unknown risk-factor class")
)

// Factor is a parsed risk-factor identifier. Name is a currency or
// currency pair; Point is a curve tenor and empty for point-free
// classes such as FX.
type Factor struct {
	Class string `json:"class"`
	Name  string `json:"name"`
	Point string `json:"point,omitempty"`
}

// ParseFactor parses and validates a risk-factor identifier.
// Format: {CLASS}.{NAME}[.{POINT}]
func ParseFactor(id string) (*Factor, error) {
	matches := factorRegex.FindStringSubmatch(id)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected CLASS.NAME[.TENOR])",
			ErrInvalidFactor, id)
	}

	class := matches[1]
	name := matches[2]
	point := matches[3]

	if !validClasses[class] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactorClass, class)
	}

	return &Factor{
		Class: class,
		Name:  name,
		Point: point,
	}, nil
}

// String reassembles the dotted identifier.
func (f *Factor) String() string {
	if f.Point == "" {
		return f.Class + "." + f.Name
	}
	return f.Class + "." + f.Name + "." + f.Point
}

// ZeroFactor builds the identifier of a zero-rate factor.
func ZeroFactor(currency, tenor string) string {
	return ClassZero + "." + currency + "." + tenor
}

// VolFactor builds the identifier of a rate-volatility factor.
func VolFactor(currency, tenor string) string {
	return ClassVol + "." + currency + "." + tenor
}
