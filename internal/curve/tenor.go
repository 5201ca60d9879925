package curve

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// tenorRegex matches: {count}{unit} with unit D, W, M or Y.
// Examples: 90D, 2W, 6M, 10Y
var tenorRegex = regexp.MustCompile(`^([0-9]+)([DWMY])$`)

var ErrInvalidTenor = errors.New("curve: invalid tenor")

// AddTenor returns t advanced by a tenor string.
func AddTenor(t time.Time, tenor string) (time.Time, error) {
	matches := tenorRegex.FindStringSubmatch(tenor)
	if matches == nil {
		return time.Time{}, fmt.Errorf("%w: %q (expected e.g. 90D, 2W, 6M, 10Y)",
			ErrInvalidTenor, tenor)
	}
	n, err := strconv.Atoi(matches[1])
	if err != nil || n == 0 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTenor, tenor)
	}
	switch matches[2] {
	case "D":
		return t.AddDate(0, 0, n), nil
	case "W":
		return t.AddDate(0, 0, 7*n), nil
	case "M":
		return t.AddDate(0, n, 0), nil
	default: // "Y"
		return t.AddDate(n, 0, 0), nil
	}
}
