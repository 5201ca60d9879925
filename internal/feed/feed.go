// Package feed defines the external data surfaces the risk engine
// consumes: positions, the base market snapshot and the historical
// factor series. The in-memory implementation backs all three and is
// the boundary where payload shapes are validated; everything past a
// feed can assume well-formed identifiers and finite values.
package feed

import (
	"context"
	"errors"

	"github.com/atmx/risk-engine/internal/model"
)

var (
	// ErrNoPositions means no portfolio has been loaded yet.
	ErrNoPositions = errors.New("feed: no positions loaded")

	// ErrNoSnapshot means no market snapshot has been loaded yet.
	ErrNoSnapshot = errors.New("feed: no market snapshot loaded")

	// ErrNoHistory means no historical series has been loaded yet.
	ErrNoHistory = errors.New("feed: no history loaded")

	// ErrInvalidFeed means a payload failed boundary validation and was
	// rejected without replacing the current data.
	ErrInvalidFeed = errors.New("feed: invalid payload")
)

// PositionFeed supplies the portfolio to value.
type PositionFeed interface {
	Positions(ctx context.Context) ([]model.Position, error)
}

// MarketFeed supplies the base market snapshot.
type MarketFeed interface {
	Snapshot(ctx context.Context) (*model.Snapshot, error)
}

// HistoryFeed supplies the factor history the scenario generator
// consumes.
type HistoryFeed interface {
	History(ctx context.Context) (model.HistoricalSeries, error)
}
