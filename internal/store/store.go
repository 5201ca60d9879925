// Package store defines the registry for completed risk runs. The
// in-memory implementation is the only one wired today; the interface
// keeps the API layer independent of where results live.
package store

import (
	"context"
	"errors"

	"github.com/atmx/risk-engine/internal/model"
)

// ErrNotFound reports a run ID with no stored result.
var ErrNotFound = errors.New("store: run not found")

// ErrDuplicateRun reports an attempt to save a run ID twice. Results
// are immutable once stored.
var ErrDuplicateRun = errors.New("store: duplicate run")

// Store persists completed risk runs keyed by run ID.
type Store interface {
	// SaveRun stores one completed run. The stored copy is detached
	// from the caller's result.
	SaveRun(ctx context.Context, res *model.RiskResult) error

	// GetRun retrieves a run by its ID.
	GetRun(ctx context.Context, runID string) (*model.RiskResult, error)

	// ListRuns returns all stored runs, most recent first.
	ListRuns(ctx context.Context) ([]model.RiskResult, error)
}
