package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/feed"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/scenario"
	"github.com/atmx/risk-engine/internal/store"
	"github.com/atmx/risk-engine/internal/valuation"
)

// Service handles risk-engine operations. Risk runs are serialized
// with a mutex (single-instance); feed loads and read endpoints run
// concurrently.
type Service struct {
	feeds      *feed.Memory
	dispatcher *valuation.Dispatcher
	engine     *risk.Engine
	generator  *scenario.Generator
	runs       store.Store
	hub        *Hub // optional WebSocket hub for run broadcasts
	defaults   config.Engine
	log        *zap.Logger
	mu         sync.Mutex
}

// NewService creates the API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(feeds *feed.Memory, dispatcher *valuation.Dispatcher, engine *risk.Engine, generator *scenario.Generator, runs store.Store, hub *Hub, defaults config.Engine, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		feeds:      feeds,
		dispatcher: dispatcher,
		engine:     engine,
		generator:  generator,
		runs:       runs,
		hub:        hub,
		defaults:   defaults,
		log:        log,
	}
}

// Mount registers all API routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/feed", func(r chi.Router) {
			r.Put("/positions", s.PutPositions)
			r.Put("/market", s.PutMarket)
			r.Put("/history", s.PutHistory)
		})
		r.Get("/scenarios", s.ListScenarios)
		r.Post("/valuation", s.RunValuation)
		r.Route("/risk", func(r chi.Router) {
			r.Post("/run", s.RunRisk)
			r.Get("/runs", s.ListRuns)
			r.Get("/runs/{runID}", s.GetRun)
		})
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// FeedStatus is the JSON body returned from feed loads.
type FeedStatus struct {
	Loaded int    `json:"loaded"`
	AsOf   string `json:"as_of,omitempty"`
}

// ValuationResponse is the JSON body returned from POST /valuation.
type ValuationResponse struct {
	AsOf     time.Time                        `json:"as_of"`
	Snapshot string                           `json:"snapshot"`
	Total    decimal.Decimal                  `json:"total"`
	Results  map[string]model.ValuationResult `json:"results"`
	Failures map[string]string                `json:"failures,omitempty"`
}

// RunRequest is the JSON body for POST /risk/run. Zero values fall
// back to the configured engine defaults.
type RunRequest struct {
	Confidence float64 `json:"confidence,omitempty"`
	Horizons   []int   `json:"horizons,omitempty"`
	Parallel   *bool   `json:"parallel,omitempty"`
	MaxWorkers int     `json:"max_workers,omitempty"`
}

// RunSummary is one row of GET /risk/runs.
type RunSummary struct {
	RunID          string          `json:"run_id"`
	AsOf           time.Time       `json:"as_of"`
	Confidence     float64         `json:"confidence"`
	BasePV         decimal.Decimal `json:"base_pv"`
	TotalES        float64         `json:"total_es"`
	ScenariosUsed  int             `json:"scenarios_used"`
	ScenariosTotal int             `json:"scenarios_total"`
}

// --- HTTP Handlers ---

// PutPositions handles PUT /api/v1/feed/positions
// Positions whose instrument type has a registered model are checked
// against that model's term validation before the set is accepted.
func (s *Service) PutPositions(w http.ResponseWriter, r *http.Request) {
	var positions []model.Position
	if err := json.NewDecoder(r.Body).Decode(&positions); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	for i := range positions {
		m, ok := s.dispatcher.Lookup(positions[i].InstrumentType)
		if !ok {
			continue // unknown types surface as per-position valuation failures
		}
		if err := m.Validate(&positions[i]); err != nil {
			writeError(w, fmt.Sprintf("position %s: %v", positions[i].ID, err), http.StatusBadRequest)
			return
		}
	}

	if err := s.feeds.SetPositions(r.Context(), positions); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.log.Info("positions loaded", zap.Int("count", len(positions)))
	writeJSON(w, http.StatusOK, FeedStatus{Loaded: len(positions)})
}

// PutMarket handles PUT /api/v1/feed/market
func (s *Service) PutMarket(w http.ResponseWriter, r *http.Request) {
	var snap model.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.feeds.SetSnapshot(r.Context(), &snap); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.log.Info("market snapshot loaded",
		zap.String("name", snap.Name),
		zap.Time("as_of", snap.AsOf),
		zap.Int("factors", len(snap.Factors)),
	)
	writeJSON(w, http.StatusOK, FeedStatus{Loaded: len(snap.Factors), AsOf: snap.AsOf.Format(time.RFC3339)})
}

// PutHistory handles PUT /api/v1/feed/history
func (s *Service) PutHistory(w http.ResponseWriter, r *http.Request) {
	var hist model.HistoricalSeries
	if err := json.NewDecoder(r.Body).Decode(&hist); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.feeds.SetHistory(r.Context(), hist); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.log.Info("history loaded", zap.Int("records", len(hist.Records)))
	writeJSON(w, http.StatusOK, FeedStatus{Loaded: len(hist.Records)})
}

// ListScenarios handles GET /api/v1/scenarios
// Generates scenarios from the loaded snapshot and history. Optional
// ?limit=<n> caps the number of scenarios returned.
func (s *Service) ListScenarios(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	base, err := s.feeds.Snapshot(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	hist, err := s.feeds.History(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	scenarios, err := s.generator.Generate(base, hist)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	count := len(scenarios)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if limit < len(scenarios) {
			scenarios = scenarios[:limit]
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":     count,
		"scenarios": scenarios,
	})
}

// RunValuation handles POST /api/v1/valuation
// Values the loaded portfolio against the loaded market snapshot.
func (s *Service) RunValuation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	positions, err := s.feeds.Positions(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	snap, err := s.feeds.Snapshot(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	start := time.Now()
	pv, err := s.dispatcher.ValuePortfolio(ctx, positions, snap, snap.AsOf)
	if err != nil {
		metrics.ValuationsTotal.WithLabelValues("error").Add(float64(len(positions)))
		s.writeServiceError(w, err)
		return
	}
	metrics.ValuationDuration.Observe(time.Since(start).Seconds())
	metrics.ValuationsTotal.WithLabelValues("ok").Add(float64(len(pv.Results)))
	metrics.ValuationsTotal.WithLabelValues("error").Add(float64(len(pv.Failures)))

	s.log.Info("portfolio valued",
		zap.String("snapshot", pv.Snapshot),
		zap.Int("priced", len(pv.Results)),
		zap.Int("failed", len(pv.Failures)),
		zap.String("total", pv.Total().String()),
	)

	writeJSON(w, http.StatusOK, ValuationResponse{
		AsOf:     pv.AsOf,
		Snapshot: pv.Snapshot,
		Total:    pv.Total(),
		Results:  pv.Results,
		Failures: pv.FailureMessages(),
	})
}

// RunRisk handles POST /api/v1/risk/run
// Generates scenarios from the loaded feed, runs the Expected
// Shortfall calculation and stores the result. The request body may
// override confidence, horizons and parallelism per run.
func (s *Service) RunRisk(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	positions, err := s.feeds.Positions(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	base, err := s.feeds.Snapshot(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	hist, err := s.feeds.History(ctx)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	scenarios, err := s.generator.Generate(base, hist)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	params := s.runParams(req)
	s.broadcast(RunUpdate{Type: "run_started", Total: len(scenarios)})
	params.Progress = func(ev risk.Event) {
		s.broadcast(RunUpdate{
			Type:      "run_progress",
			Stage:     ev.Stage,
			Completed: ev.Completed,
			Total:     ev.Total,
		})
	}

	runCtx, cancel := context.WithTimeout(ctx, s.defaults.RunTimeout)
	defer cancel()

	// Serialize runs; scenario revaluation fans out internally.
	s.mu.Lock()
	start := time.Now()
	res, err := s.engine.CalculateES(runCtx, positions, base, scenarios, base.AsOf, params)
	s.mu.Unlock()

	if err != nil {
		metrics.RiskRunsTotal.WithLabelValues("error").Inc()
		s.broadcast(RunUpdate{Type: "run_failed", Error: err.Error()})
		s.writeServiceError(w, err)
		return
	}

	metrics.RiskRunsTotal.WithLabelValues("ok").Inc()
	metrics.RiskRunDuration.Observe(time.Since(start).Seconds())
	metrics.ScenariosExcluded.Add(float64(len(res.ScenarioFailures)))
	metrics.PositionsExcluded.Add(float64(len(res.PositionFailures)))

	if err := s.runs.SaveRun(context.WithoutCancel(ctx), res); err != nil {
		s.log.Error("failed to store run", zap.String("run_id", res.RunID), zap.Error(err))
	}

	s.broadcast(RunUpdate{
		Type:    "run_completed",
		RunID:   res.RunID,
		Total:   res.ScenariosTotal,
		TotalES: res.TotalES,
	})

	writeJSON(w, http.StatusOK, res)
}

// GetRun handles GET /api/v1/risk/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	res, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListRuns handles GET /api/v1/risk/runs
// Returns stored run summaries, most recent first.
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, res := range runs {
		summaries = append(summaries, RunSummary{
			RunID:          res.RunID,
			AsOf:           res.AsOf,
			Confidence:     res.Confidence,
			BasePV:         res.BasePV,
			TotalES:        res.TotalES,
			ScenariosUsed:  res.ScenariosUsed,
			ScenariosTotal: res.ScenariosTotal,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

// runParams merges a run request over the configured defaults.
func (s *Service) runParams(req RunRequest) risk.Params {
	p := risk.Params{
		Confidence:      s.defaults.Confidence,
		Horizons:        append([]int(nil), s.defaults.Horizons...),
		BaseHorizonDays: s.defaults.BaseHorizonDays,
		Parallel:        s.defaults.Parallel,
		MaxWorkers:      s.defaults.MaxWorkers,
	}
	if req.Confidence != 0 {
		p.Confidence = req.Confidence
	}
	if len(req.Horizons) > 0 {
		p.Horizons = append([]int(nil), req.Horizons...)
	}
	if req.Parallel != nil {
		p.Parallel = *req.Parallel
	}
	if req.MaxWorkers > 0 {
		p.MaxWorkers = req.MaxWorkers
	}
	return p
}

func (s *Service) broadcast(msg RunUpdate) {
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
}

// writeServiceError maps domain sentinels onto HTTP status codes.
func (s *Service) writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, feed.ErrNoPositions),
		errors.Is(err, feed.ErrNoSnapshot),
		errors.Is(err, feed.ErrNoHistory),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, feed.ErrInvalidFeed),
		errors.Is(err, valuation.ErrInvalidPosition),
		errors.Is(err, valuation.ErrDuplicatePosition),
		errors.Is(err, risk.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, risk.ErrEmptyPortfolio),
		errors.Is(err, risk.ErrInsufficientScenarios),
		errors.Is(err, scenario.ErrInsufficientHistory),
		errors.Is(err, scenario.ErrInvalidHistory),
		errors.Is(err, scenario.ErrMissingFactor),
		errors.Is(err, scenario.ErrInvalidShift):
		return http.StatusUnprocessableEntity
	case errors.Is(err, risk.ErrCancelled),
		errors.Is(err, valuation.ErrCancelled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
