package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/api"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/curve"
	"github.com/atmx/risk-engine/internal/feed"
	"github.com/atmx/risk-engine/internal/lattice"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/scenario"
	"github.com/atmx/risk-engine/internal/store"
	"github.com/atmx/risk-engine/internal/valuation"
)

var runDate = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

// newTestEnv creates an API service wired to real components and a
// chi router.
func newTestEnv(t *testing.T) (*feed.Memory, chi.Router) {
	t.Helper()

	feeds := feed.NewMemory()
	dispatcher := valuation.NewDispatcher(true, 4, nil)
	dispatcher.Register(valuation.TagBond, valuation.NewDCFBond(curve.ACT365F, curve.Annual))
	dispatcher.Register(valuation.TagCallableBond, valuation.NewLatticeBond(curve.ACT365F, curve.Annual, lattice.Config{}))

	generator, err := scenario.New(scenario.Config{}, nil)
	require.NoError(t, err)

	engine := risk.New(dispatcher, nil)
	defaults := config.Engine{
		Confidence:      0.90,
		Horizons:        []int{10, 20},
		BaseHorizonDays: 1,
		Parallel:        true,
		MaxWorkers:      4,
		RunTimeout:      30 * time.Second,
	}
	svc := api.NewService(feeds, dispatcher, engine, generator, store.NewMemoryStore(), nil, defaults, nil)

	r := chi.NewRouter()
	svc.Mount(r)
	return feeds, r
}

func baseFactors() map[string]float64 {
	return map[string]float64{
		"ZERO.USD.1Y":  0.030,
		"ZERO.USD.2Y":  0.035,
		"ZERO.USD.3Y":  0.040,
		"ZERO.USD.5Y":  0.045,
		"ZERO.USD.10Y": 0.048,
		"VOL.USD.1Y":   0.15,
		"VOL.USD.3Y":   0.18,
	}
}

func testPositions() []model.Position {
	return []model.Position{
		{
			ID:                   "BOND-1",
			InstrumentType:       valuation.TagBond,
			Notional:             decimal.NewFromInt(1_000_000),
			Currency:             "USD",
			LiquidityHorizonDays: 10,
			Bond: &model.BondTerms{
				Maturity:   runDate.AddDate(3, 0, 0),
				CouponRate: 0.05,
				Frequency:  1,
			},
		},
		{
			ID:                   "CALL-1",
			InstrumentType:       valuation.TagCallableBond,
			Notional:             decimal.NewFromInt(500_000),
			Currency:             "USD",
			LiquidityHorizonDays: 20,
			Bond: &model.BondTerms{
				Maturity:   runDate.AddDate(3, 0, 0),
				CouponRate: 0.05,
				Frequency:  1,
				CallSchedule: []model.OptionProvision{
					{Date: runDate.AddDate(2, 0, 0), Price: 101},
				},
			},
		},
	}
}

// testHistory builds n daily records whose factor ratios wobble both
// ways, so generated scenarios hold gains as well as losses.
func testHistory(n int) model.HistoricalSeries {
	records := make([]model.HistoricalRecord, 0, n)
	for i := 0; i < n; i++ {
		factors := make(map[string]float64)
		bump := 1 + 0.01*float64((i*3)%7-3)
		for id, v := range baseFactors() {
			factors[id] = v * bump
		}
		records = append(records, model.HistoricalRecord{
			Date:    runDate.AddDate(0, 0, -(n - i)),
			Factors: factors,
		})
	}
	return model.HistoricalSeries{Records: records}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func loadFeeds(t *testing.T, router chi.Router, historyLen int) {
	t.Helper()
	w := doJSON(t, router, "PUT", "/api/v1/feed/positions", testPositions())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snap := model.Snapshot{Name: "EOD", AsOf: runDate, Factors: baseFactors()}
	w = doJSON(t, router, "PUT", "/api/v1/feed/market", snap)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, "PUT", "/api/v1/feed/history", testHistory(historyLen))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

// --- Feed tests ---

func TestPutPositions_CountReturned(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "PUT", "/api/v1/feed/positions", testPositions())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var status api.FeedStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Loaded)
}

func TestPutPositions_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t)

	req := httptest.NewRequest("PUT", "/api/v1/feed/positions", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPutPositions_InvalidPosition(t *testing.T) {
	_, router := newTestEnv(t)

	positions := testPositions()
	positions[0].Currency = ""
	w := doJSON(t, router, "PUT", "/api/v1/feed/positions", positions)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestPutPositions_ModelTermsChecked(t *testing.T) {
	_, router := newTestEnv(t)

	positions := testPositions()
	positions[0].Bond.Frequency = 5 // 12 % frequency != 0
	w := doJSON(t, router, "PUT", "/api/v1/feed/positions", positions)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "BOND-1")
}

func TestPutMarket_InvalidFactor(t *testing.T) {
	_, router := newTestEnv(t)

	snap := model.Snapshot{
		Name: "EOD", AsOf: runDate,
		Factors: map[string]float64{"bond-yield-10y": 0.05},
	}
	w := doJSON(t, router, "PUT", "/api/v1/feed/market", snap)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

// --- Scenario tests ---

func TestListScenarios(t *testing.T) {
	_, router := newTestEnv(t)
	loadFeeds(t, router, 6)

	w := doJSON(t, router, "GET", "/api/v1/scenarios", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Count     int              `json:"count"`
		Scenarios []model.Scenario `json:"scenarios"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Count)
	require.Len(t, resp.Scenarios, 5)
	assert.Equal(t, 0, resp.Scenarios[0].Seq)
	assert.Equal(t, runDate, resp.Scenarios[0].Snapshot.AsOf)
}

func TestListScenarios_Limit(t *testing.T) {
	_, router := newTestEnv(t)
	loadFeeds(t, router, 6)

	w := doJSON(t, router, "GET", "/api/v1/scenarios?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count     int              `json:"count"`
		Scenarios []model.Scenario `json:"scenarios"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Count)
	assert.Len(t, resp.Scenarios, 2)

	w = doJSON(t, router, "GET", "/api/v1/scenarios?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListScenarios_NothingLoaded(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/scenarios", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

// --- Valuation tests ---

func TestRunValuation(t *testing.T) {
	_, router := newTestEnv(t)
	loadFeeds(t, router, 6)

	w := doJSON(t, router, "POST", "/api/v1/valuation", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.ValuationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, runDate, resp.AsOf)
	assert.Equal(t, "EOD", resp.Snapshot)
	require.Contains(t, resp.Results, "BOND-1")
	require.Contains(t, resp.Results, "CALL-1")
	assert.Empty(t, resp.Failures)
	assert.True(t, resp.Total.GreaterThan(decimal.Zero), "total %s", resp.Total)

	// Callable prices at or below an otherwise identical bullet.
	straight := resp.Results["BOND-1"].Detail["unit_price"]
	callable := resp.Results["CALL-1"].Detail["unit_price"]
	assert.LessOrEqual(t, callable, straight)
}

func TestRunValuation_UnregisteredModelCollected(t *testing.T) {
	feeds, router := newTestEnv(t)
	loadFeeds(t, router, 6)

	positions := append(testPositions(), model.Position{
		ID:                   "FX-1",
		InstrumentType:       "FX_FORWARD",
		Notional:             decimal.NewFromInt(100),
		Currency:             "USD",
		LiquidityHorizonDays: 10,
	})
	require.NoError(t, feeds.SetPositions(context.Background(), positions))

	w := doJSON(t, router, "POST", "/api/v1/valuation", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.ValuationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 2)
	require.Contains(t, resp.Failures, "FX-1")
	assert.Contains(t, resp.Failures["FX-1"], "no model registered")
}

func TestRunValuation_NoSnapshot(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "PUT", "/api/v1/feed/positions", testPositions())
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, "POST", "/api/v1/valuation", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

// --- Risk run tests ---

func TestRunRisk_EndToEnd(t *testing.T) {
	_, router := newTestEnv(t)
	loadFeeds(t, router, 12) // 11 scenarios, enough for c=0.90

	w := doJSON(t, router, "POST", "/api/v1/risk/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res model.RiskResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, runDate, res.AsOf)
	assert.Equal(t, 0.90, res.Confidence)
	assert.Equal(t, 11, res.ScenariosTotal)
	assert.Equal(t, 11, res.ScenariosUsed)
	assert.True(t, res.BasePV.GreaterThan(decimal.Zero))
	assert.GreaterOrEqual(t, res.TotalES, 0.0)
	assert.Contains(t, res.Decomposition, "BOND-1")
	assert.Contains(t, res.Decomposition, "CALL-1")
	require.Contains(t, res.HorizonES, 10)
	require.Contains(t, res.HorizonES, 20)

	// Stored run is retrievable by ID.
	w = doJSON(t, router, "GET", "/api/v1/risk/runs/"+res.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stored model.RiskResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, res.RunID, stored.RunID)
	assert.Equal(t, res.TotalES, stored.TotalES)

	// And shows up in the run list.
	w = doJSON(t, router, "GET", "/api/v1/risk/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summaries []api.RunSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, res.RunID, summaries[0].RunID)
	assert.Equal(t, res.TotalES, summaries[0].TotalES)
}

func TestRunRisk_ConfidenceOverrideNeedsMoreScenarios(t *testing.T) {
	_, router := newTestEnv(t)
	loadFeeds(t, router, 12)

	w := doJSON(t, router, "POST", "/api/v1/risk/run", api.RunRequest{Confidence: 0.99})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestRunRisk_InvalidOverride(t *testing.T) {
	_, router := newTestEnv(t)
	loadFeeds(t, router, 12)

	w := doJSON(t, router, "POST", "/api/v1/risk/run", api.RunRequest{Confidence: 1.5})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestRunRisk_MissingHistory(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "PUT", "/api/v1/feed/positions", testPositions())
	require.Equal(t, http.StatusOK, w.Code)
	snap := model.Snapshot{Name: "EOD", AsOf: runDate, Factors: baseFactors()}
	w = doJSON(t, router, "PUT", "/api/v1/feed/market", snap)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, "POST", "/api/v1/risk/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestRunRisk_SerialMatchesParallel(t *testing.T) {
	_, router := newTestEnv(t)
	loadFeeds(t, router, 12)

	serial := false
	w := doJSON(t, router, "POST", "/api/v1/risk/run", api.RunRequest{Parallel: &serial})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var serialRes model.RiskResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &serialRes))

	w = doJSON(t, router, "POST", "/api/v1/risk/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var parallelRes model.RiskResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parallelRes))

	assert.Equal(t, serialRes.TotalES, parallelRes.TotalES)
	assert.Equal(t, serialRes.HorizonES, parallelRes.HorizonES)
	assert.Equal(t, serialRes.Decomposition, parallelRes.Decomposition)
}

func TestGetRun_Unknown(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/risk/runs/"+fmt.Sprintf("no-such-%d", time.Now().Unix()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}
