package services

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoml/ml-service/internal/config"
	"cryptoml/ml-service/internal/models"
)

func testConfig() config.Config {
	return config.Config{
		AllowDebugInjection: true,
		DefaultInterval:     "1h",
		DefaultHorizon:      24,
		FeatureLookback:     480,
		GraphWindow:         240,
		GraphMethod:         "corr",
		GraphTopK:           8,
		PropSteps:           3,
		PropDecay:           0.6,
		DriversTopN:         3,
		MarketDataTimeout:   2 * time.Second,
		CacheTTLFeatures:    time.Minute,
		CacheTTLGraph:       time.Minute,
		CircuitFailLimit:    3,
	}
}

func newTestPredictService(cfg config.Config, data *MarketDataClient) *PredictService {
	s := NewPredictService(cfg, data, NewModelRegistry("", "", nil), nil)
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return s
}

func debugRequest() models.PredictRequest {
	return models.PredictRequest{
		Symbols: []string{"a", "B", "c", "A"},
		DebugFeatures: map[string]map[string]any{
			"B": {"ret_1": 0.02},
			"c": {"ret_1": -0.01},
			"Z": {"ret_1": 9.0},
		},
		DebugEdges: []models.EdgeIn{
			{Src: "B", Dst: "A", Weight: 0.6},
			{Src: "C", Dst: "A", Weight: 0.4},
		},
	}
}

func TestPredictWithDebugGraph(t *testing.T) {
	s := newTestPredictService(testConfig(), nil)

	res, err := s.Predict(context.Background(), debugRequest())
	require.NoError(t, err)

	assert.True(t, res.DebugUsed)
	assert.Equal(t, 24, res.Horizon)
	assert.Equal(t, 24, res.HorizonSteps)
	assert.Equal(t, "1h", res.Interval)
	assert.Equal(t, int64(1_700_000_000_000), res.CreatedAtMs)
	assert.Equal(t, "simple_graph_baseline", res.Model.Name)
	require.Len(t, res.Predictions, 3)

	a := res.Predictions[0]
	assert.Equal(t, "A", a.Symbol)
	assert.InDelta(t, 0.35*0.008+0.05, a.ExpReturn, 1e-12)
	require.Len(t, a.Drivers, 8)

	assert.Equal(t, "neighbor", a.Drivers[0].Type)
	assert.Equal(t, "B", a.Drivers[0].Symbol)
	assert.InDelta(t, 0.012, a.Drivers[0].Impact, 1e-15)
	assert.InDelta(t, 0.6, *a.Drivers[0].WeightUsed, 1e-15)
	assert.Equal(t, "C", a.Drivers[1].Symbol)
	assert.InDelta(t, -0.004, a.Drivers[1].Impact, 1e-15)

	self := a.Drivers[2:]
	assert.Equal(t, "self", self[0].Type)
	assert.Equal(t, FeatRet1, self[0].Feature)
	assert.Equal(t, FeatNbrRet1, self[1].Feature)
	assert.InDelta(t, 0.35*0.008, self[1].Impact, 1e-15)

	b := res.Predictions[1]
	assert.Equal(t, "B", b.Symbol)
	assert.Len(t, b.Drivers, 6)
	assert.InDelta(t, 0.65*0.02+0.05, b.ExpReturn, 1e-12)
	assert.Greater(t, b.PUp, 0.5)
}

func TestPredictWithoutPropagation(t *testing.T) {
	s := newTestPredictService(testConfig(), nil)
	req := debugRequest()
	off := false
	req.IncludePropagation = &off

	res, err := s.Predict(context.Background(), req)
	require.NoError(t, err)
	a := res.Predictions[0]
	assert.Len(t, a.Drivers, 6)
	assert.InDelta(t, 0.05, a.ExpReturn, 1e-12)
}

func TestPredictIndirectDrivers(t *testing.T) {
	s := newTestPredictService(testConfig(), nil)
	req := models.PredictRequest{
		Symbols:       []string{"A", "B", "C", "D"},
		DebugFeatures: map[string]map[string]any{"D": {"ret_1": 0.05}},
		DebugEdges: []models.EdgeIn{
			{Src: "B", Dst: "A", Weight: 0.5, Lag: 1},
			{Src: "C", Dst: "B", Weight: 0.5, Lag: 2},
			{Src: "D", Dst: "C", Weight: 0.5, Lag: 3},
		},
	}

	res, err := s.Predict(context.Background(), req)
	require.NoError(t, err)
	a := res.Predictions[0]

	var hops []int
	for _, d := range a.Drivers {
		if d.Type == "indirect" {
			hops = append(hops, d.Hop)
		}
	}
	assert.Equal(t, []int{3}, hops)

	three := a.Drivers[1]
	assert.Equal(t, []string{"D", "C", "B", "A"}, three.Path)
	assert.InDelta(t, 0.36*0.05, three.Impact, 1e-15)
	assert.Equal(t, 3, *three.Lag1)
	assert.Equal(t, 1, *three.Lag3)
	assert.InDelta(t, 0.5, *three.W1Raw, 1e-15)
	assert.InDelta(t, 0.35*0.36*0.05+0.05, a.ExpReturn, 1e-12)
}

func TestPredictValidation(t *testing.T) {
	cfg := testConfig()
	s := newTestPredictService(cfg, nil)

	_, err := s.Predict(context.Background(), models.PredictRequest{Symbols: []string{" ", ""}})
	assert.ErrorIs(t, err, ErrNoSymbols)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	steps := 241
	_, err = s.Predict(context.Background(), models.PredictRequest{Symbols: []string{"BTC"}, HorizonSteps: &steps})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	zero := 0
	_, err = s.Predict(context.Background(), models.PredictRequest{Symbols: []string{"BTC"}, Horizon: &zero})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	twelve := 12
	res, err := s.Predict(context.Background(), models.PredictRequest{Symbols: []string{"BTC"}, Horizon: &twelve})
	require.NoError(t, err)
	assert.Equal(t, 12, res.Horizon)

	many := make([]string, 51)
	for i := range many {
		many[i] = "S"
	}
	_, err = s.Predict(context.Background(), models.PredictRequest{Symbols: many})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	cfg.AllowDebugInjection = false
	s = newTestPredictService(cfg, nil)
	_, err = s.Predict(context.Background(), debugRequest())
	assert.ErrorIs(t, err, ErrDebugDisabled)
}

func TestPredictFromMarketData(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/v1/ml/features/latest":
			assert.Equal(t, "BTC,ETH", r.URL.Query().Get("symbols"))
			assert.Equal(t, "secret", r.Header.Get("x-api-key"))
			w.Write([]byte(`{"asOfTime":"2026-10-01T00:00:00Z","features":[
				{"symbol":"btc","x":{"return":0.01}},
				{"symbol":"ETH","x":{"ret_1":-0.02}},
				{"symbol":"SOL","x":{"ret_1":0.5}}]}`))
		case "/v1/ml/influence-graph":
			assert.Equal(t, "240", r.URL.Query().Get("window"))
			w.Write([]byte(`{"asOfTime":1700,"edges":[{"src":"btc","dst":"eth","weight":0.5,"lag":1}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MarketDataURL = srv.URL
	cfg.MarketDataAPIKey = "secret"
	client := NewMarketDataClient(cfg, NewMemoryCache(), nil)
	s := newTestPredictService(cfg, client)

	req := models.PredictRequest{Symbols: []string{"BTC", "ETH"}, Interval: "1h"}
	res, err := s.Predict(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, res.DebugUsed)
	assert.JSONEq(t, `1700`, string(res.AsOfTime))
	eth := res.Predictions[1]
	require.Equal(t, "neighbor", eth.Drivers[0].Type)
	assert.Equal(t, "BTC", eth.Drivers[0].Symbol)
	assert.InDelta(t, 0.01, eth.Drivers[0].Impact, 1e-15)
	assert.InDelta(t, 0.5, *eth.Drivers[0].WeightRaw, 1e-15)
	assert.Equal(t, 1, *eth.Drivers[0].Lag)
	assert.InDelta(t, 0.65*-0.02+0.35*0.01+0.05, eth.ExpReturn, 1e-12)

	before := calls.Load()
	_, err = s.Predict(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load())
}

func TestPredictSurvivesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MarketDataURL = srv.URL
	s := newTestPredictService(cfg, NewMarketDataClient(cfg, nil, nil))

	res, err := s.Predict(context.Background(), models.PredictRequest{Symbols: []string{"BTC"}})
	require.NoError(t, err)
	require.Len(t, res.Predictions, 1)
	assert.InDelta(t, 0.05, res.Predictions[0].ExpReturn, 1e-12)
	assert.Equal(t, "null", string(mustJSON(t, res.AsOfTime)))
}

func TestExplainService(t *testing.T) {
	s := newTestPredictService(testConfig(), nil)
	req := models.ExplainRequest{
		Symbol:        "a",
		Symbols:       []string{"B", "C"},
		DebugFeatures: debugRequest().DebugFeatures,
		DebugEdges:    debugRequest().DebugEdges,
	}

	res, err := s.Explain(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Ok)
	assert.Equal(t, 2, res.Edges)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, "A", res.Explanation.Symbol)
	assert.Equal(t, FeatRet1, res.Explanation.Feature)
	assert.InDelta(t, 0.008, res.Explanation.Total, 1e-15)
	assert.Len(t, res.Explanation.Direct, 2)

	one := 1
	req.TopN = &one
	req.Steps = &one
	res, err = s.Explain(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Explanation.Direct, 1)
	assert.Len(t, res.Explanation.Steps, 1)
	assert.Empty(t, res.Explanation.TwoHop)

	_, err = s.Explain(context.Background(), models.ExplainRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExplainServiceBoundsOverrides(t *testing.T) {
	s := newTestPredictService(testConfig(), nil)
	huge := 1 << 62
	tooMany := maxExplainSteps + 1
	wideN := maxExplainTopN + 1
	nan := math.NaN()

	cases := []struct {
		name string
		req  models.ExplainRequest
	}{
		{"huge steps", models.ExplainRequest{Symbol: "A", Steps: &huge}},
		{"steps over cap", models.ExplainRequest{Symbol: "A", Steps: &tooMany}},
		{"topN over cap", models.ExplainRequest{Symbol: "A", TopN: &wideN}},
		{"non-finite decay", models.ExplainRequest{Symbol: "A", Decay: &nan}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Explain(context.Background(), tc.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	limit := maxExplainSteps
	res, err := s.Explain(context.Background(), models.ExplainRequest{Symbol: "A", Steps: &limit})
	require.NoError(t, err)
	assert.Len(t, res.Explanation.Steps, maxExplainSteps)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
