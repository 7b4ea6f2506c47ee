package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoml/ml-service/internal/config"
	"cryptoml/ml-service/internal/propagation"
	"cryptoml/ml-service/internal/services"
)

const chainFixture = `
symbols: [A, B, C, D]
edges:
  - {src: B, dst: A, weight: 0.6, lag: 1}
  - {src: C, dst: A, weight: 0.4}
  - {src: D, dst: B, weight: -0.5}
  - {src: C, dst: B, weight: 0.5}
features:
  B: {ret_1: 0.02}
  C: {ret_1: -0.01}
  D: {ret_1: 0.03}
`

func writeFixture(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunExplain(t *testing.T) {
	var buf bytes.Buffer
	err := runExplain(&buf, explainOptions{
		file:    writeFixture(t, "graph.yaml", chainFixture),
		symbol:  "a",
		feature: "ret_1",
		params:  propagation.DefaultParams(),
	})
	require.NoError(t, err)

	var out explainOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.True(t, out.Reconciled)
	assert.Equal(t, "A", out.Explanation.Symbol)
	assert.Len(t, out.Adjacency["A"], 2)
	assert.Len(t, out.Explanation.Steps, 3)
	assert.NotEmpty(t, out.Explanation.TwoHop)
	assert.Equal(t, "zero", out.Params.NonFinite)

	// one hop: 0.6*0.02 + 0.4*(-0.01); two hops via B: 0.6*(-0.5*0.03 + 0.5*(-0.01))
	want := 0.008 + 0.6*0.6*(-0.015-0.005)
	assert.InDelta(t, want, out.Explanation.Total, 1e-12)
}

func TestRunExplainJSONFixture(t *testing.T) {
	fixture := `{"edges":[{"src":"x","dst":"y","weight":2}],"features":{"X":{"ret_1":0.5}}}`
	var buf bytes.Buffer
	err := runExplain(&buf, explainOptions{
		file:    writeFixture(t, "graph.json", fixture),
		symbol:  "Y",
		feature: "ret_1",
		params:  propagation.DefaultParams(),
	})
	require.NoError(t, err)
	var out explainOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.InDelta(t, 0.5, out.Explanation.Total, 1e-15)
}

func TestRunExplainReconcilesLargeValues(t *testing.T) {
	fixture := `
edges:
  - {src: B, dst: A, weight: 0.7}
  - {src: C, dst: A, weight: 0.3}
  - {src: C, dst: B, weight: 1}
  - {src: D, dst: C, weight: 1}
features:
  B: {px: 61234.5}
  C: {px: 59876.25}
  D: {px: 60411.75}
`
	var buf bytes.Buffer
	err := runExplain(&buf, explainOptions{
		file:    writeFixture(t, "graph.yaml", fixture),
		symbol:  "A",
		feature: "px",
		params:  propagation.DefaultParams(),
	})
	require.NoError(t, err)
	var out explainOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Greater(t, out.Explanation.Total, 60000.0)
	assert.True(t, out.Reconciled)
}

func TestReconciledTolerance(t *testing.T) {
	assert.True(t, reconciled(60000+5e-6, 60000))
	assert.False(t, reconciled(60000+1e-3, 60000))
	assert.True(t, reconciled(5e-10, 0))
	assert.False(t, reconciled(1e-6, 0))
}

func TestRunExplainUnknownSymbol(t *testing.T) {
	err := runExplain(&bytes.Buffer{}, explainOptions{
		file:   writeFixture(t, "graph.yaml", chainFixture),
		symbol: "ZZZ",
		params: propagation.DefaultParams(),
	})
	assert.ErrorContains(t, err, "not in the fixture")
}

func TestExplainCommand(t *testing.T) {
	cmd := newRootCmd(config.Config{GraphTopK: 8, PropSteps: 3, PropDecay: 0.6, DriversTopN: 3})
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"explain", "--file", writeFixture(t, "graph.yaml", chainFixture), "--symbol", "A", "--steps", "1"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), `"steps": 1`)
}

func TestFitBaseline(t *testing.T) {
	in := strings.Join([]string{
		`{"stats": {"login_fail_15m": 1}}`,
		``,
		`{"login_fail_15m": 3, "ip_drift": true}`,
	}, "\n")
	art, n, err := fitBaseline(strings.NewReader(in), time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	path := writeFixture(t, "baseline.json", string(art))
	m, err := services.LoadSecurityModel(path)
	require.NoError(t, err)
	assert.True(t, m.Loaded)

	var parsed struct {
		Baseline map[string]services.FeatureBaseline `json:"baseline"`
		Meta     map[string]any                      `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(art, &parsed))
	assert.InDelta(t, 2.0, parsed.Baseline["login_fail_15m"].Mean, 1e-12)
	assert.InDelta(t, 0.5, parsed.Baseline["ipDrift"].Mean, 1e-12)
	assert.Equal(t, "2026-10-01T00:00:00Z", parsed.Meta["fittedAt"])

	_, _, err = fitBaseline(strings.NewReader("\n\n"), time.Now())
	assert.Error(t, err)
	_, _, err = fitBaseline(strings.NewReader("{bad"), time.Now())
	assert.ErrorContains(t, err, "line 1")
}

func priceDataset(n int) string {
	rng := rand.New(rand.NewSource(11))
	var b strings.Builder
	for i := 0; i < n; i++ {
		r1 := rng.Float64()*0.1 - 0.05
		nbr := rng.Float64()*0.1 - 0.05
		vol := rng.Float64() * 0.05
		fmt.Fprintf(&b, `{"ts": %d, "ret_1": %g, "nbr_ret_1": %g, "volatility": %g, "volume_ratio": 1, "y_exp_return": %g}`+"\n",
			1700000000000+int64(i)*3600000, r1, nbr, vol, 0.002+0.6*r1+0.3*nbr-0.1*vol)
	}
	return b.String()
}

func TestTrainWeights(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	art, folds, err := trainWeights(strings.NewReader(priceDataset(300)), trainOptions{in: "rows.jsonl", alpha: 1e-9, folds: 5}, now)
	require.NoError(t, err)
	require.Len(t, folds, 5)
	for _, f := range folds {
		assert.Equal(t, 50, f.NVal)
		assert.Less(t, f.RMSE, 1e-6)
	}

	m, err := services.LoadPriceModel(writeFixture(t, "weights.json", string(art)))
	require.NoError(t, err)
	assert.Equal(t, "simple_graph_trained", m.Info.Name)
	assert.Equal(t, "2026-10-01T00:00:00Z", m.Info.Version)
	assert.InDelta(t, 0.6, m.Weights["ret_1"], 1e-6)
	assert.InDelta(t, 0.3, m.Weights["nbr_ret_1"], 1e-6)
	assert.InDelta(t, -0.1, m.Weights["volatility"], 1e-6)

	var parsed struct {
		Training struct {
			Input       map[string]any   `json:"input"`
			Model       map[string]any   `json:"model"`
			Features    []string         `json:"features"`
			WalkForward []map[string]any `json:"walkForward"`
		} `json:"training"`
	}
	require.NoError(t, json.Unmarshal(art, &parsed))
	assert.Equal(t, "Ridge", parsed.Training.Model["type"])
	assert.EqualValues(t, 300, parsed.Training.Input["n"])
	assert.Len(t, parsed.Training.Features, 6)
	assert.Len(t, parsed.Training.WalkForward, 5)
	assert.Contains(t, parsed.Training.WalkForward[0], "directional_acc")

	_, _, err = trainWeights(strings.NewReader("\n"), trainOptions{alpha: 1, folds: 5}, now)
	assert.ErrorContains(t, err, "empty dataset")
	_, _, err = trainWeights(strings.NewReader("{}\n{bad"), trainOptions{alpha: 1, folds: 5}, now)
	assert.ErrorContains(t, err, "line 2")
}

func TestTrainWeightsCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "models", "weights.json")
	cmd := newRootCmd(config.Config{GraphTopK: 8, PropSteps: 3, PropDecay: 0.6, DriversTopN: 3})
	cmd.SetArgs([]string{"train-weights", "--in", writeFixture(t, "rows.jsonl", priceDataset(120)), "--out", out, "--alpha", "0.5", "--folds", "3"})
	require.NoError(t, cmd.Execute())

	m, err := services.LoadPriceModel(out)
	require.NoError(t, err)
	assert.Equal(t, "simple_graph_trained", m.Info.Name)
}
