package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceModelPredictAndExplain(t *testing.T) {
	m := DefaultPriceModel()
	row := map[string]float64{FeatRet1: 0.01, FeatNbrRet1: 0.008, FeatVolumeRatio: 1}

	want := 0.65*0.01 + 0.35*0.008 + 0.05*1
	assert.InDelta(t, want, m.PredictOne(row), 1e-15)
	assert.Equal(t, []float64{m.PredictOne(row)}, m.PredictMany([]map[string]float64{row}))

	ex := m.Explain(row)
	assert.Len(t, ex, 6)
	assert.InDelta(t, 0.35*0.008, ex[FeatNbrRet1], 1e-15)
	assert.Zero(t, ex[FeatTrend])
}

func TestLoadPriceModel(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadPriceModel(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "simple_graph_baseline", m.Info.Name)

	path := filepath.Join(dir, "weights.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ret_1": 0.5, "bias": 0.001, "unknown": 9, "version": "2026-10-01"}`), 0o600))
	m, err = LoadPriceModel(path)
	require.NoError(t, err)
	assert.Equal(t, "simple_graph_trained", m.Info.Name)
	assert.Equal(t, "2026-10-01", m.Info.Version)
	assert.Equal(t, 0.5, m.Weights[FeatRet1])
	assert.Equal(t, 0.001, m.Weights["bias"])
	assert.NotContains(t, m.Weights, "unknown")

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	m, err = LoadPriceModel(path)
	assert.Error(t, err)
	assert.Equal(t, "simple_graph_baseline", m.Info.Name)
}

func TestProbUp(t *testing.T) {
	p, conf := ProbUp(0)
	assert.Equal(t, 0.5, p)
	assert.Zero(t, conf)

	p, conf = ProbUp(0.02)
	assert.Greater(t, p, 0.5)
	assert.InDelta(t, (p-0.5)*2, conf, 1e-15)

	p, _ = ProbUp(-0.02)
	assert.Less(t, p, 0.5)
}
