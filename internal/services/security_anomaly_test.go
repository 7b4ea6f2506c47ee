package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityScoreColdStart(t *testing.T) {
	m := ColdStartSecurityModel()

	res := m.Score(ExtractFeaturesPayload(map[string]any{}))
	assert.Equal(t, LabelNormal, res.Label)
	assert.InDelta(t, 1.3/5, res.ZScore, 1e-12)
	assert.Equal(t, 10, res.RiskPoints)
	assert.Nil(t, res.IForestScore)
	assert.Len(t, res.TopContributors, 6)
	assert.Equal(t, "distinct_ua_7d", res.TopContributors[0].Feature)
	assert.Equal(t, coldStartVersion, res.ModelVersion)
	assert.False(t, res.LoadedArtifact)
}

func TestSecurityScoreLabels(t *testing.T) {
	m := ColdStartSecurityModel()

	cases := []struct {
		name  string
		body  map[string]any
		label string
	}{
		{"suspicious", map[string]any{"stats": map[string]any{"login_fail_15m": 2.5}}, LabelSuspicious},
		{"anomalous", map[string]any{"stats": map[string]any{"login_fail_15m": 10}}, LabelAnomalous},
		{"flat keys", map[string]any{"features": map[string]any{"login_fail_15m": "10"}}, LabelAnomalous},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := m.Score(ExtractFeaturesPayload(tc.body))
			assert.Equal(t, tc.label, res.Label)
		})
	}

	res := m.Score(ExtractFeaturesPayload(map[string]any{"stats": map[string]any{"login_fail_15m": 10}}))
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, 40, res.RiskPoints)
}

func TestSecurityScoreDriftBonus(t *testing.T) {
	m := ColdStartSecurityModel()

	res := m.Score(ExtractFeaturesPayload(map[string]any{"ip_drift": true, "userId": "u1"}))
	assert.Equal(t, 1.0, res.Features["ipDrift"])
	assert.InDelta(t, 3.8/5, res.ZScore, 1e-12)
	assert.InDelta(t, 3.8/5+0.08, res.Score, 1e-12)
	assert.Equal(t, LabelAnomalous, res.Label)
	assert.Equal(t, "ipDrift", res.TopContributors[0].Feature)
	assert.NotContains(t, res.Features, "userId")
}

func TestFlattenFeatures(t *testing.T) {
	got := FlattenFeatures(AnomalyPayload{
		Stats: map[string]any{"login_success_1h": 4, "distinct_ip_7d": 9},
		Drift: map[string]any{"distinct_device_30d": "3"},
		Flags: map[string]any{"uaDrift": "yes", "ipDrift": false},
		Extra: map[string]any{"geo_jump_km": 1200.0, "note": "x", "login_success_1h": 99},
	})
	assert.Equal(t, 4.0, got["login_success_1h"])
	assert.Equal(t, 9.0, got["distinct_ip_7d"])
	assert.Equal(t, 3.0, got["distinct_device_30d"])
	assert.Equal(t, 1.0, got["uaDrift"])
	assert.Zero(t, got["ipDrift"])
	assert.Equal(t, 1200.0, got["geo_jump_km"])
	assert.NotContains(t, got, "note")
}

func TestFitBaselineAndLoad(t *testing.T) {
	base := FitBaseline([]map[string]float64{
		{"login_fail_15m": 1},
		{"login_fail_15m": 3},
	})
	assert.InDelta(t, 2.0, base["login_fail_15m"].Mean, 1e-12)
	assert.InDelta(t, 1.0, base["login_fail_15m"].Std, 1e-12)
	assert.Equal(t, 1e-6, base["uaDrift"].Std)
	assert.Empty(t, FitBaseline(nil))

	b, err := MarshalBaselineArtifact(base, map[string]any{"samples": 2})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "baseline.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))

	m, err := LoadSecurityModel(path)
	require.NoError(t, err)
	assert.True(t, m.Loaded)
	assert.Regexp(t, `^security_baseline_[0-9a-f]{12}$`, m.Version)

	res := m.Score(ExtractFeaturesPayload(map[string]any{"stats": map[string]any{"login_fail_15m": 2}}))
	assert.True(t, res.LoadedArtifact)
	assert.Equal(t, m.Version, res.ModelVersion)
}

func TestLoadSecurityModelFallbacks(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadSecurityModel(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, coldStartVersion, m.Version)

	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	m, err = LoadSecurityModel(path)
	assert.Error(t, err)
	assert.False(t, m.Loaded)
	assert.Equal(t, "security_anomaly", m.Info().Name)
}
