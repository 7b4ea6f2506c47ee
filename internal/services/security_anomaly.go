package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"cryptoml/ml-service/internal/models"
)

const coldStartVersion = "security_anomaly_coldstart_v0"

const (
	LabelNormal     = "NORMAL"
	LabelSuspicious = "SUSPICIOUS"
	LabelAnomalous  = "ANOMALOUS"
)

type FeatureBaseline struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// securityFeatures is the fixed feature order; it also settles ties when
// ranking contributors.
var securityFeatures = []string{
	"login_fail_15m",
	"login_success_5m",
	"login_success_1h",
	"distinct_ip_24h",
	"distinct_ua_7d",
	"distinct_ip_7d",
	"distinct_device_30d",
	"ipDrift",
	"uaDrift",
}

var defaultBaseline = map[string]FeatureBaseline{
	"login_fail_15m":      {Mean: 0.2, Std: 1.0},
	"login_success_5m":    {Mean: 0.8, Std: 1.2},
	"login_success_1h":    {Mean: 2.0, Std: 2.5},
	"distinct_ip_24h":     {Mean: 1.2, Std: 1.0},
	"distinct_ip_7d":      {Mean: 1.8, Std: 1.5},
	"distinct_ua_7d":      {Mean: 1.3, Std: 1.0},
	"distinct_device_30d": {Mean: 1.6, Std: 1.6},
	"ipDrift":             {Mean: 0.05, Std: 0.25},
	"uaDrift":             {Mean: 0.05, Std: 0.25},
}

// driftAliases maps flat drift keys onto the flag names the scorer reads.
var driftAliases = map[string]string{
	"ipdrift":  "ipDrift",
	"ip_drift": "ipDrift",
	"uadrift":  "uaDrift",
	"ua_drift": "uaDrift",
}

// AnomalyPayload is the canonical scorer input.
type AnomalyPayload struct {
	Stats map[string]any `json:"stats"`
	Drift map[string]any `json:"drift"`
	Flags map[string]any `json:"flags"`
	Extra map[string]any `json:"extra"`
}

var reservedAnomalyKeys = map[string]struct{}{
	"stats": {}, "drift": {}, "flags": {}, "extra": {}, "features": {},
	"userId": {}, "intent": {}, "sessionId": {},
}

// ExtractFeaturesPayload accepts the canonical {stats,drift,flags,extra}
// shape, a nested "features" object, or flat feature keys at the root.
func ExtractFeaturesPayload(body map[string]any) AnomalyPayload {
	p := AnomalyPayload{
		Stats: asMap(body["stats"]),
		Drift: asMap(body["drift"]),
		Flags: asMap(body["flags"]),
		Extra: asMap(body["extra"]),
	}

	features := map[string]any{}
	for k, v := range asMap(body["features"]) {
		features[k] = v
	}
	for k, v := range body {
		if _, reserved := reservedAnomalyKeys[k]; reserved {
			continue
		}
		features[k] = v
	}

	for k, v := range features {
		if flag, ok := driftAliases[strings.ToLower(strings.TrimSpace(k))]; ok {
			p.Flags[flag] = v
			continue
		}
		p.Stats[k] = v
	}
	return p
}

// FlattenFeatures turns a payload into the numeric feature vector. Each
// feature is read from its home section first and from stats otherwise.
func FlattenFeatures(p AnomalyPayload) map[string]float64 {
	num := func(primary map[string]any, key string) float64 {
		if v, ok := toFloat(primary[key]); ok {
			return v
		}
		if v, ok := toFloat(p.Stats[key]); ok {
			return v
		}
		return 0
	}
	flag := func(key string) float64 {
		v, ok := p.Flags[key]
		if !ok {
			v = p.Stats[key]
		}
		if truthy(v) {
			return 1
		}
		return 0
	}

	out := map[string]float64{
		"login_fail_15m":      num(p.Stats, "login_fail_15m"),
		"login_success_5m":    num(p.Stats, "login_success_5m"),
		"login_success_1h":    num(p.Stats, "login_success_1h"),
		"distinct_ip_24h":     num(p.Stats, "distinct_ip_24h"),
		"distinct_ua_7d":      num(p.Stats, "distinct_ua_7d"),
		"distinct_ip_7d":      num(p.Drift, "distinct_ip_7d"),
		"distinct_device_30d": num(p.Drift, "distinct_device_30d"),
		"ipDrift":             flag("ipDrift"),
		"uaDrift":             flag("uaDrift"),
	}
	for k, v := range p.Extra {
		if _, exists := out[k]; exists {
			continue
		}
		if f, ok := toFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

// SecurityAnomalyModel scores login/session behaviour by its deviation from a
// per-feature baseline. Without an artifact it runs on the cold-start table.
type SecurityAnomalyModel struct {
	Version  string
	Loaded   bool
	baseline map[string]FeatureBaseline
}

type securityArtifact struct {
	Baseline map[string]FeatureBaseline `json:"baseline"`
	Meta     map[string]any             `json:"meta,omitempty"`
}

func ColdStartSecurityModel() *SecurityAnomalyModel {
	return &SecurityAnomalyModel{Version: coldStartVersion, baseline: defaultBaseline}
}

// LoadSecurityModel reads a baseline artifact. A missing file yields the
// cold-start model without error.
func LoadSecurityModel(path string) (*SecurityAnomalyModel, error) {
	if path == "" {
		return ColdStartSecurityModel(), nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ColdStartSecurityModel(), nil
	}
	if err != nil {
		return ColdStartSecurityModel(), fmt.Errorf("read security artifact: %w", err)
	}

	var art securityArtifact
	if err := json.Unmarshal(b, &art); err != nil {
		return ColdStartSecurityModel(), fmt.Errorf("parse security artifact %s: %w", path, err)
	}
	baseline := make(map[string]FeatureBaseline, len(art.Baseline))
	for k, v := range art.Baseline {
		baseline[k] = FeatureBaseline{Mean: v.Mean, Std: math.Max(1e-6, v.Std)}
	}
	if len(baseline) == 0 {
		baseline = defaultBaseline
	}

	sum := sha256.Sum256(b)
	return &SecurityAnomalyModel{
		Version:  "security_baseline_" + hex.EncodeToString(sum[:])[:12],
		Loaded:   true,
		baseline: baseline,
	}, nil
}

func (m *SecurityAnomalyModel) Info() models.AnomalyModelInfo {
	return models.AnomalyModelInfo{Name: "security_anomaly", Version: m.Version, LoadedArtifact: m.Loaded}
}

func (m *SecurityAnomalyModel) Score(p AnomalyPayload) models.AnomalyResult {
	feats := FlattenFeatures(p)

	type dev struct {
		feature string
		z       float64
	}
	var devs []dev
	for _, k := range orderedFeatureKeys(feats) {
		b, ok := m.baseline[k]
		if !ok {
			continue
		}
		std := b.Std
		if std <= 1e-9 {
			std = 1.0
		}
		devs = append(devs, dev{feature: k, z: math.Abs((feats[k] - b.Mean) / std)})
	}
	sort.SliceStable(devs, func(i, j int) bool { return devs[i].z > devs[j].z })

	zmax := 0.0
	for _, d := range devs {
		zmax = math.Max(zmax, d.z)
	}
	contributors := make([]models.AnomalyDriver, 0, 6)
	for i, d := range devs {
		if i == 6 {
			break
		}
		contributors = append(contributors, models.AnomalyDriver{Feature: d.feature, ZAbs: d.z, Value: feats[d.feature]})
	}

	zScore := clamp01(zmax / 5.0)
	combined := zScore
	if feats["ipDrift"] >= 1 {
		combined = clamp01(combined + 0.08)
	}
	if feats["uaDrift"] >= 1 {
		combined = clamp01(combined + 0.06)
	}

	return models.AnomalyResult{
		Score:           combined,
		RiskPoints:      int(math.Round(combined * 40)),
		Label:           anomalyLabel(combined),
		ModelVersion:    m.Version,
		LoadedArtifact:  m.Loaded,
		ZScore:          zScore,
		Features:        feats,
		TopContributors: contributors,
	}
}

func anomalyLabel(score float64) string {
	switch {
	case score >= 0.75:
		return LabelAnomalous
	case score >= 0.45:
		return LabelSuspicious
	default:
		return LabelNormal
	}
}

// FitBaseline computes the population mean and standard deviation of every
// scorer feature over samples. Absent values count as zero.
func FitBaseline(samples []map[string]float64) map[string]FeatureBaseline {
	out := make(map[string]FeatureBaseline, len(securityFeatures))
	if len(samples) == 0 {
		return out
	}
	col := make([]float64, len(samples))
	for _, f := range securityFeatures {
		for i, s := range samples {
			col[i] = s[f]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		out[f] = FeatureBaseline{Mean: mean, Std: math.Max(1e-6, std)}
	}
	return out
}

// MarshalBaselineArtifact renders the artifact format LoadSecurityModel reads.
func MarshalBaselineArtifact(baseline map[string]FeatureBaseline, meta map[string]any) ([]byte, error) {
	return json.MarshalIndent(securityArtifact{Baseline: baseline, Meta: meta}, "", "  ")
}

func orderedFeatureKeys(feats map[string]float64) []string {
	keys := make([]string, 0, len(feats))
	known := make(map[string]struct{}, len(securityFeatures))
	for _, k := range securityFeatures {
		known[k] = struct{}{}
		if _, ok := feats[k]; ok {
			keys = append(keys, k)
		}
	}
	var extra []string
	for k := range feats {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

func asMap(v any) map[string]any {
	out := map[string]any{}
	if m, ok := v.(map[string]any); ok {
		for k, val := range m {
			out[k] = val
		}
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
