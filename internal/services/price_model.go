package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"cryptoml/ml-service/internal/models"
)

// priceFeatures is the order in which the linear model adds up its terms.
var priceFeatures = []string{FeatRet1, FeatNbrRet1, FeatMomentum5, FeatTrend, FeatVolatility, FeatVolumeRatio}

// pUpSharpness scales expected return before the logistic squash.
const pUpSharpness = 35.0

// PriceModel is a linear baseline over own and neighbor features.
type PriceModel struct {
	Info    models.ModelInfo
	Weights map[string]float64
}

func DefaultPriceModel() *PriceModel {
	return &PriceModel{
		Info: models.ModelInfo{Name: "simple_graph_baseline", Version: "v2"},
		Weights: map[string]float64{
			"bias":          0.0,
			FeatRet1:        0.65,
			FeatNbrRet1:     0.35,
			FeatMomentum5:   0.10,
			FeatTrend:       0.20,
			FeatVolatility:  -0.15,
			FeatVolumeRatio: 0.05,
		},
	}
}

// LoadPriceModel overlays weights from a JSON file on the defaults. A missing
// file is not an error; a malformed one is reported alongside the defaults.
func LoadPriceModel(path string) (*PriceModel, error) {
	m := DefaultPriceModel()
	if path == "" {
		return m, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("read weights: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return m, fmt.Errorf("parse weights %s: %w", path, err)
	}
	for k, v := range raw {
		if _, known := m.Weights[k]; !known {
			continue
		}
		if f, ok := toFloat(v); ok {
			m.Weights[k] = f
		}
	}
	version := "v2"
	if v, ok := raw["version"].(string); ok && v != "" {
		version = v
	}
	m.Info = models.ModelInfo{Name: "simple_graph_trained", Version: version}
	return m, nil
}

func (m *PriceModel) PredictOne(row map[string]float64) float64 {
	y := m.Weights["bias"]
	for _, k := range priceFeatures {
		y += m.Weights[k] * row[k]
	}
	return y
}

func (m *PriceModel) PredictMany(rows []map[string]float64) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = m.PredictOne(r)
	}
	return out
}

// Explain returns weight*value per feature.
func (m *PriceModel) Explain(row map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(priceFeatures))
	for _, k := range priceFeatures {
		out[k] = m.Weights[k] * row[k]
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}

// ProbUp converts an expected return into (p_up, confidence).
func ProbUp(expReturn float64) (float64, float64) {
	p := sigmoid(expReturn * pUpSharpness)
	return p, clamp01(math.Abs(p-0.5) * 2)
}
