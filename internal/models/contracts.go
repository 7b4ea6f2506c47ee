package models

import (
	"encoding/json"

	"cryptoml/ml-service/internal/propagation"
)

type PredictRequest struct {
	Symbols            []string                  `json:"symbols"`
	Interval           string                    `json:"interval"`
	Horizon            *int                      `json:"horizon,omitempty"`
	AsOf               json.RawMessage           `json:"asOf,omitempty"`
	IncludePropagation *bool                     `json:"includePropagation,omitempty"`
	HorizonSteps       *int                      `json:"horizonSteps,omitempty"`
	AsOfTime           json.RawMessage           `json:"asOfTime,omitempty"`
	DebugFeatures      map[string]map[string]any `json:"debugFeatures,omitempty"`
	DebugEdges         []EdgeIn                  `json:"debugEdges,omitempty"`
}

// WantsPropagation defaults to true when the field is omitted.
func (r PredictRequest) WantsPropagation() bool {
	return r.IncludePropagation == nil || *r.IncludePropagation
}

// EdgeIn is an influence edge as it arrives over the wire.
type EdgeIn struct {
	Src    string  `json:"src"`
	Dst    string  `json:"dst"`
	Weight float64 `json:"weight"`
	Lag    int     `json:"lag"`
}

type PredictResponse struct {
	AsOfTime     json.RawMessage `json:"asOfTime"`
	AsOf         json.RawMessage `json:"asOf"`
	Interval     string          `json:"interval"`
	Horizon      int             `json:"horizon"`
	HorizonSteps int             `json:"horizonSteps"`
	DebugUsed    bool            `json:"debugUsed"`
	Predictions  []Prediction    `json:"predictions"`
	Model        ModelInfo       `json:"model"`
	CreatedAtMs  int64           `json:"createdAtMs"`
}

type Prediction struct {
	Symbol     string   `json:"symbol"`
	PUp        float64  `json:"p_up"`
	ExpReturn  float64  `json:"exp_return"`
	Confidence float64  `json:"confidence"`
	Drivers    []Driver `json:"drivers"`
}

// Driver is one explanation record. Neighbor drivers fill Symbol and the
// single-edge weights; indirect drivers fill Path, Hop and the per-edge
// W*/Lag* fields; self drivers fill Feature.
type Driver struct {
	Type       string   `json:"type"`
	Symbol     string   `json:"symbol,omitempty"`
	Feature    string   `json:"feature,omitempty"`
	Path       []string `json:"path,omitempty"`
	Hop        int      `json:"hop,omitempty"`
	Impact     float64  `json:"impact"`
	ImpactUsed *float64 `json:"impactUsed,omitempty"`
	ImpactRaw  *float64 `json:"impactRaw,omitempty"`
	Weight     *float64 `json:"weight,omitempty"`
	WeightUsed *float64 `json:"weightUsed,omitempty"`
	WeightRaw  *float64 `json:"weightRaw,omitempty"`
	Lag        *int     `json:"lag,omitempty"`
	W1Used     *float64 `json:"w1Used,omitempty"`
	W2Used     *float64 `json:"w2Used,omitempty"`
	W3Used     *float64 `json:"w3Used,omitempty"`
	W1Raw      *float64 `json:"w1Raw,omitempty"`
	W2Raw      *float64 `json:"w2Raw,omitempty"`
	W3Raw      *float64 `json:"w3Raw,omitempty"`
	Lag1       *int     `json:"lag1,omitempty"`
	Lag2       *int     `json:"lag2,omitempty"`
	Lag3       *int     `json:"lag3,omitempty"`
}

type ModelInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ExplainRequest struct {
	Symbol        string                    `json:"symbol"`
	Symbols       []string                  `json:"symbols"`
	Feature       string                    `json:"feature"`
	Interval      string                    `json:"interval"`
	AsOf          json.RawMessage           `json:"asOf,omitempty"`
	TopN          *int                      `json:"topN,omitempty"`
	Steps         *int                      `json:"steps,omitempty"`
	Decay         *float64                  `json:"decay,omitempty"`
	DebugFeatures map[string]map[string]any `json:"debugFeatures,omitempty"`
	DebugEdges    []EdgeIn                  `json:"debugEdges,omitempty"`
}

type AnomalyResult struct {
	Score           float64            `json:"score"`
	RiskPoints      int                `json:"riskPoints"`
	Label           string             `json:"label"`
	ModelVersion    string             `json:"modelVersion"`
	LoadedArtifact  bool               `json:"loadedArtifact"`
	IForestScore    *float64           `json:"iforestScore"`
	ZScore          float64            `json:"zScore"`
	Features        map[string]float64 `json:"features"`
	TopContributors []AnomalyDriver    `json:"topContributors"`
}

type AnomalyDriver struct {
	Feature string  `json:"feature"`
	ZAbs    float64 `json:"zAbs"`
	Value   float64 `json:"value"`
}

type AnomalyResponse struct {
	Ok      bool          `json:"ok"`
	Anomaly AnomalyResult `json:"anomaly"`
}

type AnomalyModelInfo struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	LoadedArtifact bool   `json:"loadedArtifact"`
}

type HealthResponse struct {
	Ok          bool                 `json:"ok"`
	TsISO       string               `json:"tsISO"`
	Service     string               `json:"service"`
	Version     string               `json:"version"`
	Model       ModelInfo            `json:"model"`
	DepsStatus  map[string]DepStatus `json:"deps_status"`
	DataMissing []string             `json:"data_missing"`
}

type DepStatus struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type ReloadResponse struct {
	Ok            bool             `json:"ok"`
	PriceModel    ModelInfo        `json:"priceModel"`
	SecurityModel AnomalyModelInfo `json:"securityModel"`
}

// FeaturesLatest is the market-data service's latest feature payload.
type FeaturesLatest struct {
	AsOfTime json.RawMessage `json:"asOfTime,omitempty"`
	Features []FeatureRow    `json:"features"`
}

type FeatureRow struct {
	Symbol string         `json:"symbol"`
	X      map[string]any `json:"x"`
}

// InfluenceGraph is the market-data service's edge list.
type InfluenceGraph struct {
	AsOfTime json.RawMessage `json:"asOfTime,omitempty"`
	Edges    []EdgeIn        `json:"edges"`
}

// ExplainResponse carries the full propagation breakdown for one symbol.
type ExplainResponse struct {
	Ok          bool                    `json:"ok"`
	AsOfTime    json.RawMessage         `json:"asOfTime"`
	Interval    string                  `json:"interval"`
	DebugUsed   bool                    `json:"debugUsed"`
	TopK        int                     `json:"topK"`
	Steps       int                     `json:"steps"`
	Decay       float64                 `json:"decay"`
	TopN        int                     `json:"topN"`
	Edges       int                     `json:"edges"`
	Explanation propagation.Explanation `json:"explanation"`
}
