package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// minFoldRows is the smallest validation slice a walk-forward fold may use.
const minFoldRows = 50

// PriceSample is one training row: the model features observed at TS and
// the return realized over the horizon that followed.
type PriceSample struct {
	TS       int64
	Features map[string]float64
	Y        float64
}

// ParsePriceSample reads a dataset row. Features come from the top-level
// keys named like the model inputs; the target is y_exp_return.
func ParsePriceSample(row map[string]any) PriceSample {
	s := PriceSample{Features: make(map[string]float64, len(priceFeatures))}
	if v, ok := toFloat(row["ts"]); ok {
		s.TS = int64(v)
	}
	if v, ok := toFloat(row["y_exp_return"]); ok {
		s.Y = v
	}
	for _, f := range priceFeatures {
		if v, ok := toFloat(row[f]); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			s.Features[f] = v
		}
	}
	return s
}

// RidgeFit holds an intercept and one coefficient per price feature.
type RidgeFit struct {
	Bias float64
	Coef []float64
}

func (f RidgeFit) Predict(x map[string]float64) float64 {
	y := f.Bias
	for j, k := range priceFeatures {
		y += f.Coef[j] * x[k]
	}
	return y
}

// FitRidge solves (XᵀX + αI)β = Xᵀy on centered data. The intercept is not
// penalized.
func FitRidge(samples []PriceSample, alpha float64) (RidgeFit, error) {
	n, p := len(samples), len(priceFeatures)
	if n == 0 {
		return RidgeFit{}, errors.New("ridge: no samples")
	}
	if alpha < 0 {
		return RidgeFit{}, fmt.Errorf("ridge: alpha must be >= 0, got %g", alpha)
	}

	xMean := make([]float64, p)
	var yMean float64
	for _, s := range samples {
		for j, k := range priceFeatures {
			xMean[j] += s.Features[k]
		}
		yMean += s.Y
	}
	for j := range xMean {
		xMean[j] /= float64(n)
	}
	yMean /= float64(n)

	x := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for i, s := range samples {
		for j, k := range priceFeatures {
			x.Set(i, j, s.Features[k]-xMean[j])
		}
		y.SetVec(i, s.Y-yMean)
	}

	var gram mat.SymDense
	gram.SymOuterK(1, x.T())
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+alpha)
	}
	var rhs mat.VecDense
	rhs.MulVec(x.T(), y)

	var beta mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(&gram) {
		if err := chol.SolveVecTo(&beta, &rhs); err != nil {
			return RidgeFit{}, fmt.Errorf("ridge: %w", err)
		}
	} else if err := beta.SolveVec(&gram, &rhs); err != nil {
		return RidgeFit{}, fmt.Errorf("ridge: %w", err)
	}

	fit := RidgeFit{Bias: yMean, Coef: make([]float64, p)}
	for j := 0; j < p; j++ {
		fit.Coef[j] = beta.AtVec(j)
		fit.Bias -= fit.Coef[j] * xMean[j]
	}
	return fit, nil
}

// FoldMetrics scores one walk-forward validation slice.
type FoldMetrics struct {
	RMSE           float64 `json:"rmse"`
	MAE            float64 `json:"mae"`
	DirectionalAcc float64 `json:"directional_acc"`
	NVal           int     `json:"n_val"`
}

// WalkForward orders samples by time and cuts them into folds+1 blocks.
// Fold k trains on blocks [0, k) and validates on block k. It stops at the
// first validation block shorter than minFoldRows.
func WalkForward(samples []PriceSample, folds int, alpha float64) ([]FoldMetrics, error) {
	ordered := make([]PriceSample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].TS < ordered[j].TS })

	n := len(ordered)
	size := max(1, n/(max(1, folds)+1))
	out := []FoldMetrics{}
	for k := 1; k <= folds; k++ {
		cut, end := k*size, min(n, (k+1)*size)
		if end-cut < minFoldRows {
			break
		}
		fit, err := FitRidge(ordered[:cut], alpha)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", k, err)
		}
		out = append(out, scoreFold(fit, ordered[cut:end]))
	}
	return out, nil
}

func scoreFold(fit RidgeFit, val []PriceSample) FoldMetrics {
	var sq, abs float64
	hits := 0
	for _, s := range val {
		pred := fit.Predict(s.Features)
		d := pred - s.Y
		sq += d * d
		abs += math.Abs(d)
		if (pred > 0) == (s.Y > 0) {
			hits++
		}
	}
	n := float64(len(val))
	return FoldMetrics{
		RMSE:           math.Sqrt(sq / n),
		MAE:            abs / n,
		DirectionalAcc: float64(hits) / n,
		NVal:           len(val),
	}
}

// MarshalWeightsArtifact renders a fit in the layout LoadPriceModel reads,
// with a training block describing how it was produced.
func MarshalWeightsArtifact(fit RidgeFit, version string, training map[string]any) ([]byte, error) {
	out := map[string]any{
		"version":  version,
		"bias":     fit.Bias,
		"training": training,
	}
	for j, k := range priceFeatures {
		out[k] = fit.Coef[j]
	}
	return json.MarshalIndent(out, "", "  ")
}

// PriceFeatureNames lists the model inputs in coefficient order.
func PriceFeatureNames() []string {
	return append([]string(nil), priceFeatures...)
}
