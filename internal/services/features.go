package services

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"cryptoml/ml-service/internal/models"
	"cryptoml/ml-service/internal/propagation"
)

// Feature names understood by the price model.
const (
	FeatRet1        = "ret_1"
	FeatNbrRet1     = "nbr_ret_1"
	FeatMomentum5   = "momentum_5"
	FeatVolatility  = "volatility"
	FeatVolumeRatio = "volume_ratio"
	FeatMAShort     = "ma_short"
	FeatMALong      = "ma_long"
	FeatTrend       = "trend"
)

// AdaptFeatures maps a raw upstream feature row onto the model's feature names.
// Absent or unparseable values fall back to their defaults.
func AdaptFeatures(x map[string]any) map[string]float64 {
	pick := func(def float64, keys ...string) float64 {
		for _, k := range keys {
			if v, ok := toFloat(x[k]); ok {
				return v
			}
		}
		return def
	}

	ret1 := pick(0, "ret_1", "return")
	maShort := pick(0, "ma_short")
	maLong := pick(0, "ma_long")

	trend := 0.0
	if maShort > 0 && maLong > 0 {
		trend = maShort/maLong - 1.0
	}

	// upstream sometimes sends momentum as a price delta rather than a ratio
	momentum := pick(0, "momentum_5", "momentum")
	if math.Abs(momentum) > 5.0 && maLong > 0 {
		momentum /= maLong
	}

	return map[string]float64{
		FeatRet1:        ret1,
		FeatMomentum5:   momentum,
		FeatVolatility:  pick(0, "volatility"),
		FeatVolumeRatio: pick(1.0, "volume_ratio"),
		FeatMAShort:     maShort,
		FeatMALong:      maLong,
		FeatTrend:       trend,
	}
}

// NormalizeEdges converts wire edges, dropping those without endpoints or weight.
func NormalizeEdges(in []models.EdgeIn) []propagation.Edge {
	out := make([]propagation.Edge, 0, len(in))
	for _, e := range in {
		src := propagation.NormalizeSymbol(e.Src)
		dst := propagation.NormalizeSymbol(e.Dst)
		if src == "" || dst == "" || e.Weight == 0 {
			continue
		}
		out = append(out, propagation.Edge{Src: src, Dst: dst, Weight: e.Weight, Lag: e.Lag})
	}
	return out
}

// NormalizeSymbols trims, upper-cases and dedupes, keeping first-seen order.
func NormalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = propagation.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
