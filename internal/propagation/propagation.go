// Package propagation diffuses per-symbol features through a weighted influence
// graph and breaks the diffused value down into the paths that produced it.
//
// Everything here is a pure function of its inputs. An Adjacency and a Snapshot
// are never mutated after construction, so one pair can be queried from many
// goroutines at once.
package propagation

import (
	"math"
	"strings"
)

// MissingValue is what an absent symbol or feature reads as.
const MissingValue = 0.0

// emptyDenominator replaces a zero normalization denominator. Zero-weight edges
// are dropped before normalization, so it only matters for NaN-propagating input.
const emptyDenominator = 1.0

// minImpact is the magnitude below which multi-hop paths are not reported.
const minImpact = 1e-12

// Edge is a directed influence src -> dst. Lag is informational only.
type Edge struct {
	Src    string  `json:"src" yaml:"src"`
	Dst    string  `json:"dst" yaml:"dst"`
	Weight float64 `json:"weight" yaml:"weight"`
	Lag    int     `json:"lag" yaml:"lag"`
}

// Neighbor is one retained in-edge of a destination.
type Neighbor struct {
	Src        string
	WeightUsed float64
	WeightRaw  float64
	Lag        int
}

// Adjacency maps a destination symbol to its retained in-edges, strongest first.
type Adjacency map[string][]Neighbor

// Snapshot holds feature values per symbol at one instant.
type Snapshot map[string]map[string]float64

// Value returns the feature value for sym, or MissingValue.
func (s Snapshot) Value(sym, feature string) float64 {
	feats, ok := s[sym]
	if !ok {
		return MissingValue
	}
	v, ok := feats[feature]
	if !ok {
		return MissingValue
	}
	return v
}

// Ensure returns a copy of s with an entry for every symbol, so that diffusion
// sweeps over the whole symbol universe even when some symbols have no features.
func (s Snapshot) Ensure(symbols []string) Snapshot {
	out := make(Snapshot, len(s)+len(symbols))
	for sym, feats := range s {
		out[sym] = feats
	}
	for _, sym := range symbols {
		sym = NormalizeSymbol(sym)
		if sym == "" {
			continue
		}
		if _, ok := out[sym]; !ok {
			out[sym] = map[string]float64{}
		}
	}
	return out
}

// NonFinitePolicy decides what happens to NaN and ±Inf inputs.
type NonFinitePolicy int

const (
	// NonFiniteZero treats non-finite edge weights like zero weights (dropped)
	// and non-finite feature values as missing.
	NonFiniteZero NonFinitePolicy = iota
	// NonFinitePropagate passes non-finite values through untouched.
	NonFinitePropagate
)

func (p NonFinitePolicy) String() string {
	if p == NonFinitePropagate {
		return "propagate"
	}
	return "zero"
}

// ParseNonFinitePolicy accepts "zero" or "propagate"; anything else is NonFiniteZero.
func ParseNonFinitePolicy(v string) NonFinitePolicy {
	if strings.EqualFold(strings.TrimSpace(v), "propagate") {
		return NonFinitePropagate
	}
	return NonFiniteZero
}

// Sanitize returns a copy of s with the policy applied to every value.
func (s Snapshot) Sanitize(policy NonFinitePolicy) Snapshot {
	if policy == NonFinitePropagate {
		return s
	}
	out := make(Snapshot, len(s))
	for sym, feats := range s {
		clean := make(map[string]float64, len(feats))
		for k, v := range feats {
			if !isFinite(v) {
				v = MissingValue
			}
			clean[k] = v
		}
		out[sym] = clean
	}
	return out
}

// Params are the caller-supplied tunables of one propagation pass.
type Params struct {
	TopK           int
	Steps          int
	Decay          float64
	TopN           int
	AllowSelfLoops bool
	NonFinite      NonFinitePolicy
}

func DefaultParams() Params {
	return Params{TopK: 8, Steps: 3, Decay: 0.6, TopN: 3}
}

// Normalized clamps the integer tunables to at least 1.
func (p Params) Normalized() Params {
	p.TopK = ClampMin1(p.TopK)
	p.Steps = ClampMin1(p.Steps)
	p.TopN = ClampMin1(p.TopN)
	return p
}

// ClampMin1 is the clamp applied to top_k, steps and top_n.
func ClampMin1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// NormalizeSymbol trims and upper-cases a symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
