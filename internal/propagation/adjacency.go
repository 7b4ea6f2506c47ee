package propagation

import (
	"math"
	"sort"
)

type buildOptions struct {
	selfLoops bool
	nonFinite NonFinitePolicy
}

// Option adjusts adjacency construction.
type Option func(*buildOptions)

// WithSelfLoops keeps src == dst edges. They are dropped by default.
func WithSelfLoops(allow bool) Option {
	return func(o *buildOptions) { o.selfLoops = allow }
}

// WithNonFinite sets how NaN/Inf edge weights are handled.
func WithNonFinite(p NonFinitePolicy) Option {
	return func(o *buildOptions) { o.nonFinite = p }
}

// BuildAdjacency groups edges by destination, keeps the topK strongest per
// destination by |weight| (input order breaks ties) and rescales the kept
// weights so their absolute values sum to one.
//
// Edges touching a symbol outside symbols, and zero-weight edges, are dropped.
// Destinations left without edges are absent from the result.
func BuildAdjacency(edges []Edge, symbols []string, topK int, opts ...Option) Adjacency {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	topK = ClampMin1(topK)

	active := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s = NormalizeSymbol(s); s != "" {
			active[s] = struct{}{}
		}
	}

	byDst := make(map[string][]Edge)
	var order []string
	for _, e := range edges {
		src := NormalizeSymbol(e.Src)
		dst := NormalizeSymbol(e.Dst)
		if src == "" || dst == "" {
			continue
		}
		if _, ok := active[src]; !ok {
			continue
		}
		if _, ok := active[dst]; !ok {
			continue
		}
		if src == dst && !o.selfLoops {
			continue
		}
		if e.Weight == 0 {
			continue
		}
		if o.nonFinite == NonFiniteZero && !isFinite(e.Weight) {
			continue
		}
		if _, seen := byDst[dst]; !seen {
			order = append(order, dst)
		}
		byDst[dst] = append(byDst[dst], Edge{Src: src, Dst: dst, Weight: e.Weight, Lag: e.Lag})
	}

	adj := make(Adjacency, len(byDst))
	for _, dst := range order {
		lst := byDst[dst]
		sort.SliceStable(lst, func(i, j int) bool {
			return math.Abs(lst[i].Weight) > math.Abs(lst[j].Weight)
		})
		if len(lst) > topK {
			lst = lst[:topK]
		}

		denom := 0.0
		for _, e := range lst {
			denom += math.Abs(e.Weight)
		}
		if denom == 0 {
			denom = emptyDenominator
		}

		nbrs := make([]Neighbor, len(lst))
		for i, e := range lst {
			nbrs[i] = Neighbor{
				Src:        e.Src,
				WeightUsed: e.Weight / denom,
				WeightRaw:  e.Weight,
				Lag:        e.Lag,
			}
		}
		adj[dst] = nbrs
	}
	return adj
}

// EdgeCount is the number of retained edges across all destinations.
func (a Adjacency) EdgeCount() int {
	n := 0
	for _, nbrs := range a {
		n += len(nbrs)
	}
	return n
}
