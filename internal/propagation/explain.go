package propagation

import (
	"math"
	"sort"
)

// PathEdge is one edge of a contribution path.
type PathEdge struct {
	Src        string  `json:"src"`
	Dst        string  `json:"dst"`
	WeightUsed float64 `json:"weightUsed"`
	WeightRaw  float64 `json:"weightRaw"`
	Lag        int     `json:"lag"`
}

// Contribution is the signed share of a diffused value carried by one path.
// Path runs from the originating symbol to the destination; Edges follow the
// same order. Multi-hop impacts already include their decay scale.
type Contribution struct {
	Path       []string   `json:"path"`
	Edges      []PathEdge `json:"edges"`
	ImpactUsed float64    `json:"impactUsed"`
	ImpactRaw  float64    `json:"impactRaw"`
}

// Hop is the path length in edges.
func (c Contribution) Hop() int { return len(c.Edges) }

// Source is the symbol whose feature value the path carries.
func (c Contribution) Source() string {
	if len(c.Path) == 0 {
		return ""
	}
	return c.Path[0]
}

// TopDirectContributions explains the 1-hop term: one entry per in-edge of dst.
func TopDirectContributions(dst, feature string, snap Snapshot, adj Adjacency, topN int) []Contribution {
	dst = NormalizeSymbol(dst)
	nbrs := adj[dst]
	items := make([]Contribution, 0, len(nbrs))
	for _, n := range nbrs {
		x := snap.Value(n.Src, feature)
		items = append(items, Contribution{
			Path:       []string{n.Src, dst},
			Edges:      []PathEdge{pathEdge(n, dst)},
			ImpactUsed: n.WeightUsed * x,
			ImpactRaw:  n.WeightRaw * x,
		})
	}
	return rankContributions(items, topN)
}

// Indirect2Hop explains the decay-scaled 2-hop term through paths v -> u -> dst.
func Indirect2Hop(dst, feature string, snap Snapshot, adj Adjacency, decay float64, topN int) []Contribution {
	dst = NormalizeSymbol(dst)
	var items []Contribution
	for _, ud := range adj[dst] {
		for _, vu := range adj[ud.Src] {
			x := snap.Value(vu.Src, feature)
			used := decay * ud.WeightUsed * vu.WeightUsed * x
			if math.Abs(used) < minImpact {
				continue
			}
			items = append(items, Contribution{
				Path:       []string{vu.Src, ud.Src, dst},
				Edges:      []PathEdge{pathEdge(vu, ud.Src), pathEdge(ud, dst)},
				ImpactUsed: used,
				ImpactRaw:  decay * ud.WeightRaw * vu.WeightRaw * x,
			})
		}
	}
	return rankContributions(items, topN)
}

// Indirect3Hop explains the decay²-scaled 3-hop term through paths
// v -> m -> u -> dst.
func Indirect3Hop(dst, feature string, snap Snapshot, adj Adjacency, decay float64, topN int) []Contribution {
	dst = NormalizeSymbol(dst)
	scale := decay * decay
	var items []Contribution
	for _, ud := range adj[dst] {
		for _, mu := range adj[ud.Src] {
			for _, vm := range adj[mu.Src] {
				x := snap.Value(vm.Src, feature)
				used := scale * ud.WeightUsed * mu.WeightUsed * vm.WeightUsed * x
				if math.Abs(used) < minImpact {
					continue
				}
				items = append(items, Contribution{
					Path:       []string{vm.Src, mu.Src, ud.Src, dst},
					Edges:      []PathEdge{pathEdge(vm, mu.Src), pathEdge(mu, ud.Src), pathEdge(ud, dst)},
					ImpactUsed: used,
					ImpactRaw:  scale * ud.WeightRaw * mu.WeightRaw * vm.WeightRaw * x,
				})
			}
		}
	}
	return rankContributions(items, topN)
}

// Explanation bundles the diffused value of one destination with its breakdown.
type Explanation struct {
	Symbol   string         `json:"symbol"`
	Feature  string         `json:"feature"`
	Total    float64        `json:"total"`
	Steps    []float64      `json:"steps"`
	Direct   []Contribution `json:"direct"`
	TwoHop   []Contribution `json:"twoHop"`
	ThreeHop []Contribution `json:"threeHop"`
}

// Explain runs the diffusion and every decomposition the step count covers.
// The 3-hop breakdown is only produced when p.Steps >= 3.
func Explain(dst, feature string, snap Snapshot, adj Adjacency, p Params) Explanation {
	p = p.Normalized()
	dst = NormalizeSymbol(dst)
	steps := DiffuseSteps(dst, feature, snap, adj, p.Steps)
	total := 0.0
	for i, v := range steps {
		total += math.Pow(p.Decay, float64(i)) * v
	}

	ex := Explanation{
		Symbol:   dst,
		Feature:  feature,
		Total:    total,
		Steps:    steps,
		Direct:   TopDirectContributions(dst, feature, snap, adj, p.TopN),
		TwoHop:   []Contribution{},
		ThreeHop: []Contribution{},
	}
	if p.Steps >= 2 {
		ex.TwoHop = Indirect2Hop(dst, feature, snap, adj, p.Decay, p.TopN)
	}
	if p.Steps >= 3 {
		ex.ThreeHop = Indirect3Hop(dst, feature, snap, adj, p.Decay, p.TopN)
	}
	return ex
}

// SumImpact adds up ImpactUsed over cs.
func SumImpact(cs []Contribution) float64 {
	total := 0.0
	for _, c := range cs {
		total += c.ImpactUsed
	}
	return total
}

func pathEdge(n Neighbor, dst string) PathEdge {
	return PathEdge{Src: n.Src, Dst: dst, WeightUsed: n.WeightUsed, WeightRaw: n.WeightRaw, Lag: n.Lag}
}

func rankContributions(items []Contribution, topN int) []Contribution {
	sort.SliceStable(items, func(i, j int) bool {
		return math.Abs(items[i].ImpactUsed) > math.Abs(items[j].ImpactUsed)
	})
	if n := ClampMin1(topN); len(items) > n {
		items = items[:n]
	}
	if items == nil {
		items = []Contribution{}
	}
	return items
}
