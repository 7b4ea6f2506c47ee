package propagation

import "math"

// PropagateOneHop is Σ weightUsed * x(src) over the in-edges of dst.
func PropagateOneHop(dst, feature string, snap Snapshot, adj Adjacency) float64 {
	dst = NormalizeSymbol(dst)
	total := 0.0
	for _, n := range adj[dst] {
		total += n.WeightUsed * snap.Value(n.Src, feature)
	}
	return total
}

// Diffuse returns hop1[dst] + decay*hop2[dst] + decay²*hop3[dst] + ... for
// the given number of steps, where hop t applies the adjacency operator t
// times to the snapshot values of feature.
func Diffuse(dst, feature string, snap Snapshot, adj Adjacency, steps int, decay float64) float64 {
	total := 0.0
	for i, v := range DiffuseSteps(dst, feature, snap, adj, steps) {
		total += math.Pow(decay, float64(i)) * v
	}
	return total
}

// DiffuseSteps returns the undiscounted value at dst after each step. The
// vector sweep covers every symbol in snap plus dst itself; sources outside
// that set read as zero.
func DiffuseSteps(dst, feature string, snap Snapshot, adj Adjacency, steps int) []float64 {
	dst = NormalizeSymbol(dst)
	steps = ClampMin1(steps)

	prev := make(map[string]float64, len(snap)+1)
	for sym := range snap {
		prev[sym] = snap.Value(sym, feature)
	}
	prev[dst] = snap.Value(dst, feature)

	out := make([]float64, 0, steps)
	for t := 0; t < steps; t++ {
		next := make(map[string]float64, len(prev))
		for d := range prev {
			s := 0.0
			for _, n := range adj[d] {
				s += n.WeightUsed * prev[n.Src]
			}
			next[d] = s
		}
		out = append(out, next[dst])
		prev = next
	}
	return out
}
