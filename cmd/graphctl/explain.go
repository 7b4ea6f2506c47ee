package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cryptoml/ml-service/internal/config"
	"cryptoml/ml-service/internal/propagation"
)

// graphFixture is a self-contained propagation input. JSON files parse too.
type graphFixture struct {
	Symbols  []string                      `yaml:"symbols"`
	Edges    []propagation.Edge            `yaml:"edges"`
	Features map[string]map[string]float64 `yaml:"features"`
}

type explainOptions struct {
	file    string
	symbol  string
	feature string
	params  propagation.Params
}

type explainOutput struct {
	Params      explainParams           `json:"params"`
	Adjacency   map[string][]adjEntry   `json:"adjacency"`
	Explanation propagation.Explanation `json:"explanation"`
	Reconciled  bool                    `json:"reconciled"`
}

type explainParams struct {
	TopK      int     `json:"topK"`
	Steps     int     `json:"steps"`
	Decay     float64 `json:"decay"`
	TopN      int     `json:"topN"`
	SelfLoops bool    `json:"selfLoops"`
	NonFinite string  `json:"nonFinite"`
}

type adjEntry struct {
	Src        string  `json:"src"`
	WeightUsed float64 `json:"weightUsed"`
	WeightRaw  float64 `json:"weightRaw"`
	Lag        int     `json:"lag"`
}

func newExplainCmd(cfg config.Config) *cobra.Command {
	opts := explainOptions{params: cfg.Propagation()}
	var nonFinite string

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Diffuse a feature over a fixture graph and print its hop breakdown",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.params.NonFinite = propagation.ParseNonFinitePolicy(nonFinite)
			return runExplain(cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "graph fixture (YAML or JSON)")
	f.StringVarP(&opts.symbol, "symbol", "s", "", "destination symbol")
	f.StringVar(&opts.feature, "feature", "ret_1", "feature to diffuse")
	f.IntVar(&opts.params.TopK, "top-k", opts.params.TopK, "in-edges kept per destination")
	f.IntVar(&opts.params.Steps, "steps", opts.params.Steps, "diffusion steps")
	f.Float64Var(&opts.params.Decay, "decay", opts.params.Decay, "per-hop decay")
	f.IntVar(&opts.params.TopN, "top-n", opts.params.TopN, "contributions listed per hop")
	f.BoolVar(&opts.params.AllowSelfLoops, "self-loops", opts.params.AllowSelfLoops, "keep src == dst edges")
	f.StringVar(&nonFinite, "non-finite", opts.params.NonFinite.String(), "NaN/Inf policy (zero|propagate)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func runExplain(w io.Writer, opts explainOptions) error {
	fx, err := loadFixture(opts.file)
	if err != nil {
		return err
	}
	p := opts.params.Normalized()
	symbols := fx.symbols()
	target := propagation.NormalizeSymbol(opts.symbol)
	if !contains(symbols, target) {
		return fmt.Errorf("symbol %q is not in the fixture", opts.symbol)
	}

	snap := fx.snapshot().Ensure(symbols).Sanitize(p.NonFinite)
	adj := propagation.BuildAdjacency(fx.Edges, symbols, p.TopK,
		propagation.WithSelfLoops(p.AllowSelfLoops),
		propagation.WithNonFinite(p.NonFinite),
	)
	ex := propagation.Explain(target, opts.feature, snap, adj, p)

	out := explainOutput{
		Params: explainParams{
			TopK: p.TopK, Steps: p.Steps, Decay: p.Decay, TopN: p.TopN,
			SelfLoops: p.AllowSelfLoops, NonFinite: p.NonFinite.String(),
		},
		Adjacency:   make(map[string][]adjEntry, len(adj)),
		Explanation: ex,
		Reconciled:  reconciles(target, opts.feature, snap, adj, p),
	}
	for dst, nbrs := range adj {
		for _, n := range nbrs {
			out.Adjacency[dst] = append(out.Adjacency[dst], adjEntry{Src: n.Src, WeightUsed: n.WeightUsed, WeightRaw: n.WeightRaw, Lag: n.Lag})
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// reconciles checks that the untruncated hop breakdowns add back up to the
// diffused value. Only the first three hops have breakdowns.
func reconciles(dst, feature string, snap propagation.Snapshot, adj propagation.Adjacency, p propagation.Params) bool {
	if p.Steps > 3 {
		return false
	}
	all := p
	all.TopN = 1 << 30
	ex := propagation.Explain(dst, feature, snap, adj, all)
	sum := propagation.SumImpact(ex.Direct) + propagation.SumImpact(ex.TwoHop) + propagation.SumImpact(ex.ThreeHop)
	return reconciled(sum, ex.Total)
}

// reconciled compares within 1e-9 relative. The absolute floor covers totals
// near zero and the paths Explain drops below 1e-12.
func reconciled(sum, total float64) bool {
	return math.Abs(sum-total) <= 1e-9*math.Abs(total)+1e-9
}

func loadFixture(path string) (graphFixture, error) {
	var fx graphFixture
	b, err := os.ReadFile(path)
	if err != nil {
		return fx, fmt.Errorf("read fixture: %w", err)
	}
	if err := yaml.Unmarshal(b, &fx); err != nil {
		return fx, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return fx, nil
}

// symbols returns the declared universe, or every symbol the fixture mentions.
func (fx graphFixture) symbols() []string {
	if len(fx.Symbols) > 0 {
		out := make([]string, 0, len(fx.Symbols))
		for _, s := range fx.Symbols {
			if s = propagation.NormalizeSymbol(s); s != "" && !contains(out, s) {
				out = append(out, s)
			}
		}
		return out
	}
	seen := map[string]struct{}{}
	for _, e := range fx.Edges {
		seen[propagation.NormalizeSymbol(e.Src)] = struct{}{}
		seen[propagation.NormalizeSymbol(e.Dst)] = struct{}{}
	}
	for s := range fx.Features {
		seen[propagation.NormalizeSymbol(s)] = struct{}{}
	}
	delete(seen, "")
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (fx graphFixture) snapshot() propagation.Snapshot {
	snap := make(propagation.Snapshot, len(fx.Features))
	for sym, feats := range fx.Features {
		snap[propagation.NormalizeSymbol(sym)] = feats
	}
	return snap
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
