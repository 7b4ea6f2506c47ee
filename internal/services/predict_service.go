package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"cryptoml/ml-service/internal/config"
	"cryptoml/ml-service/internal/metrics"
	"cryptoml/ml-service/internal/models"
	"cryptoml/ml-service/internal/propagation"
)

const (
	maxSymbols      = 50
	maxHorizon      = 240
	maxExplainSteps = 10
	maxExplainTopN  = 50
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrDebugDisabled  = errors.New("debug injection disabled")
	ErrNoSymbols      = fmt.Errorf("%w: symbols must not be empty", ErrInvalidRequest)
)

// Data sources reported in metrics.
const (
	sourceDebug    = "debug"
	sourceUpstream = "upstream"
	sourceEmpty    = "empty"
)

// PredictService runs the graph propagation and price model for a request.
type PredictService struct {
	cfg     config.Config
	data    *MarketDataClient
	models  *ModelRegistry
	metrics *metrics.Registry
	now     func() time.Time
}

func NewPredictService(cfg config.Config, data *MarketDataClient, reg *ModelRegistry, m *metrics.Registry) *PredictService {
	return &PredictService{cfg: cfg, data: data, models: reg, metrics: m, now: time.Now}
}

// graphInput is the resolved snapshot and edge list for one request.
type graphInput struct {
	snap     propagation.Snapshot
	edges    []propagation.Edge
	asOfTime json.RawMessage
	source   string
}

func (s *PredictService) Predict(ctx context.Context, req models.PredictRequest) (models.PredictResponse, error) {
	horizon := s.cfg.DefaultHorizon
	switch {
	case req.HorizonSteps != nil:
		horizon = *req.HorizonSteps
	case req.Horizon != nil:
		horizon = *req.Horizon
	}
	if horizon < 1 || horizon > maxHorizon {
		return models.PredictResponse{}, fmt.Errorf("%w: horizon must be in [1, %d]", ErrInvalidRequest, maxHorizon)
	}
	if len(req.Symbols) > maxSymbols {
		return models.PredictResponse{}, fmt.Errorf("%w: at most %d symbols", ErrInvalidRequest, maxSymbols)
	}

	debugUsed := len(req.DebugFeatures) > 0 || len(req.DebugEdges) > 0
	if debugUsed && !s.cfg.AllowDebugInjection {
		return models.PredictResponse{}, ErrDebugDisabled
	}
	symbols := NormalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return models.PredictResponse{}, ErrNoSymbols
	}

	interval := s.interval(req.Interval)
	asOf := pickAsOf(req.AsOfTime, req.AsOf)
	wantProp := req.WantsPropagation()
	p := s.cfg.Propagation()

	in := s.resolveInput(ctx, symbols, interval, asOf, req.DebugFeatures, req.DebugEdges, wantProp)
	snap, adj := s.buildGraph(in, symbols, p)
	model := s.models.Price()

	rows := make([]map[string]float64, len(symbols))
	drivers := make([][]models.Driver, len(symbols))
	start := time.Now()
	for i, sym := range symbols {
		var ex propagation.Explanation
		if wantProp {
			ex = propagation.Explain(sym, FeatRet1, snap, adj, p)
		}
		row := modelRow(snap[sym], ex.Total)
		rows[i] = row

		var d []models.Driver
		if wantProp && len(adj[sym]) > 0 {
			for _, c := range ex.Direct {
				d = append(d, neighborDriver(c))
			}
			for _, c := range ex.TwoHop {
				d = append(d, indirectDriver(c))
			}
			for _, c := range ex.ThreeHop {
				d = append(d, indirectDriver(c))
			}
		}
		contrib := model.Explain(row)
		for _, f := range priceFeatures {
			d = append(d, models.Driver{Type: "self", Feature: f, Impact: contrib[f]})
		}
		drivers[i] = d
	}
	s.metrics.ObservePropagation("explain", time.Since(start))

	y := model.PredictMany(rows)
	preds := make([]models.Prediction, len(symbols))
	for i, sym := range symbols {
		pUp, conf := ProbUp(y[i])
		preds[i] = models.Prediction{
			Symbol:     sym,
			PUp:        pUp,
			ExpReturn:  y[i],
			Confidence: conf,
			Drivers:    drivers[i],
		}
	}
	s.metrics.CountPredictions(in.source, len(preds))

	return models.PredictResponse{
		AsOfTime:     in.asOfTime,
		AsOf:         in.asOfTime,
		Interval:     interval,
		Horizon:      horizon,
		HorizonSteps: horizon,
		DebugUsed:    debugUsed,
		Predictions:  preds,
		Model:        model.Info,
		CreatedAtMs:  s.now().UnixMilli(),
	}, nil
}

// Explain returns the full propagation breakdown of one feature for one
// symbol. Symbols widens the active set; the target is always included.
func (s *PredictService) Explain(ctx context.Context, req models.ExplainRequest) (models.ExplainResponse, error) {
	debugUsed := len(req.DebugFeatures) > 0 || len(req.DebugEdges) > 0
	if debugUsed && !s.cfg.AllowDebugInjection {
		return models.ExplainResponse{}, ErrDebugDisabled
	}
	target := propagation.NormalizeSymbol(req.Symbol)
	if target == "" {
		return models.ExplainResponse{}, fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	symbols := NormalizeSymbols(append([]string{target}, req.Symbols...))
	if len(symbols) > maxSymbols {
		return models.ExplainResponse{}, fmt.Errorf("%w: at most %d symbols", ErrInvalidRequest, maxSymbols)
	}

	p := s.cfg.Propagation()
	if req.TopN != nil {
		if *req.TopN > maxExplainTopN {
			return models.ExplainResponse{}, fmt.Errorf("%w: topN must be at most %d", ErrInvalidRequest, maxExplainTopN)
		}
		p.TopN = *req.TopN
	}
	if req.Steps != nil {
		if *req.Steps > maxExplainSteps {
			return models.ExplainResponse{}, fmt.Errorf("%w: steps must be at most %d", ErrInvalidRequest, maxExplainSteps)
		}
		p.Steps = *req.Steps
	}
	if req.Decay != nil {
		if math.IsNaN(*req.Decay) || math.IsInf(*req.Decay, 0) {
			return models.ExplainResponse{}, fmt.Errorf("%w: decay must be finite", ErrInvalidRequest)
		}
		p.Decay = *req.Decay
	}
	p = p.Normalized()

	feature := req.Feature
	if feature == "" {
		feature = FeatRet1
	}
	interval := s.interval(req.Interval)

	in := s.resolveInput(ctx, symbols, interval, req.AsOf, req.DebugFeatures, req.DebugEdges, true)
	snap, adj := s.buildGraph(in, symbols, p)

	start := time.Now()
	ex := propagation.Explain(target, feature, snap, adj, p)
	s.metrics.ObservePropagation("explain", time.Since(start))

	return models.ExplainResponse{
		Ok:          true,
		AsOfTime:    in.asOfTime,
		Interval:    interval,
		DebugUsed:   debugUsed,
		TopK:        p.TopK,
		Steps:       p.Steps,
		Decay:       p.Decay,
		TopN:        p.TopN,
		Edges:       adj.EdgeCount(),
		Explanation: ex,
	}, nil
}

// resolveInput applies debug overrides first and fills whatever is left from
// the market-data service. Upstream failures leave the snapshot empty.
func (s *PredictService) resolveInput(ctx context.Context, symbols []string, interval string, asOf json.RawMessage,
	debugFeatures map[string]map[string]any, debugEdges []models.EdgeIn, wantEdges bool) graphInput {
	in := graphInput{snap: propagation.Snapshot{}, asOfTime: asOf, source: sourceEmpty}

	active := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		active[sym] = struct{}{}
	}

	if len(debugFeatures) > 0 || len(debugEdges) > 0 {
		in.source = sourceDebug
	}
	for sym, raw := range debugFeatures {
		sym = propagation.NormalizeSymbol(sym)
		if _, ok := active[sym]; ok && raw != nil {
			in.snap[sym] = AdaptFeatures(raw)
		}
	}
	if len(debugEdges) > 0 {
		in.edges = NormalizeEdges(debugEdges)
	}

	if s.data == nil {
		return in
	}

	if len(debugFeatures) == 0 {
		feat, err := s.data.GetFeaturesLatest(ctx, symbols, interval, s.cfg.FeatureLookback, asOf)
		if err != nil {
			log.Warn().Err(err).Str("interval", interval).Int("symbols", len(symbols)).Msg("features fetch failed")
		} else {
			if len(feat.AsOfTime) > 0 {
				in.asOfTime = feat.AsOfTime
			}
			for _, row := range feat.Features {
				sym := propagation.NormalizeSymbol(row.Symbol)
				if _, ok := active[sym]; ok {
					in.snap[sym] = AdaptFeatures(row.X)
				}
			}
			if in.source == sourceEmpty {
				in.source = sourceUpstream
			}
		}
	}

	if wantEdges && len(debugEdges) == 0 {
		g, err := s.data.GetInfluenceGraph(ctx, interval, s.cfg.GraphWindow, asOf, s.cfg.GraphMethod, symbols)
		if err != nil {
			log.Warn().Err(err).Str("interval", interval).Msg("influence graph fetch failed")
		} else {
			in.edges = NormalizeEdges(g.Edges)
			if len(g.AsOfTime) > 0 {
				in.asOfTime = g.AsOfTime
			}
		}
	}
	return in
}

func (s *PredictService) buildGraph(in graphInput, symbols []string, p propagation.Params) (propagation.Snapshot, propagation.Adjacency) {
	snap := in.snap.Ensure(symbols).Sanitize(p.NonFinite)

	start := time.Now()
	adj := propagation.BuildAdjacency(in.edges, symbols, p.TopK,
		propagation.WithSelfLoops(p.AllowSelfLoops),
		propagation.WithNonFinite(p.NonFinite),
	)
	s.metrics.ObservePropagation("adjacency", time.Since(start))
	s.metrics.ObserveGraph(adj.EdgeCount())
	return snap, adj
}

func (s *PredictService) interval(v string) string {
	if v == "" {
		return s.cfg.DefaultInterval
	}
	return v
}

// modelRow assembles the price-model inputs. A zero volume ratio reads as 1.
func modelRow(x map[string]float64, nbr float64) map[string]float64 {
	vr := x[FeatVolumeRatio]
	if vr == 0 {
		vr = 1.0
	}
	return map[string]float64{
		FeatRet1:        x[FeatRet1],
		FeatMomentum5:   x[FeatMomentum5],
		FeatNbrRet1:     nbr,
		FeatVolatility:  x[FeatVolatility],
		FeatVolumeRatio: vr,
		FeatTrend:       x[FeatTrend],
	}
}

func neighborDriver(c propagation.Contribution) models.Driver {
	e := c.Edges[0]
	return models.Driver{
		Type:       "neighbor",
		Symbol:     c.Source(),
		Impact:     c.ImpactUsed,
		ImpactUsed: ptr(c.ImpactUsed),
		ImpactRaw:  ptr(c.ImpactRaw),
		Weight:     ptr(e.WeightUsed),
		WeightUsed: ptr(e.WeightUsed),
		WeightRaw:  ptr(e.WeightRaw),
		Lag:        ptr(e.Lag),
	}
}

// indirectDriver flattens a 2- or 3-hop path; W1 is the edge furthest from
// the destination.
func indirectDriver(c propagation.Contribution) models.Driver {
	d := models.Driver{
		Type:       "indirect",
		Path:       c.Path,
		Hop:        c.Hop(),
		Impact:     c.ImpactUsed,
		ImpactUsed: ptr(c.ImpactUsed),
		ImpactRaw:  ptr(c.ImpactRaw),
	}
	used := []**float64{&d.W1Used, &d.W2Used, &d.W3Used}
	raw := []**float64{&d.W1Raw, &d.W2Raw, &d.W3Raw}
	lags := []**int{&d.Lag1, &d.Lag2, &d.Lag3}
	for i, e := range c.Edges {
		if i == len(used) {
			break
		}
		*used[i] = ptr(e.WeightUsed)
		*raw[i] = ptr(e.WeightRaw)
		*lags[i] = ptr(e.Lag)
	}
	return d
}

func pickAsOf(primary, fallback json.RawMessage) json.RawMessage {
	if len(primary) > 0 && string(primary) != "null" {
		return primary
	}
	return fallback
}

func ptr[T any](v T) *T { return &v }
