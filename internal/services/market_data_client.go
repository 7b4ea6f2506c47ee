package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"cryptoml/ml-service/internal/config"
	"cryptoml/ml-service/internal/metrics"
	"cryptoml/ml-service/internal/models"
)

var (
	ErrCircuitOpen = errors.New("market data circuit breaker open")
	errNoEndpoint  = errors.New("no market data endpoint succeeded")
)

var featurePaths = []string{"/v1/ml/latest_features", "/v1/ml/features/latest"}

var graphPaths = []string{
	"/v1/ml/influence_graph",
	"/v1/ml/influence-graph",
	"/v1/ml/graph/influence",
	"/v1/ml/influenceGraph",
}

const userAgent = "crypto-ml-service-go/0.3.0"

type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("market data api: %d", e.Status)
}

// MarketDataClient reads features and influence graphs from the market-data
// service. A nil *MarketDataClient means no data service is configured.
type MarketDataClient struct {
	baseURL   string
	apiKey    string
	keyHeader string
	retries   int
	backoff   time.Duration
	hc        *http.Client
	cb        *gobreaker.CircuitBreaker
	cache     Cache
	cfg       config.Config
	metrics   *metrics.Registry
}

func NewMarketDataClient(cfg config.Config, cache Cache, m *metrics.Registry) *MarketDataClient {
	if cfg.MarketDataURL == "" {
		return nil
	}
	header := strings.TrimSpace(cfg.MarketDataKeyHeader)
	if header == "" {
		header = "x-api-key"
	}
	failLimit := uint32(cfg.CircuitFailLimit)
	if failLimit == 0 {
		failLimit = 3
	}
	return &MarketDataClient{
		baseURL:   strings.TrimRight(cfg.MarketDataURL, "/"),
		apiKey:    cfg.MarketDataAPIKey,
		keyHeader: header,
		retries:   max(0, cfg.MarketDataRetries),
		backoff:   150 * time.Millisecond,
		hc: &http.Client{
			Timeout: cfg.MarketDataTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "market-data",
			Timeout: cfg.CircuitCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failLimit
			},
			IsSuccessful: breakerNeutral,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			},
		}),
		cache:   cache,
		cfg:     cfg,
		metrics: m,
	}
}

func (c *MarketDataClient) BaseURL() string { return c.baseURL }

// GetFeaturesLatest fetches the newest feature row per symbol.
func (c *MarketDataClient) GetFeaturesLatest(ctx context.Context, symbols []string, interval string, lookback int, asOf json.RawMessage) (models.FeaturesLatest, error) {
	var out models.FeaturesLatest
	symbols = NormalizeSymbols(symbols)
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("interval", interval)
	params.Set("lookback", strconv.Itoa(lookback))
	if v := asOfParam(asOf); v != "" {
		params.Set("asOfTime", v)
	}

	key := marketCacheKey("features", symbols, interval, strconv.Itoa(lookback), asOfParam(asOf))
	err := c.cachedFetch(ctx, "features", key, c.cfg.CacheTTLFeatures, featurePaths, params, &out)
	return out, err
}

// GetInfluenceGraph fetches the edge list of the influence graph.
func (c *MarketDataClient) GetInfluenceGraph(ctx context.Context, interval string, window int, asOf json.RawMessage, method string, symbols []string) (models.InfluenceGraph, error) {
	var out models.InfluenceGraph
	symbols = NormalizeSymbols(symbols)
	params := url.Values{}
	params.Set("interval", interval)
	params.Set("window", strconv.Itoa(window))
	params.Set("method", method)
	if v := asOfParam(asOf); v != "" {
		params.Set("asOfTime", v)
	}
	if len(symbols) > 0 {
		params.Set("symbols", strings.Join(symbols, ","))
	}

	key := marketCacheKey("graph", symbols, interval, strconv.Itoa(window), method, asOfParam(asOf))
	err := c.cachedFetch(ctx, "graph", key, c.cfg.CacheTTLGraph, graphPaths, params, &out)
	return out, err
}

// Ping checks that the data service answers at all.
func (c *MarketDataClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 {
		return &UpstreamError{Status: res.StatusCode}
	}
	return nil
}

func (c *MarketDataClient) cachedFetch(ctx context.Context, kind, key string, ttl time.Duration, paths []string, params url.Values, out any) error {
	if c.cache != nil && ttl > 0 {
		if b, ok := c.cache.Get(ctx, key); ok {
			if err := UnmarshalCache(b, out); err == nil {
				c.metrics.CacheLookup(kind, true)
				return nil
			}
		}
		c.metrics.CacheLookup(kind, false)
	}

	start := time.Now()
	body, err := c.cb.Execute(func() (any, error) {
		b, err := c.getFirstOK(ctx, paths, params)
		if err != nil && ctx.Err() != nil {
			return nil, callerAbort{err: ctx.Err()}
		}
		return b, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = ErrCircuitOpen
		}
		c.metrics.ObserveUpstream(kind, "error", time.Since(start))
		return err
	}
	c.metrics.ObserveUpstream(kind, "ok", time.Since(start))

	raw := body.([]byte)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	if c.cache != nil && ttl > 0 {
		_ = c.cache.Set(ctx, key, raw, ttl)
	}
	return nil
}

// getFirstOK walks candidate paths; a 404 moves on to the next one, any other
// failure is remembered and also moves on.
func (c *MarketDataClient) getFirstOK(ctx context.Context, paths []string, params url.Values) ([]byte, error) {
	lastErr := errNoEndpoint
	for _, p := range paths {
		u := c.baseURL + p
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		status, body, err := c.getWithRetry(ctx, u)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if status == http.StatusNotFound {
			continue
		}
		if status >= 300 {
			lastErr = &UpstreamError{Status: status, Body: string(body)}
			continue
		}
		return body, nil
	}
	return nil, lastErr
}

// getWithRetry retries transport failures only, backing off 150ms, 300ms, ...
func (c *MarketDataClient) getWithRetry(ctx context.Context, u string) (int, []byte, error) {
	attempts := 1 + c.retries
	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return 0, nil, err
		}
		c.setHeaders(req)

		res, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			if !isTransient(err) || i == attempts-1 {
				break
			}
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(c.backoff * time.Duration(1<<i)):
				continue
			}
		}

		body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
		res.Body.Close()
		if err != nil {
			return res.StatusCode, nil, err
		}
		return res.StatusCode, body, nil
	}
	return 0, nil, lastErr
}

func (c *MarketDataClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}
}

// callerAbort marks a fetch abandoned because the caller's context ended.
type callerAbort struct{ err error }

func (e callerAbort) Error() string { return e.err.Error() }
func (e callerAbort) Unwrap() error { return e.err }

// breakerNeutral reports whether err says nothing about upstream health:
// the caller gave up, or the upstream rejected the request itself. 408 and
// 429 still count against the breaker.
func breakerNeutral(err error) bool {
	if err == nil {
		return true
	}
	var abort callerAbort
	if errors.As(err, &abort) {
		return true
	}
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		return false
	}
	switch upErr.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return upErr.Status >= 400 && upErr.Status < 500
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// asOfParam renders a raw JSON asOf (number or string) as a query value.
func asOfParam(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
