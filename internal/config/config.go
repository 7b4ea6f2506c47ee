package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cryptoml/ml-service/internal/propagation"
)

type Config struct {
	Port                string
	ServiceKey          string
	AllowDebugInjection bool
	RequestTimeout      time.Duration

	MarketDataURL       string
	MarketDataAPIKey    string
	MarketDataKeyHeader string
	MarketDataTimeout   time.Duration
	MarketDataRetries   int
	FeatureLookback     int
	GraphWindow         int
	GraphMethod         string

	DefaultInterval string
	DefaultHorizon  int

	GraphTopK       int
	PropSteps       int
	PropDecay       float64
	DriversTopN     int
	AllowSelfLoops  bool
	NonFinitePolicy propagation.NonFinitePolicy

	ModelWeightsPath  string
	SecurityModelPath string

	RedisURL         string
	CacheTTLFeatures time.Duration
	CacheTTLGraph    time.Duration
	RateLimitPerMin  int
	CircuitFailLimit int
	CircuitCooldown  time.Duration

	LogLevel  string
	LogFormat string
}

func Load() Config {
	return Config{
		Port:                getEnv("PORT", "8000"),
		ServiceKey:          getEnv("ML_SERVICE_API_KEY", ""),
		AllowDebugInjection: getEnvBool("ALLOW_DEBUG_INJECTION", false),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),

		MarketDataURL:       strings.TrimRight(getEnv("MARKET_DATA_SERVICE_URL", ""), "/"),
		MarketDataAPIKey:    getEnv("MARKET_DATA_SERVICE_API_KEY", ""),
		MarketDataKeyHeader: getEnv("MARKET_DATA_API_KEY_HEADER", "x-api-key"),
		MarketDataTimeout:   getEnvSeconds("MARKET_DATA_TIMEOUT_S", 3*time.Second),
		MarketDataRetries:   getEnvInt("MARKET_DATA_RETRIES", 1),
		FeatureLookback:     getEnvInt("ML_FEATURE_LOOKBACK", 480),
		GraphWindow:         getEnvInt("ML_GRAPH_WINDOW", 240),
		GraphMethod:         getEnv("ML_GRAPH_METHOD", "corr"),

		DefaultInterval: getEnv("ML_DEFAULT_INTERVAL", "1h"),
		DefaultHorizon:  getEnvInt("ML_DEFAULT_HORIZON", 24),

		GraphTopK:       getEnvInt("ML_GRAPH_TOP_K", 8),
		PropSteps:       getEnvInt("ML_PROP_STEPS", 3),
		PropDecay:       getEnvFloat("ML_PROP_DECAY", 0.6),
		DriversTopN:     getEnvInt("ML_DRIVERS_TOP_N", 3),
		AllowSelfLoops:  getEnvBool("ML_GRAPH_ALLOW_SELF_LOOPS", false),
		NonFinitePolicy: propagation.ParseNonFinitePolicy(getEnv("ML_NONFINITE_POLICY", "zero")),

		ModelWeightsPath:  resolvePath(getEnv("MODEL_WEIGHTS_PATH", ""), filepath.Join("models", "weights.json")),
		SecurityModelPath: resolvePath(getEnv("SECURITY_MODEL_PATH", ""), filepath.Join("models", "security_baseline.json")),

		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379"),
		CacheTTLFeatures: getEnvDuration("CACHE_TTL_FEATURES", 15*time.Second),
		CacheTTLGraph:    getEnvDuration("CACHE_TTL_GRAPH", 60*time.Second),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MIN", 240),
		CircuitFailLimit: getEnvInt("CIRCUIT_FAIL_LIMIT", 3),
		CircuitCooldown:  getEnvDuration("CIRCUIT_COOLDOWN", 20*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Propagation projects the graph tunables into core parameters.
func (c Config) Propagation() propagation.Params {
	return propagation.Params{
		TopK:           c.GraphTopK,
		Steps:          c.PropSteps,
		Decay:          c.PropDecay,
		TopN:           c.DriversTopN,
		AllowSelfLoops: c.AllowSelfLoops,
		NonFinite:      c.NonFinitePolicy,
	}.Normalized()
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// getEnvDuration reads whole seconds, or any time.ParseDuration string.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvSeconds(key string, def time.Duration) time.Duration {
	f := getEnvFloat(key, -1)
	if f <= 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func resolvePath(p string, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
