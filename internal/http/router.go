package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"cryptoml/ml-service/internal/config"
	"cryptoml/ml-service/internal/handlers"
	"cryptoml/ml-service/internal/metrics"
	"cryptoml/ml-service/internal/services"
)

func NewRouter(cfg config.Config, cache services.Cache, data *services.MarketDataClient, reg *services.ModelRegistry, m *metrics.Registry) http.Handler {
	api := handlers.New(cfg, cache, data, reg, m)

	r := mux.NewRouter()
	r.Use(withMetrics(m))
	r.HandleFunc("/health", api.Health).Methods(http.MethodGet)
	r.HandleFunc("/predict", api.Predict).Methods(http.MethodPost)
	r.HandleFunc("/explain", api.Explain).Methods(http.MethodPost)
	r.HandleFunc("/security/anomaly-model", api.SecurityModel).Methods(http.MethodGet)
	r.HandleFunc("/security/anomaly-score", api.SecurityScore).Methods(http.MethodPost)
	r.HandleFunc("/admin/reload", api.AdminReload).Methods(http.MethodPost)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	h := http.Handler(r)
	h = withRecovery(h)
	h = withLogging(h)
	h = withRateLimit(cfg.RateLimitPerMin)(h)
	h = withCORS(h)
	h = withRequestID(h)
	return h
}
