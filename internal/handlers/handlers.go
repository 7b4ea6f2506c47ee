package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cryptoml/ml-service/internal/config"
	"cryptoml/ml-service/internal/metrics"
	"cryptoml/ml-service/internal/services"
)

const maxBodyBytes = 1 << 20

type API struct {
	cfg     config.Config
	cache   services.Cache
	data    *services.MarketDataClient
	models  *services.ModelRegistry
	predict *services.PredictService
	metrics *metrics.Registry
}

func New(cfg config.Config, cache services.Cache, data *services.MarketDataClient, reg *services.ModelRegistry, m *metrics.Registry) *API {
	return &API{
		cfg:     cfg,
		cache:   cache,
		data:    data,
		models:  reg,
		predict: services.NewPredictService(cfg, data, reg, m),
		metrics: m,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// authorized enforces the x-service-key header when a key is configured.
func (a *API) authorized(w http.ResponseWriter, r *http.Request) bool {
	if a.cfg.ServiceKey == "" {
		return true
	}
	got := r.Header.Get("x-service-key")
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.ServiceKey)) == 1 {
		return true
	}
	writeError(w, http.StatusUnauthorized, "invalid service key")
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "empty request body")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return false
	}
	return true
}

// writeServiceError maps request validation errors before falling back to the
// upstream mapping.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrDebugDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeUpstreamError(w, err)
	}
}

func timeboxed(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(r.Context(), d)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
