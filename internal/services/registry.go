package services

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"cryptoml/ml-service/internal/metrics"
	"cryptoml/ml-service/internal/models"
)

type modelSet struct {
	price    *PriceModel
	security *SecurityAnomalyModel
}

// ModelRegistry holds the loaded models and swaps them atomically on reload.
type ModelRegistry struct {
	weightsPath  string
	securityPath string
	metrics      *metrics.Registry
	current      atomic.Pointer[modelSet]
}

// NewModelRegistry loads both artifacts. Load problems are logged and the
// affected model falls back to its defaults.
func NewModelRegistry(weightsPath, securityPath string, m *metrics.Registry) *ModelRegistry {
	r := &ModelRegistry{weightsPath: weightsPath, securityPath: securityPath, metrics: m}
	set, err := r.load()
	if err != nil {
		log.Warn().Err(err).Msg("model artifacts loaded with fallbacks")
	}
	r.current.Store(set)
	return r
}

func (r *ModelRegistry) load() (*modelSet, error) {
	price, perr := LoadPriceModel(r.weightsPath)
	security, serr := LoadSecurityModel(r.securityPath)
	return &modelSet{price: price, security: security}, errors.Join(perr, serr)
}

func (r *ModelRegistry) Price() *PriceModel {
	return r.current.Load().price
}

func (r *ModelRegistry) Security() *SecurityAnomalyModel {
	return r.current.Load().security
}

// Reload re-reads the artifacts. On error the previous models stay active.
func (r *ModelRegistry) Reload() (models.ReloadResponse, error) {
	set, err := r.load()
	if err != nil {
		r.metrics.CountReload(false)
		log.Error().Err(err).Msg("model reload failed")
		cur := r.current.Load()
		return models.ReloadResponse{Ok: false, PriceModel: cur.price.Info, SecurityModel: cur.security.Info()}, err
	}
	r.current.Store(set)
	r.metrics.CountReload(true)
	log.Info().
		Str("price_model", set.price.Info.Version).
		Str("security_model", set.security.Version).
		Msg("models reloaded")
	return models.ReloadResponse{Ok: true, PriceModel: set.price.Info, SecurityModel: set.security.Info()}, nil
}
