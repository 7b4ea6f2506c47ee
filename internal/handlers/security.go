package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"cryptoml/ml-service/internal/models"
	"cryptoml/ml-service/internal/services"
)

func (a *API) SecurityModel(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"model": a.models.Security().Info(),
	})
}

func (a *API) SecurityScore(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	var body map[string]any
	if !decodeBody(w, r, &body) {
		return
	}

	res := a.models.Security().Score(services.ExtractFeaturesPayload(body))
	a.metrics.CountAnomaly(res.Label)
	if res.Label != services.LabelNormal {
		log.Info().
			Str("label", res.Label).
			Float64("score", res.Score).
			Interface("user_id", body["userId"]).
			Msg("security anomaly")
	}
	writeJSON(w, http.StatusOK, models.AnomalyResponse{Ok: true, Anomaly: res})
}

func (a *API) AdminReload(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	resp, err := a.models.Reload()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok":            false,
			"error":         err.Error(),
			"priceModel":    resp.PriceModel,
			"securityModel": resp.SecurityModel,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
