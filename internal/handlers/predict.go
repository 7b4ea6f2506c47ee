package handlers

import (
	"net/http"

	"cryptoml/ml-service/internal/models"
)

func (a *API) Predict(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	var req models.PredictRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := timeboxed(r, a.cfg.RequestTimeout)
	defer cancel()

	resp, err := a.predict.Predict(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Explain returns the diffusion steps and every hop's ranked contributions
// for a single symbol.
func (a *API) Explain(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	var req models.ExplainRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := timeboxed(r, a.cfg.RequestTimeout)
	defer cancel()

	resp, err := a.predict.Explain(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
