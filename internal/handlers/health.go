package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"cryptoml/ml-service/internal/models"
)

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	missing := []string{}
	depsStatus := map[string]models.DepStatus{}

	if a.cache != nil {
		if err := a.cache.Ping(ctx); err != nil {
			missing = append(missing, "cache_unreachable")
			depsStatus["cache"] = models.DepStatus{Ok: false, Error: err.Error()}
		} else {
			depsStatus["cache"] = models.DepStatus{Ok: true}
		}
	}

	// market data is optional; without it predictions run on debug inputs only
	if a.data == nil {
		depsStatus["market_data"] = models.DepStatus{Ok: false, Error: "not configured"}
	} else if err := a.data.Ping(ctx); err != nil {
		missing = append(missing, "market_data_unreachable")
		depsStatus["market_data"] = models.DepStatus{Ok: false, Error: err.Error()}
	} else {
		depsStatus["market_data"] = models.DepStatus{Ok: true}
	}

	writeJSON(w, http.StatusOK, models.HealthResponse{
		Ok:          len(missing) == 0,
		TsISO:       nowISO(),
		Service:     "ml-service",
		Version:     os.Getenv("SERVICE_VERSION"),
		Model:       a.models.Price().Info,
		DepsStatus:  depsStatus,
		DataMissing: missing,
	})
}
