package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"cryptoml/ml-service/internal/config"
	internalhttp "cryptoml/ml-service/internal/http"
	"cryptoml/ml-service/internal/logging"
	"cryptoml/ml-service/internal/metrics"
	"cryptoml/ml-service/internal/services"
)

func main() {
	_ = godotenv.Load(
		".env",
		".env.local",
		"../.env",
		"../.env.local",
		"ml-service/.env",
		"ml-service/.env.local",
	)
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	m := metrics.New()
	cache := services.NewCache(cfg)
	data := services.NewMarketDataClient(cfg, cache, m)
	if data == nil {
		log.Warn().Msg("MARKET_DATA_SERVICE_URL not set, predictions use debug inputs only")
	}
	reg := services.NewModelRegistry(cfg.ModelWeightsPath, cfg.SecurityModelPath, m)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           internalhttp.NewRouter(cfg, cache, data, reg, m),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("price_model", reg.Price().Info.Version).
			Str("security_model", reg.Security().Version).
			Int("top_k", cfg.GraphTopK).
			Int("steps", cfg.PropSteps).
			Float64("decay", cfg.PropDecay).
			Msg("ml service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("ml service stopped")
}
