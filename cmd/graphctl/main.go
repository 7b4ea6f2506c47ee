// Command graphctl runs graph propagation offline against fixture files and
// fits security baselines and price weights from recorded samples.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cryptoml/ml-service/internal/config"
	"cryptoml/ml-service/internal/logging"
)

const version = "v0.3.0"

func main() {
	_ = godotenv.Load(".env", ".env.local")
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, "console")

	if err := newRootCmd(cfg).Execute(); err != nil {
		log.Error().Err(err).Msg("graphctl failed")
		os.Exit(1)
	}
}

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "graphctl",
		Short:         "Offline tools for the influence-graph ML service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newExplainCmd(cfg), newBaselineCmd(), newTrainWeightsCmd())
	return root
}
