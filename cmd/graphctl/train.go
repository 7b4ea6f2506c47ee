package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cryptoml/ml-service/internal/services"
)

type trainOptions struct {
	in    string
	out   string
	alpha float64
	folds int
}

func newTrainWeightsCmd() *cobra.Command {
	opts := trainOptions{}
	cmd := &cobra.Command{
		Use:   "train-weights",
		Short: "Fit price model weights with ridge regression and walk-forward validation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(opts.in)
			if err != nil {
				return fmt.Errorf("open dataset: %w", err)
			}
			defer f.Close()

			art, folds, err := trainWeights(f, opts, time.Now().UTC())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(opts.out), 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			if err := os.WriteFile(opts.out, art, 0o644); err != nil {
				return fmt.Errorf("write weights: %w", err)
			}
			for i, m := range folds {
				log.Info().Int("fold", i+1).Float64("rmse", m.RMSE).Float64("mae", m.MAE).
					Float64("directional_acc", m.DirectionalAcc).Int("n_val", m.NVal).Msg("walk-forward")
			}
			log.Info().Str("out", opts.out).Int("folds", len(folds)).Msg("weights written")
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.in, "in", "i", "", "dataset, one JSON row per line (ts, y_exp_return, features)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "models/weights.json", "weights artifact path")
	cmd.Flags().Float64Var(&opts.alpha, "alpha", 1.0, "ridge penalty")
	cmd.Flags().IntVar(&opts.folds, "folds", 5, "walk-forward folds")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// trainWeights reads dataset rows, validates walk-forward and fits the final
// model on every row.
func trainWeights(r io.Reader, opts trainOptions, now time.Time) ([]byte, []services.FoldMetrics, error) {
	var samples []services.PriceSample
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(b, &row); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, services.ParsePriceSample(row))
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(samples) == 0 {
		return nil, nil, fmt.Errorf("empty dataset")
	}

	folds, err := services.WalkForward(samples, opts.folds, opts.alpha)
	if err != nil {
		return nil, nil, err
	}
	fit, err := services.FitRidge(samples, opts.alpha)
	if err != nil {
		return nil, nil, err
	}

	stamp := now.Format(time.RFC3339)
	art, err := services.MarshalWeightsArtifact(fit, stamp, map[string]any{
		"trainedAt":   stamp,
		"input":       map[string]any{"path": opts.in, "n": len(samples)},
		"model":       map[string]any{"type": "Ridge", "alpha": opts.alpha},
		"features":    services.PriceFeatureNames(),
		"walkForward": folds,
	})
	return art, folds, err
}
