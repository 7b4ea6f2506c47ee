package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cryptoml/ml-service/internal/services"
)

func newBaselineCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Fit a security anomaly baseline from JSON-lines samples",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(in)
			if err != nil {
				return fmt.Errorf("open samples: %w", err)
			}
			defer f.Close()

			art, n, err := fitBaseline(f, time.Now().UTC())
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, art, 0o644); err != nil {
				return fmt.Errorf("write baseline: %w", err)
			}
			log.Info().Int("samples", n).Str("out", out).Msg("baseline written")
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "file", "f", "", "samples, one anomaly-score request body per line")
	cmd.Flags().StringVarP(&out, "out", "o", "security_baseline.json", "artifact path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// fitBaseline reads anomaly request bodies, flattens them the way the scorer
// does and renders a baseline artifact. Blank lines are skipped.
func fitBaseline(r io.Reader, now time.Time) ([]byte, int, error) {
	var samples []map[string]float64
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var body map[string]any
		if err := json.Unmarshal(b, &body); err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, services.FlattenFeatures(services.ExtractFeaturesPayload(body)))
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("read samples: %w", err)
	}
	if len(samples) == 0 {
		return nil, 0, fmt.Errorf("no samples")
	}

	art, err := services.MarshalBaselineArtifact(services.FitBaseline(samples), map[string]any{
		"samples":  len(samples),
		"fittedAt": now.Format(time.RFC3339),
	})
	return art, len(samples), err
}
