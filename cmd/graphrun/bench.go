package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/go-graphrun/internal/adapter"
	"github.com/example/go-graphrun/internal/bench"
	"github.com/example/go-graphrun/internal/onnx"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		graphPath string
		inputs    []string
		runs      int
		format    string
		maxMeanMS float64
		skipCold  bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark graph execution latency",
		Example: `  graphrun bench --graph affine.hcl --input x=1,2,3 --runs 20
  graphrun bench --graph model.onnx --input x:2x3=1,2,3,4,5,6 --format json --max-mean-ms 5`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(graphPath) == "" {
				return errors.New("--graph is required for bench")
			}
			if runs < 1 {
				return errors.New("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			g, err := loadGraph(graphPath)
			if err != nil {
				return err
			}

			seqs, err := buildInputs(g, inputs)
			if err != nil {
				return err
			}
			single := make(map[string]*onnx.Tensor, len(seqs))
			for name, seq := range seqs {
				if len(seq) != 1 {
					return fmt.Errorf("input %q given %d times; bench runs single inputs only", name, len(seq))
				}
				single[name] = seq[0]
			}

			aopts, err := adapterOptions(cfg, nil)
			if err != nil {
				return err
			}

			engine, err := buildEngine(cfg)
			if err != nil {
				return err
			}

			a, err := adapter.New(g, engine, aopts)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := a.Close(); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			results, err := bench.Measure(cmd.Context(), runs, func(ctx context.Context) (int, error) {
				out, err := a.Run(ctx, single)
				return len(out), err
			})
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results, skipCold && runs > 1))

			switch format {
			case "json":
				bench.FormatJSON(results, stats, cmd.OutOrStdout())
			default:
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			threshold := time.Duration(maxMeanMS * float64(time.Millisecond))
			return bench.CheckMeanThreshold(stats.Mean, threshold)
		},
	}

	cmd.Flags().StringVar(&graphPath, "graph", "", "Graph definition (.hcl) or ONNX model (.onnx)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Input tensor as name[:d0xd1...]=v0,v1,... (repeat per input)")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&maxMeanMS, "max-mean-ms", 0, "Exit non-zero if mean latency exceeds this many milliseconds (0 = disabled)")
	cmd.Flags().BoolVar(&skipCold, "skip-cold", false, "Exclude the first (cold) run from the stats")

	return cmd
}
