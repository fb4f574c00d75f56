package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/example/go-graphrun/internal/adapter"
	"github.com/example/go-graphrun/internal/config"
	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/onnx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var buildEngine = func(cfg config.Config) (onnx.Engine, error) {
	engine, err := onnx.NewORTEngine(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("detect ORT runtime: %w", err)
	}

	return engine, nil
}

type runOptions struct {
	graphPath   string
	inputs      []string
	outputs     []string
	sequence    bool
	metricsFile string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a graph once (or over input sequences) and print its outputs as JSON",
		Example: `  graphrun run --graph affine.hcl --input x=1,2,3
  graphrun run --graph model.onnx --input x:2x3=1,2,3,4,5,6 --output y --output h
  graphrun run --graph affine.hcl --sequence --input x=1,2,3 --input x=4,5,6`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(opts.graphPath) == "" {
				return errors.New("--graph is required")
			}

			return runGraph(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.graphPath, "graph", "", "Graph definition (.hcl) or ONNX model (.onnx)")
	cmd.Flags().StringArrayVar(&opts.inputs, "input", nil, "Input tensor as name[:d0xd1...]=v0,v1,... (repeat per input; repeat a name with --sequence)")
	cmd.Flags().StringSliceVar(&opts.outputs, "output", nil, "Output names to return (default: the graph's declared outputs)")
	cmd.Flags().BoolVar(&opts.sequence, "sequence", false, "Treat repeated inputs as ordered sequences and run over them")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics in text format to this file after the run")

	return cmd
}

func runGraph(ctx context.Context, w io.Writer, cfg config.Config, opts runOptions) (err error) {
	g, err := loadGraph(opts.graphPath)
	if err != nil {
		return err
	}

	inputs, err := buildInputs(g, opts.inputs)
	if err != nil {
		return err
	}

	aopts, err := adapterOptions(cfg, opts.outputs)
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

	var result any
	if opts.sequence {
		out, err := a.RunSequence(ctx, inputs)
		if err != nil {
			return err
		}
		result = out
	} else {
		single := make(map[string]*onnx.Tensor, len(inputs))
		for name, seq := range inputs {
			if len(seq) != 1 {
				return fmt.Errorf("input %q given %d times; use --sequence to run over repeated inputs", name, len(seq))
			}
			single[name] = seq[0]
		}
		out, err := a.Run(ctx, single)
		if err != nil {
			return err
		}
		result = out
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	if opts.metricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.metricsFile, prometheus.DefaultGatherer); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}

	return nil
}

// buildInputs parses --input specs into per-name tensor sequences, in the
// order given. Element types come from the graph's input declarations.
func buildInputs(g *graph.Graph, specs []string) (map[string][]*onnx.Tensor, error) {
	inputs := make(map[string][]*onnx.Tensor, len(specs))
	for _, raw := range specs {
		spec, err := parseInputSpec(raw)
		if err != nil {
			return nil, err
		}

		decl, ok := g.Input(spec.name)
		if !ok {
			return nil, fmt.Errorf("input %q is not declared by the graph", spec.name)
		}

		shape := spec.shape
		if !spec.hasShape {
			shape, err = decl.FitShape(len(spec.values))
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", spec.name, err)
			}
		}

		t, err := onnx.NewTensorFromFloat64(decl.DType, spec.values, shape)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", spec.name, err)
		}
		inputs[spec.name] = append(inputs[spec.name], t)
	}
	return inputs, nil
}

type inputSpec struct {
	name     string
	shape    []int64
	hasShape bool
	values   []float64
}

// parseInputSpec parses name[:d0xd1...]=v0,v1,... . An empty shape after the
// colon declares a scalar.
func parseInputSpec(raw string) (inputSpec, error) {
	lhs, rhs, ok := strings.Cut(raw, "=")
	if !ok {
		return inputSpec{}, fmt.Errorf("invalid --input %q (want name[:shape]=values)", raw)
	}

	var spec inputSpec
	name, dims, hasShape := strings.Cut(strings.TrimSpace(lhs), ":")
	spec.name = strings.TrimSpace(name)
	if spec.name == "" {
		return inputSpec{}, fmt.Errorf("invalid --input %q: empty name", raw)
	}

	if hasShape {
		spec.hasShape = true
		spec.shape = []int64{}
		if dims = strings.TrimSpace(dims); dims != "" {
			for _, part := range strings.Split(dims, "x") {
				d, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
				if err != nil || d < 0 {
					return inputSpec{}, fmt.Errorf("invalid --input %q: bad dimension %q", raw, part)
				}
				spec.shape = append(spec.shape, d)
			}
		}
	}

	if rhs = strings.TrimSpace(rhs); rhs != "" {
		for _, part := range strings.Split(rhs, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return inputSpec{}, fmt.Errorf("invalid --input %q: bad value %q", raw, part)
			}
			spec.values = append(spec.values, v)
		}
	}
	return spec, nil
}
