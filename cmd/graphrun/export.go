package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/go-graphrun/internal/adapter"
	"github.com/example/go-graphrun/internal/onnx"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	var graphPath string
	var outPath string
	var outputs []string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a graph as an ONNX model, declaring the requested outputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(graphPath) == "" {
				return errors.New("--graph is required")
			}

			if strings.TrimSpace(outPath) == "" {
				return errors.New("--out is required")
			}

			g, err := loadGraph(graphPath)
			if err != nil {
				return err
			}

			opts, err := adapterOptions(cfg, outputs)
			if err != nil {
				return err
			}

			model, added, err := adapter.Export(g, opts)
			if err != nil {
				return err
			}
			if len(added) > 0 {
				slog.Info("declared requested outputs on exported graph", "outputs", added)
			}

			n, err := onnx.WriteModel(outPath, model, 0o644)
			if err != nil {
				return fmt.Errorf("%w: %w", adapter.ErrSerialization, err)
			}

			_, _ = fmt.Fprintf(
				cmd.OutOrStdout(),
				"exported %s (%d bytes, opset %d, outputs %s)\n",
				outPath,
				n,
				model.OpsetVersion(),
				strings.Join(model.Graph.OutputNames(), ","),
			)

			return nil
		},
	}

	cmd.Flags().StringVar(&graphPath, "graph", "", "Graph definition (.hcl) or ONNX model (.onnx)")
	cmd.Flags().StringVar(&outPath, "out", "", "Output .onnx path")
	cmd.Flags().StringSliceVar(&outputs, "output", nil, "Output names to declare (default: the graph's declared outputs)")

	return cmd
}
