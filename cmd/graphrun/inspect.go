package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/onnx"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <model.onnx|graph.hcl>",
		Short: "Print the inputs, outputs and versions of a model or graph file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if strings.ToLower(filepath.Ext(path)) != ".onnx" {
				g, err := loadGraph(path)
				if err != nil {
					return err
				}
				writeGraphSummary(cmd.OutOrStdout(), g)
				return nil
			}

			m, err := onnx.ReadModel(path)
			if err != nil {
				return err
			}
			if m.Graph == nil {
				return errors.New("model has no graph")
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "ir_version: %d\n", m.IRVersion)
			for _, imp := range m.OpsetImports {
				domain := imp.Domain
				if domain == "" {
					domain = "ai.onnx"
				}
				_, _ = fmt.Fprintf(w, "opset: %s %d\n", domain, imp.Version)
			}
			if m.ProducerName != "" {
				_, _ = fmt.Fprintf(w, "producer: %s %s\n", m.ProducerName, m.ProducerVersion)
			}
			writeGraphSummary(w, m.Graph)

			return nil
		},
	}

	return cmd
}

func writeGraphSummary(w io.Writer, g *graph.Graph) {
	_, _ = fmt.Fprintf(w, "graph: %s\n", g.Name)
	_, _ = fmt.Fprintln(w, "inputs:")
	for _, v := range g.Inputs {
		_, _ = fmt.Fprintf(w, "  %s\n", formatValue(v))
	}
	_, _ = fmt.Fprintln(w, "outputs:")
	for _, v := range g.Outputs {
		_, _ = fmt.Fprintf(w, "  %s\n", formatValue(v))
	}
	_, _ = fmt.Fprintf(w, "nodes: %d\n", len(g.Nodes))
	_, _ = fmt.Fprintf(w, "initializers: %d\n", len(g.Initializers))
}

func formatValue(v graph.ValueInfo) string {
	dtype := string(v.DType)
	if dtype == "" {
		dtype = "?"
	}
	shape := "?"
	if v.HasShape() {
		dims := make([]string, len(v.Shape))
		for i, d := range v.Shape {
			dims[i] = d.String()
		}
		shape = "[" + strings.Join(dims, ",") + "]"
	}
	return fmt.Sprintf("%s %s %s", v.Name, dtype, shape)
}
