package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/example/go-graphrun/internal/adapter"
	"github.com/example/go-graphrun/internal/config"
	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/onnx"
)

// loadGraph reads a graph definition (.hcl) or an ONNX model (.onnx) and
// returns its validated graph.
func loadGraph(path string) (*graph.Graph, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return graph.LoadHCL(path)
	case ".onnx":
		m, err := onnx.ReadModel(path)
		if err != nil {
			return nil, err
		}
		if err := m.Graph.Validate(); err != nil {
			return nil, fmt.Errorf("graph in %s: %w", path, err)
		}
		return m.Graph, nil
	default:
		return nil, fmt.Errorf("unsupported graph file %q (want .hcl or .onnx)", path)
	}
}

// adapterOptions maps the export config onto adapter options. An empty
// outputs list keeps the graph's declared outputs.
func adapterOptions(cfg config.Config, outputs []string) (adapter.Options, error) {
	policy, err := adapter.ParseOutputPolicy(cfg.Export.OutputPolicy)
	if err != nil {
		return adapter.Options{}, err
	}

	opts := adapter.Options{
		OpsetVersion: cfg.Export.OpsetVersion,
		IRVersion:    cfg.Export.IRVersion,
		OutputPolicy: policy,
		TempDir:      cfg.Export.TempDir,
	}
	if len(outputs) > 0 {
		opts.OutputNames = outputs
	}
	return opts, nil
}
