package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/go-graphrun/internal/adapter"
	"github.com/example/go-graphrun/internal/config"
	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		graphPath string
		outputs   []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a graph over HTTP from a pool of ONNX Runtime sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(graphPath) == "" {
				return errors.New("--graph is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serveGraph(ctx, cfg, graphPath, outputs)
		},
	}

	cmd.Flags().StringVar(&graphPath, "graph", "", "Graph definition (.hcl) or ONNX model (.onnx)")
	cmd.Flags().StringSliceVar(&outputs, "output", nil, "Output names to return (default: the graph's declared outputs)")

	return cmd
}

// serveGraph builds the adapter pool and blocks serving HTTP until ctx is
// cancelled. The pool is closed, removing every artifact, before returning.
func serveGraph(ctx context.Context, cfg config.Config, graphPath string, outputs []string) (err error) {
	g, err := loadGraph(graphPath)
	if err != nil {
		return err
	}

	aopts, err := adapterOptions(cfg, outputs)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	pool, err := adapter.NewPool(g, engine, aopts, cfg.Server.Workers)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := pool.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	slog.Info("serving graph",
		"graph", g.Name,
		"addr", cfg.Server.ListenAddr,
		"workers", pool.Size(),
		"outputs", pool.OutputNames(),
	)

	var hopts []server.Option
	if cfg.Server.MaxBodyBytes > 0 {
		hopts = append(hopts, server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))
	}
	if cfg.Server.RequestTimeout > 0 {
		hopts = append(hopts, server.WithRequestTimeout(time.Duration(cfg.Server.RequestTimeout)*time.Second))
	}
	h := server.NewHandler(pool, servedGraph(g, pool.OutputNames()), hopts...)

	if err := server.New(cfg.Server, h).Start(ctx); err != nil {
		return fmt.Errorf("serve %s: %w", graphPath, err)
	}
	return nil
}

// servedGraph describes what callers of the HTTP surface see: the graph's
// inputs and the configured outputs.
func servedGraph(g *graph.Graph, outputNames []string) *graph.Graph {
	served := g.Clone()
	served.Outputs = make([]graph.ValueInfo, len(outputNames))
	for i, name := range outputNames {
		served.Outputs[i] = g.Describe(name)
	}
	return served
}
