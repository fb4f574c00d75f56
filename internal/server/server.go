// Package server exposes a graph over HTTP. Requests execute on a Runner,
// normally an adapter.Pool, and GET /metrics serves the Prometheus registry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/example/go-graphrun/internal/adapter"
	"github.com/example/go-graphrun/internal/config"
	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/onnx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner executes the served graph. Implementations must be safe for
// concurrent use.
type Runner interface {
	Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
	RunSequence(ctx context.Context, inputs map[string][]*onnx.Tensor) (map[string][]*onnx.Tensor, error)
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxBodyBytes   int64
	requestTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxBodyBytes:   1 << 20,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxBodyBytes sets the maximum accepted body size for POST /run.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// WithRequestTimeout sets the per-request execution deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	runner Runner
	graph  *graph.Graph
	opts   options
	log    *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /graph, /metrics
// and POST /run for g.
func NewHandler(runner Runner, g *graph.Graph, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		runner: runner,
		graph:  g,
		opts:   opts,
		log:    opts.logger.With("graph", g.Name),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/graph", h.handleGraph)
	mux.HandleFunc("/run", h.handleRun)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
		"graph":   h.graph.Name,
	})
}

type valueJSON struct {
	Name  string      `json:"name"`
	DType graph.DType `json:"dtype,omitempty"`
	// Shape holds integers for static dims and strings for symbolic ones.
	Shape []any `json:"shape,omitempty"`
}

type graphJSON struct {
	Name    string      `json:"name"`
	Inputs  []valueJSON `json:"inputs"`
	Outputs []valueJSON `json:"outputs"`
}

func describeValues(vals []graph.ValueInfo) []valueJSON {
	out := make([]valueJSON, len(vals))
	for i, v := range vals {
		out[i] = valueJSON{Name: v.Name, DType: v.DType}
		if !v.HasShape() {
			continue
		}
		out[i].Shape = make([]any, len(v.Shape))
		for j, d := range v.Shape {
			if d.Symbolic() {
				out[i].Shape[j] = d.Param
			} else {
				out[i].Shape[j] = d.Value
			}
		}
	}
	return out
}

func (h *handler) handleGraph(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, graphJSON{
		Name:    h.graph.Name,
		Inputs:  describeValues(h.graph.Inputs),
		Outputs: describeValues(h.graph.Outputs),
	})
}

// tensorRequest is one input tensor. A missing shape is fitted to the
// input's declared shape.
type tensorRequest struct {
	Shape []int64   `json:"shape"`
	Data  []float64 `json:"data"`
}

// runRequest carries either single tensors or tensor sequences, not both.
type runRequest struct {
	Inputs    map[string]tensorRequest   `json:"inputs"`
	Sequences map[string][]tensorRequest `json:"sequences"`
}

func (h *handler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	var req runRequest
	body := http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds maximum size of %d bytes", h.opts.maxBodyBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if len(req.Inputs) > 0 && len(req.Sequences) > 0 {
		writeError(w, http.StatusBadRequest, "send either inputs or sequences, not both")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	var (
		outputs any
		err     error
	)
	if len(req.Sequences) > 0 {
		var seqs map[string][]*onnx.Tensor
		if seqs, err = h.sequenceTensors(req.Sequences); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		outputs, err = h.runner.RunSequence(ctx, seqs)
	} else {
		var inputs map[string]*onnx.Tensor
		if inputs, err = h.inputTensors(req.Inputs); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		outputs, err = h.runner.Run(ctx, inputs)
	}
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			h.log.WarnContext(r.Context(), "run timed out",
				slog.Int64("duration_ms", durationMS),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusGatewayTimeout, "run timed out")
		case errors.Is(err, adapter.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, adapter.ErrInference):
			h.log.WarnContext(r.Context(), "run failed",
				slog.Int64("duration_ms", durationMS),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.log.ErrorContext(r.Context(), "run failed",
				slog.Int64("duration_ms", durationMS),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.log.InfoContext(r.Context(), "run complete",
		slog.Bool("sequence", len(req.Sequences) > 0),
		slog.Int64("duration_ms", durationMS),
	)

	writeJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

func (h *handler) inputTensors(in map[string]tensorRequest) (map[string]*onnx.Tensor, error) {
	out := make(map[string]*onnx.Tensor, len(in))
	for name, req := range in {
		t, err := h.tensor(name, req)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

func (h *handler) sequenceTensors(in map[string][]tensorRequest) (map[string][]*onnx.Tensor, error) {
	out := make(map[string][]*onnx.Tensor, len(in))
	for name, reqs := range in {
		seq := make([]*onnx.Tensor, len(reqs))
		for i, req := range reqs {
			t, err := h.tensor(name, req)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			seq[i] = t
		}
		out[name] = seq
	}
	return out, nil
}

func (h *handler) tensor(name string, req tensorRequest) (*onnx.Tensor, error) {
	decl, ok := h.graph.Input(name)
	if !ok {
		return nil, fmt.Errorf("input %q is not declared by graph %q", name, h.graph.Name)
	}

	shape := req.Shape
	if shape == nil {
		var err error
		if shape, err = decl.FitShape(len(req.Data)); err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
	}

	t, err := onnx.NewTensorFromFloat64(decl.DType, req.Data, shape)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", name, err)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server wires an HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.ServerConfig
	handler         http.Handler
	shutdownTimeout time.Duration
}

func New(cfg config.ServerConfig, h http.Handler) *Server {
	shutdown := time.Duration(cfg.ShutdownTimeout) * time.Second
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}
	return &Server{
		cfg:             cfg,
		handler:         h,
		shutdownTimeout: shutdown,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks the /health endpoint of a running server.
func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
