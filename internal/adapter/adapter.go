// Package adapter runs an in-memory computation graph on an external
// inference engine. An Adapter exports its graph to a uniquely named model
// artifact, loads that artifact into an engine session, and relays named
// tensors in and out of the session until it is closed.
package adapter

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/example/go-graphrun/internal/config"
	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/onnx"
	"github.com/oklog/ulid/v2"
)

// OutputPolicy selects how requested outputs that the graph does not declare
// are handled at construction.
type OutputPolicy int

const (
	// OutputReconcile declares every requested output on the exported copy of
	// the graph, which exposes intermediate tensors.
	OutputReconcile OutputPolicy = iota
	// OutputStrict fails construction when a requested output is undeclared.
	OutputStrict
)

func (p OutputPolicy) String() string {
	if p == OutputStrict {
		return config.OutputPolicyStrict
	}
	return config.OutputPolicyReconcile
}

func ParseOutputPolicy(raw string) (OutputPolicy, error) {
	policy, err := config.NormalizeOutputPolicy(raw)
	if err != nil {
		return OutputReconcile, err
	}
	if policy == config.OutputPolicyStrict {
		return OutputStrict, nil
	}
	return OutputReconcile, nil
}

// Options configures construction. Zero values select the defaults.
type Options struct {
	// InputNames defaults to the graph inputs not backed by initializers.
	InputNames []string
	// OutputNames defaults to the declared graph outputs.
	OutputNames []string

	OpsetVersion int64 // default 13
	IRVersion    int64 // default 7
	OutputPolicy OutputPolicy

	// TempDir holds the model artifact; defaults to os.TempDir().
	TempDir string
	Logger  *slog.Logger
}

// Adapter is a graph bound to a live engine session. It is not safe for
// concurrent use; distinct adapters are independent.
type Adapter struct {
	graph       *graph.Graph
	exported    *graph.Graph
	inputNames  []string
	outputNames []string
	inputDecls  map[string]graph.ValueInfo
	graphInputs map[string]struct{}

	path    string
	session onnx.Session
	logger  *slog.Logger
	closed  bool
}

// New exports g, loads it into engine and returns a ready adapter. g is
// never modified. On failure nothing is left behind: no artifact on disk and
// no open session.
func New(g *graph.Graph, engine onnx.Engine, opts Options) (*Adapter, error) {
	a, err := newAdapter(g, engine, opts)
	switch {
	case err == nil:
		constructionsTotal.WithLabelValues(statusOK).Inc()
		activeAdapters.Inc()
	case errors.Is(err, ErrEngineInit):
		constructionsTotal.WithLabelValues(statusEngineError).Inc()
	default:
		constructionsTotal.WithLabelValues(statusSerializationError).Inc()
	}
	return a, err
}

// Export returns the model New would write for g under opts, along with the
// outputs reconciliation declared on it. Nothing is written to disk and g is
// not modified.
func Export(g *graph.Graph, opts Options) (*onnx.Model, []string, error) {
	if g == nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSerialization, graph.ErrEmptyGraph)
	}
	inputNames, outputNames := resolveNames(g, opts)
	if err := checkNames(g, inputNames, outputNames); err != nil {
		return nil, nil, err
	}
	exported, added, err := reconcile(g, outputNames, opts.OutputPolicy)
	if err != nil {
		return nil, nil, err
	}
	return onnx.NewModel(exported, opts.OpsetVersion, opts.IRVersion), added, nil
}

func resolveNames(g *graph.Graph, opts Options) (inputNames, outputNames []string) {
	inputNames = opts.InputNames
	if inputNames == nil {
		inputNames = g.RuntimeInputs()
	}
	outputNames = opts.OutputNames
	if outputNames == nil {
		outputNames = g.OutputNames()
	}
	return inputNames, outputNames
}

func reconcile(g *graph.Graph, outputNames []string, policy OutputPolicy) (*graph.Graph, []string, error) {
	switch policy {
	case OutputReconcile:
		for _, name := range outputNames {
			if !g.Produces(name) {
				return nil, nil, serializationErr("requested output %q is never produced by graph %q", name, g.Name)
			}
		}
		exported, added := g.WithOutputs(outputNames)
		return exported, added, nil
	case OutputStrict:
		for _, name := range outputNames {
			if _, ok := g.Output(name); !ok {
				return nil, nil, serializationErr("requested output %q is not declared by graph %q", name, g.Name)
			}
		}
		return g.Clone(), nil, nil
	default:
		return nil, nil, serializationErr("unknown output policy %d", policy)
	}
}

func newAdapter(g *graph.Graph, engine onnx.Engine, opts Options) (*Adapter, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, graph.ErrEmptyGraph)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: no engine", ErrEngineInit)
	}

	model, added, err := Export(g, opts)
	if err != nil {
		return nil, err
	}
	inputNames, outputNames := resolveNames(g, opts)
	if err := checkBindable(model.Graph, inputNames, outputNames); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact id: %w", ErrSerialization, err)
	}
	path := filepath.Join(dir, "graph-"+id.String()+".onnx")
	logger = logger.With("graph", g.Name, "artifact", path)

	data, err := onnx.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if err := writeArtifact(path, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	artifactBytes.Observe(float64(len(data)))

	if len(added) > 0 {
		logger.Info("declared requested outputs on exported graph", "outputs", added)
	}

	session, err := engine.Load(path)
	if err != nil {
		_ = removeArtifact(path, logger)
		return nil, fmt.Errorf("%w: %w", ErrEngineInit, err)
	}

	a := &Adapter{
		graph:       g,
		exported:    model.Graph,
		inputNames:  slices.Clone(inputNames),
		outputNames: slices.Clone(outputNames),
		inputDecls:  make(map[string]graph.ValueInfo, len(g.Inputs)),
		graphInputs: make(map[string]struct{}, len(g.Inputs)),
		path:        path,
		session:     session,
		logger:      logger,
	}
	for _, in := range g.Inputs {
		a.inputDecls[in.Name] = in
		a.graphInputs[in.Name] = struct{}{}
	}

	logger.Debug(
		"adapter ready",
		"inputs", a.inputNames,
		"outputs", a.outputNames,
		"bytes", len(data),
	)

	return a, nil
}

func checkNames(g *graph.Graph, inputNames, outputNames []string) error {
	seen := make(map[string]struct{}, len(inputNames))
	for _, name := range inputNames {
		if _, ok := g.Input(name); !ok {
			return serializationErr("input %q is not declared by graph %q", name, g.Name)
		}
		if _, dup := seen[name]; dup {
			return serializationErr("input %q requested twice", name)
		}
		seen[name] = struct{}{}
	}

	if len(outputNames) == 0 {
		return serializationErr("graph %q has no outputs to return", g.Name)
	}
	seen = make(map[string]struct{}, len(outputNames))
	for _, name := range outputNames {
		if name == "" {
			return serializationErr("empty output name")
		}
		if _, dup := seen[name]; dup {
			return serializationErr("output %q requested twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// checkBindable rejects graphs whose configured inputs or outputs have a
// dtype no host tensor can carry, so they fail here rather than on every run.
func checkBindable(g *graph.Graph, inputNames, outputNames []string) error {
	for _, name := range inputNames {
		if v := g.Describe(name); !onnx.Bindable(v.DType) {
			return serializationErr("input %q has dtype %s, which cannot be bound to a tensor", name, v.DType)
		}
	}
	for _, name := range outputNames {
		if v := g.Describe(name); !onnx.Bindable(v.DType) {
			return serializationErr("output %q has dtype %s, which cannot be returned as a tensor", name, v.DType)
		}
	}
	return nil
}

// writeArtifact creates path exclusively so two adapters can never share an
// artifact, even if identifiers were to collide.
func writeArtifact(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close artifact: %w", err)
	}
	return nil
}

func removeArtifact(path string, logger *slog.Logger) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove model artifact", "error", err)
		return fmt.Errorf("remove artifact %s: %w", path, err)
	}
	return nil
}

// Graph returns the snapshot the adapter was built from, unmodified.
func (a *Adapter) Graph() *graph.Graph {
	return a.graph
}

// ExportedGraph returns the graph as written to the artifact, including any
// outputs declared by reconciliation. Callers must not modify it.
func (a *Adapter) ExportedGraph() *graph.Graph {
	return a.exported
}

func (a *Adapter) InputNames() []string  { return slices.Clone(a.inputNames) }
func (a *Adapter) OutputNames() []string { return slices.Clone(a.outputNames) }

// ArtifactPath is the model file the engine session was loaded from. It is
// removed by Close.
func (a *Adapter) ArtifactPath() string { return a.path }

// Run executes the graph once. The result holds exactly the configured
// output names.
func (a *Adapter) Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	start := time.Now()
	out, err := a.run(ctx, inputs)
	observeRun(kindSingle, start, err)
	return out, err
}

func (a *Adapter) run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	if a.closed {
		return nil, ErrClosed
	}
	feed, err := a.bindInputs(inputs, -1)
	if err != nil {
		return nil, err
	}

	raw, err := a.session.Run(ctx, feed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	return a.selectOutputs(raw, -1)
}

// RunSequence executes the graph over ordered tensor sequences. Sessions
// implementing onnx.SequenceSession receive the sequences directly;
// otherwise element i of every input sequence is run together and output
// sequences are assembled in order.
func (a *Adapter) RunSequence(ctx context.Context, inputs map[string][]*onnx.Tensor) (map[string][]*onnx.Tensor, error) {
	start := time.Now()
	out, err := a.runSequence(ctx, inputs)
	observeRun(kindSequence, start, err)
	return out, err
}

func (a *Adapter) runSequence(ctx context.Context, inputs map[string][]*onnx.Tensor) (map[string][]*onnx.Tensor, error) {
	if a.closed {
		return nil, ErrClosed
	}

	steps := -1
	for _, name := range a.inputNames {
		seq, ok := inputs[name]
		if !ok {
			return nil, inferenceErr("missing input sequence %q", name)
		}
		if len(seq) == 0 {
			return nil, inferenceErr("input sequence %q is empty", name)
		}
		if steps >= 0 && len(seq) != steps {
			return nil, inferenceErr("input sequence %q has %d elements, expected %d", name, len(seq), steps)
		}
		steps = len(seq)
	}
	// Extra declared inputs are forwarded too, so they must line up as well.
	for name, seq := range inputs {
		if !a.isGraphInput(name) || slices.Contains(a.inputNames, name) {
			continue
		}
		if len(seq) == 0 {
			return nil, inferenceErr("input sequence %q is empty", name)
		}
		if steps >= 0 && len(seq) != steps {
			return nil, inferenceErr("input sequence %q has %d elements, expected %d", name, len(seq), steps)
		}
		steps = len(seq)
	}

	if seqSession, ok := a.session.(onnx.SequenceSession); ok {
		feed := make(map[string][]*onnx.Tensor, len(inputs))
		for name, seq := range inputs {
			if !a.isGraphInput(name) {
				continue
			}
			for i, t := range seq {
				if err := a.checkInput(name, t, i); err != nil {
					return nil, err
				}
			}
			feed[name] = seq
		}

		raw, err := seqSession.RunSequence(ctx, feed)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInference, err)
		}
		out := make(map[string][]*onnx.Tensor, len(a.outputNames))
		for _, name := range a.outputNames {
			seq, ok := raw[name]
			if !ok {
				return nil, inferenceErr("engine did not produce output sequence %q", name)
			}
			out[name] = seq
		}
		return out, nil
	}

	if steps < 0 {
		return nil, inferenceErr("graph %q takes no inputs to sequence over", a.graph.Name)
	}

	out := make(map[string][]*onnx.Tensor, len(a.outputNames))
	for _, name := range a.outputNames {
		out[name] = make([]*onnx.Tensor, 0, steps)
	}
	for i := 0; i < steps; i++ {
		step := make(map[string]*onnx.Tensor, len(inputs))
		for name, seq := range inputs {
			if a.isGraphInput(name) {
				step[name] = seq[i]
			}
		}
		feed, err := a.bindInputs(step, i)
		if err != nil {
			return nil, err
		}

		raw, err := a.session.Run(ctx, feed)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %w", ErrInference, i, err)
		}
		selected, err := a.selectOutputs(raw, i)
		if err != nil {
			return nil, err
		}
		for name, t := range selected {
			out[name] = append(out[name], t)
		}
	}
	return out, nil
}

// bindInputs checks every configured input and forwards any other declared
// graph input the caller supplied. Names the graph does not declare are
// dropped. elem is the sequence index for error messages, or -1.
func (a *Adapter) bindInputs(inputs map[string]*onnx.Tensor, elem int) (map[string]*onnx.Tensor, error) {
	feed := make(map[string]*onnx.Tensor, len(a.inputNames))
	for _, name := range a.inputNames {
		t, ok := inputs[name]
		if !ok {
			return nil, inferenceErr("%smissing input %q", elemPrefix(elem), name)
		}
		if err := a.checkInput(name, t, elem); err != nil {
			return nil, err
		}
		feed[name] = t
	}

	for name, t := range inputs {
		if _, done := feed[name]; done {
			continue
		}
		if !a.isGraphInput(name) {
			a.logger.Debug("ignoring unknown input", "input", name)
			continue
		}
		if err := a.checkInput(name, t, elem); err != nil {
			return nil, err
		}
		feed[name] = t
	}
	return feed, nil
}

func (a *Adapter) checkInput(name string, t *onnx.Tensor, elem int) error {
	if t == nil {
		return inferenceErr("%sinput %q is nil", elemPrefix(elem), name)
	}
	if err := t.Conforms(a.inputDecls[name]); err != nil {
		return inferenceErr("%sinput %q: %v", elemPrefix(elem), name, err)
	}
	return nil
}

func (a *Adapter) isGraphInput(name string) bool {
	_, ok := a.graphInputs[name]
	return ok
}

func (a *Adapter) selectOutputs(raw map[string]*onnx.Tensor, elem int) (map[string]*onnx.Tensor, error) {
	out := make(map[string]*onnx.Tensor, len(a.outputNames))
	for _, name := range a.outputNames {
		t, ok := raw[name]
		if !ok || t == nil {
			return nil, inferenceErr("%sengine did not produce output %q", elemPrefix(elem), name)
		}
		out[name] = t
	}
	return out, nil
}

func elemPrefix(elem int) string {
	if elem < 0 {
		return ""
	}
	return fmt.Sprintf("element %d: ", elem)
}

func observeRun(kind string, start time.Time, err error) {
	status := statusOK
	if err != nil {
		status = statusError
	}
	runsTotal.WithLabelValues(kind, status).Inc()
	runDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// Close releases the engine session and removes the artifact. It is safe to
// call more than once; later calls return nil.
func (a *Adapter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	activeAdapters.Dec()

	a.session.Close()
	a.session = nil

	err := removeArtifact(a.path, a.logger)
	a.logger.Debug("adapter closed")
	return err
}
