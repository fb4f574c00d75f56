package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/onnx"
)

// fakeEngine loads artifacts the way a real engine would, by decoding the
// file, and interprets a handful of ops. Only Identity accepts tensors
// other than float32.
type fakeEngine struct {
	mu       sync.Mutex
	loadErr  error
	sequence bool
	sessions []*fakeSession
}

func (e *fakeEngine) Load(path string) (onnx.Session, error) {
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	m, err := onnx.ReadModel(path)
	if err != nil {
		return nil, err
	}

	s := &fakeSession{path: path, model: m}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()

	if e.sequence {
		return &fakeSequenceSession{fakeSession: s}, nil
	}
	return s, nil
}

func (e *fakeEngine) last() *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[len(e.sessions)-1]
}

type fakeSession struct {
	path    string
	model   *onnx.Model
	runErr  error
	drop    string
	calls   int
	seqCall int
	closed  bool
}

func (s *fakeSession) Run(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	s.calls++
	if s.closed {
		return nil, errors.New("session closed")
	}
	if s.runErr != nil {
		return nil, s.runErr
	}

	g := s.model.Graph
	env := make(map[string]*onnx.Tensor, len(inputs))
	for name, t := range inputs {
		env[name] = t
	}
	for _, init := range g.Initializers {
		if _, bound := env[init.Name]; bound {
			continue
		}
		t, err := onnx.NewTensor(init.Floats, init.Dims)
		if err != nil {
			return nil, err
		}
		env[init.Name] = t
	}

	for _, n := range g.Nodes {
		out, err := evalNode(n, env)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		env[n.Outputs[0]] = out
	}

	results := make(map[string]*onnx.Tensor, len(g.Outputs))
	for _, o := range g.Outputs {
		if o.Name == s.drop {
			continue
		}
		t, ok := env[o.Name]
		if !ok {
			return nil, fmt.Errorf("output %q not computed", o.Name)
		}
		results[o.Name] = t
	}
	return results, nil
}

func (s *fakeSession) Close() { s.closed = true }

type fakeSequenceSession struct {
	*fakeSession
}

func (s *fakeSequenceSession) RunSequence(ctx context.Context, inputs map[string][]*onnx.Tensor) (map[string][]*onnx.Tensor, error) {
	s.seqCall++
	out := make(map[string][]*onnx.Tensor)
	var steps int
	for _, seq := range inputs {
		steps = len(seq)
	}
	for i := 0; i < steps; i++ {
		step := make(map[string]*onnx.Tensor, len(inputs))
		for name, seq := range inputs {
			step[name] = seq[i]
		}
		res, err := s.fakeSession.Run(ctx, step)
		if err != nil {
			return nil, err
		}
		for name, t := range res {
			out[name] = append(out[name], t)
		}
	}
	return out, nil
}

func evalNode(n graph.Node, env map[string]*onnx.Tensor) (*onnx.Tensor, error) {
	if n.OpType == "Identity" {
		t, ok := env[n.Inputs[0]]
		if !ok {
			return nil, fmt.Errorf("input %q not computed", n.Inputs[0])
		}
		return t, nil
	}

	args := make([][]float32, len(n.Inputs))
	for i, name := range n.Inputs {
		t, ok := env[name]
		if !ok {
			return nil, fmt.Errorf("input %q not computed", name)
		}
		data, err := onnx.ExtractFloat32(t)
		if err != nil {
			return nil, err
		}
		args[i] = data
	}
	shape := env[n.Inputs[0]].Shape()

	var out []float32
	switch n.OpType {
	case "Relu":
		out = make([]float32, len(args[0]))
		for i, v := range args[0] {
			out[i] = max(v, 0)
		}
	case "Add", "Mul":
		a, b := args[0], args[1]
		out = make([]float32, len(a))
		for i := range a {
			rhs := b[i%len(b)]
			if n.OpType == "Add" {
				out[i] = a[i] + rhs
			} else {
				out[i] = a[i] * rhs
			}
		}
	default:
		return nil, fmt.Errorf("unsupported op %q", n.OpType)
	}
	return onnx.NewTensor(out, shape)
}
