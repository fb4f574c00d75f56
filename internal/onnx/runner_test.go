package onnx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/testutil"
)

func writeIdentityModel(t *testing.T) string {
	t.Helper()
	return writeTypedIdentityModel(t, graph.DTypeFloat32)
}

func writeTypedIdentityModel(t *testing.T, dtype graph.DType) string {
	t.Helper()

	g := &graph.Graph{
		Name: "identity",
		Inputs: []graph.ValueInfo{
			{Name: "input", DType: dtype, Shape: []graph.Dim{{Value: 1}, {Value: 3}}},
		},
		Nodes: []graph.Node{
			{Name: "id0", OpType: "Identity", Inputs: []string{"input"}, Outputs: []string{"output"}},
		},
		Outputs: []graph.ValueInfo{
			{Name: "output", DType: dtype, Shape: []graph.Dim{{Value: 1}, {Value: 3}}},
		},
	}

	path := filepath.Join(t.TempDir(), "identity-"+string(dtype)+".onnx")
	if _, err := WriteModel(path, NewModel(g, 13, 7), 0o600); err != nil {
		t.Fatalf("write identity model: %v", err)
	}
	return path
}

func TestRunnerRoundTrip(t *testing.T) {
	libPath := testutil.RequireONNXRuntime(t)
	model := writeIdentityModel(t)

	session, err := NewORTEngineWithConfig(RunnerConfig{LibraryPath: libPath, APIVersion: 23}).Load(model)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer session.Close()

	input, err := NewTensor([]float32{1.0, 2.0, 3.0}, []int64{1, 3})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	outputs, err := session.Run(context.Background(), map[string]*Tensor{"input": input})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, ok := outputs["output"]
	if !ok {
		t.Fatal("missing 'output' key in results")
	}

	data, err := ExtractFloat32(out)
	if err != nil {
		t.Fatalf("ExtractFloat32: %v", err)
	}

	if len(data) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(data))
	}

	for i, want := range []float32{1.0, 2.0, 3.0} {
		if data[i] != want {
			t.Errorf("data[%d] = %f, want %f", i, data[i], want)
		}
	}
}

func TestRunnerRoundTripWideDTypes(t *testing.T) {
	libPath := testutil.RequireONNXRuntime(t)
	engine := NewORTEngineWithConfig(RunnerConfig{LibraryPath: libPath, APIVersion: 23})

	int32s, _ := NewTensor([]int32{101, 7, -3}, []int64{1, 3})
	float64s, _ := NewTensor([]float64{0.1, 0.2, 0.3}, []int64{1, 3})
	bools, _ := NewTensor([]bool{true, false, true}, []int64{1, 3})

	for _, input := range []*Tensor{int32s, float64s, bools} {
		t.Run(string(input.DType()), func(t *testing.T) {
			session, err := engine.Load(writeTypedIdentityModel(t, input.DType()))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			defer session.Close()

			outputs, err := session.Run(context.Background(), map[string]*Tensor{"input": input})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !outputs["output"].Equal(input) {
				t.Fatalf("output = %v, want %v", outputs["output"], input)
			}
		})
	}
}

func TestRunnerCloseIsIdempotent(t *testing.T) {
	libPath := testutil.RequireONNXRuntime(t)

	runner, err := NewRunner("identity", writeIdentityModel(t), RunnerConfig{LibraryPath: libPath, APIVersion: 23})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	runner.Close()
	runner.Close() // second close should not panic

	if _, err := runner.Run(context.Background(), nil); err == nil {
		t.Fatal("expected error running a closed runner")
	}
}

func TestORTEngineLoadFailsForBadLibrary(t *testing.T) {
	engine := NewORTEngineWithConfig(RunnerConfig{LibraryPath: "/nonexistent/libonnxruntime.so"})
	if _, err := engine.Load(writeIdentityModel(t)); err == nil {
		t.Fatal("expected load error")
	}
}
