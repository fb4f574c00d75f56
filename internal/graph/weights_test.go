package graph

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/example/go-graphrun/internal/safetensors"
)

func writeWeightsGraph(t *testing.T, src string) string {
	t.Helper()

	dir := t.TempDir()
	err := safetensors.WriteFile(filepath.Join(dir, "affine.safetensors"), []safetensors.Tensor{
		{Name: "w", Shape: []int64{3}, Floats: []float32{1, -2, 3}},
		{Name: "bias", Shape: []int64{1, 3}, Floats: []float32{0.5, 0.5, 0.5}},
		{Name: "axes", Shape: []int64{1}, Ints: []int64{0}},
	})
	if err != nil {
		t.Fatalf("write weights: %v", err)
	}

	path := filepath.Join(dir, "affine.hcl")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write graph file: %v", err)
	}
	return path
}

func TestLoadHCLWithWeights(t *testing.T) {
	path := writeWeightsGraph(t, `
input "x" {
  dtype = "float32"
  shape = [1, 3]
}

initializer "w" {
  weights = "affine.safetensors"
}

initializer "b" {
  weights = "affine.safetensors"
  tensor  = "bias"
  dtype   = "float32"
  dims    = [1, 3]
}

initializer "axes" {
  weights = "affine.safetensors"
}

node "mul0" {
  op      = "Mul"
  inputs  = ["x", "w"]
  outputs = ["h"]
}

node "add0" {
  op      = "Add"
  inputs  = ["h", "b"]
  outputs = ["y"]
}

output "y" {}
`)

	g, err := LoadHCL(path)
	if err != nil {
		t.Fatalf("LoadHCL: %v", err)
	}
	if len(g.Initializers) != 3 {
		t.Fatalf("initializers = %+v", g.Initializers)
	}

	w := g.Initializers[0]
	if w.Name != "w" || w.DType != DTypeFloat32 || !slices.Equal(w.Dims, []int64{3}) || !slices.Equal(w.Floats, []float32{1, -2, 3}) {
		t.Fatalf("w = %+v", w)
	}
	b := g.Initializers[1]
	if b.Name != "b" || !slices.Equal(b.Dims, []int64{1, 3}) || !slices.Equal(b.Floats, []float32{0.5, 0.5, 0.5}) {
		t.Fatalf("b = %+v", b)
	}
	axes := g.Initializers[2]
	if axes.DType != DTypeInt64 || !slices.Equal(axes.Ints, []int64{0}) {
		t.Fatalf("axes = %+v", axes)
	}
}

func TestLoadHCLWithWeightsErrors(t *testing.T) {
	tests := []struct {
		name string
		init string
		want string
	}{
		{"missing file", `weights = "nope.safetensors"`, "nope.safetensors"},
		{"missing tensor", `weights = "affine.safetensors"
  tensor = "gamma"`, `"gamma" not found`},
		{"dtype mismatch", `weights = "affine.safetensors"
  dtype = "int64"`, "does not match float32"},
		{"dims mismatch", `weights = "affine.safetensors"
  dims = [1, 3]`, "do not match shape [3]"},
		{"data and weights", `weights = "affine.safetensors"
  data = [1, 2, 3]`, "mutually exclusive"},
		{"tensor without weights", `tensor = "bias"
  dtype = "float32"
  data = [1]`, "only valid together with weights"},
		{"inline without dtype", `data = [1, 2, 3]`, "dtype is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeWeightsGraph(t, "initializer \"w\" {\n  "+tc.init+"\n}\n")
			_, err := LoadHCL(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}
