package graph

import (
	"errors"
	"reflect"
	"slices"
	"testing"
)

func affineGraph() *Graph {
	return &Graph{
		Name: "affine",
		Inputs: []ValueInfo{
			{Name: "x", DType: DTypeFloat32, Shape: []Dim{{Param: "batch"}, {Value: 3}}},
		},
		Initializers: []Initializer{
			{Name: "w", DType: DTypeFloat32, Dims: []int64{3}, Floats: []float32{1, 2, 3}},
		},
		ValueInfo: []ValueInfo{
			{Name: "h", DType: DTypeFloat32, Shape: []Dim{{Param: "batch"}, {Value: 3}}},
		},
		Nodes: []Node{
			{Name: "mul0", OpType: "Mul", Inputs: []string{"x", "w"}, Outputs: []string{"h"}},
			{Name: "relu0", OpType: "Relu", Inputs: []string{"h"}, Outputs: []string{"y"}},
		},
		Outputs: []ValueInfo{{Name: "y", DType: DTypeFloat32}},
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	if err := affineGraph().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateAcceptsInputOnlyGraph(t *testing.T) {
	g := &Graph{Inputs: []ValueInfo{{Name: "x", DType: DTypeFloat32, Shape: []Dim{{Value: 3}}}}}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMalformedGraphs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Graph)
	}{
		{"undefined input", func(g *Graph) { g.Nodes[0].Inputs = []string{"x", "missing"} }},
		{"out of order", func(g *Graph) { g.Nodes[0], g.Nodes[1] = g.Nodes[1], g.Nodes[0] }},
		{"empty op", func(g *Graph) { g.Nodes[1].OpType = "" }},
		{"no outputs", func(g *Graph) { g.Nodes[1].Outputs = nil }},
		{"redefined tensor", func(g *Graph) { g.Nodes[1].Outputs = []string{"x"} }},
		{"unproduced output", func(g *Graph) { g.Outputs = append(g.Outputs, ValueInfo{Name: "z"}) }},
		{"duplicate output", func(g *Graph) { g.Outputs = append(g.Outputs, ValueInfo{Name: "y"}) }},
		{"duplicate input", func(g *Graph) { g.Inputs = append(g.Inputs, g.Inputs[0]) }},
		{"short initializer", func(g *Graph) { g.Initializers[0].Floats = []float32{1} }},
		{"bad initializer dtype", func(g *Graph) { g.Initializers[0].DType = DTypeBool }},
		{"tensor attribute without tensor", func(g *Graph) {
			g.Nodes[1].Attributes = []Attribute{{Name: "value", Kind: AttrTensor}}
		}},
		{"short tensor attribute", func(g *Graph) {
			g.Nodes[1].Attributes = []Attribute{{Name: "value", Kind: AttrTensor, Tensor: &Initializer{DType: DTypeInt64, Dims: []int64{2}, Ints: []int64{1}}}}
		}},
		{"graph attribute without graph", func(g *Graph) {
			g.Nodes[1].Attributes = []Attribute{{Name: "body", Kind: AttrGraph}}
		}},
		{"attribute without kind", func(g *Graph) { g.Nodes[1].Attributes = []Attribute{{Name: "alpha"}} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := affineGraph()
			tc.mutate(g)
			if err := g.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateRejectsEmptyGraph(t *testing.T) {
	for _, g := range []*Graph{nil, {}, {Name: "only-name"}} {
		if err := g.Validate(); !errors.Is(err, ErrEmptyGraph) {
			t.Fatalf("Validate(%+v) = %v, want ErrEmptyGraph", g, err)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	g := affineGraph()
	c := g.Clone()

	c.Inputs[0].Shape[1].Value = 99
	c.Nodes[0].Inputs[0] = "other"
	c.Initializers[0].Floats[0] = 42
	c.Outputs[0].Name = "renamed"

	if g.Inputs[0].Shape[1].Value != 3 {
		t.Fatal("clone shares input shape")
	}
	if g.Nodes[0].Inputs[0] != "x" {
		t.Fatal("clone shares node inputs")
	}
	if g.Initializers[0].Floats[0] != 1 {
		t.Fatal("clone shares initializer data")
	}
	if g.Outputs[0].Name != "y" {
		t.Fatal("clone shares outputs")
	}
}

func TestCloneKeepsNilSlices(t *testing.T) {
	g := affineGraph()
	g.Nodes[1].Attributes = []Attribute{
		{Name: "alpha", Kind: AttrFloat, Float: 1},
		{Name: "value", Kind: AttrTensor, Tensor: &Initializer{DType: DTypeInt64, Dims: []int64{1}, Ints: []int64{7}}},
		{Name: "body", Kind: AttrGraph, Graph: &Graph{Name: "body"}},
	}

	c := g.Clone()
	if !reflect.DeepEqual(c, g) {
		t.Fatalf("clone differs:\n got %+v\nwant %+v", c, g)
	}
	if c.Nodes[0].Attributes != nil || c.Inputs[0].Shape == nil {
		t.Fatalf("clone changed nil-ness: attrs %v shape %v", c.Nodes[0].Attributes, c.Inputs[0].Shape)
	}

	c.Nodes[1].Attributes[1].Tensor.Ints[0] = 9
	c.Nodes[1].Attributes[2].Graph.Name = "changed"
	if g.Nodes[1].Attributes[1].Tensor.Ints[0] != 7 || g.Nodes[1].Attributes[2].Graph.Name != "body" {
		t.Fatal("clone shares attribute payloads")
	}
}

func TestProduces(t *testing.T) {
	g := affineGraph()
	for _, name := range []string{"x", "w", "h", "y"} {
		if !g.Produces(name) {
			t.Errorf("Produces(%q) = false", name)
		}
	}
	if g.Produces("ghost") {
		t.Error(`Produces("ghost") = true`)
	}
}

func TestParseAttrKind(t *testing.T) {
	for _, k := range []AttrKind{AttrFloat, AttrInt, AttrString, AttrFloats, AttrInts, AttrStrings, AttrTensor} {
		got, err := ParseAttrKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseAttrKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	for _, raw := range []string{"graph", "undefined", "double"} {
		if _, err := ParseAttrKind(raw); err == nil {
			t.Errorf("ParseAttrKind(%q) succeeded", raw)
		}
	}
}

func TestWithOutputsAddsUndeclaredNamesWithTypeInfo(t *testing.T) {
	g := affineGraph()

	reconciled, added := g.WithOutputs([]string{"y", "h", "x", "w"})

	if !slices.Equal(added, []string{"h", "x", "w"}) {
		t.Fatalf("added = %v", added)
	}
	if got := reconciled.OutputNames(); !slices.Equal(got, []string{"y", "h", "x", "w"}) {
		t.Fatalf("outputs = %v", got)
	}

	h, _ := reconciled.Output("h")
	if h.DType != DTypeFloat32 || len(h.Shape) != 2 || h.Shape[0].Param != "batch" {
		t.Fatalf("h lost value_info type: %+v", h)
	}
	w, _ := reconciled.Output("w")
	if w.DType != DTypeFloat32 || len(w.Shape) != 1 || w.Shape[0].Value != 3 {
		t.Fatalf("w lost initializer type: %+v", w)
	}

	if got := g.OutputNames(); !slices.Equal(got, []string{"y"}) {
		t.Fatalf("original graph modified: %v", got)
	}
	if err := reconciled.Validate(); err != nil {
		t.Fatalf("reconciled graph invalid: %v", err)
	}
}

func TestWithOutputsUnknownNameHasNoType(t *testing.T) {
	reconciled, added := affineGraph().WithOutputs([]string{"ghost"})
	if !slices.Equal(added, []string{"ghost"}) {
		t.Fatalf("added = %v", added)
	}
	ghost, ok := reconciled.Output("ghost")
	if !ok || ghost.DType != DTypeUndefined || ghost.HasShape() {
		t.Fatalf("unexpected ghost output: %+v", ghost)
	}
	if reconciled.Validate() == nil {
		t.Fatal("expected unproduced output to fail validation")
	}
}

func TestRuntimeInputsSkipsInitializers(t *testing.T) {
	g := affineGraph()
	g.Inputs = append(g.Inputs, ValueInfo{Name: "w", DType: DTypeFloat32})

	if got := g.RuntimeInputs(); !slices.Equal(got, []string{"x"}) {
		t.Fatalf("RuntimeInputs = %v", got)
	}
}

func TestParseDType(t *testing.T) {
	tests := map[string]DType{
		"float":          DTypeFloat32,
		"tensor(float)":  DTypeFloat32,
		"DOUBLE":         DTypeFloat64,
		"long":           DTypeInt64,
		" int32 ":        DTypeInt32,
		"tensor(bool)":   DTypeBool,
		"":               DTypeUndefined,
		"tensor(string)": DTypeString,
	}
	for raw, want := range tests {
		got, err := ParseDType(raw)
		if err != nil {
			t.Fatalf("ParseDType(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseDType(%q) = %q, want %q", raw, got, want)
		}
	}
	if _, err := ParseDType("complex128"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
}
func TestValueInfoFitShape(t *testing.T) {
	batch := Dim{Param: "batch"}
	tests := []struct {
		name    string
		decl    ValueInfo
		n       int
		want    []int64
		wantErr bool
	}{
		{name: "undeclared", decl: ValueInfo{}, n: 4, want: []int64{4}},
		{name: "static", decl: ValueInfo{Shape: []Dim{{Value: 2}, {Value: 2}}}, n: 4, want: []int64{2, 2}},
		{name: "static mismatch", decl: ValueInfo{Shape: []Dim{{Value: 3}}}, n: 4, wantErr: true},
		{name: "scalar", decl: ValueInfo{Shape: []Dim{}}, n: 1, want: []int64{}},
		{name: "batch", decl: ValueInfo{Shape: []Dim{batch, {Value: 3}}}, n: 6, want: []int64{2, 3}},
		{name: "two symbolic", decl: ValueInfo{Shape: []Dim{batch, {Param: "seq"}, {Value: 2}}}, n: 6, want: []int64{3, 1, 2}},
		{name: "indivisible", decl: ValueInfo{Shape: []Dim{batch, {Value: 3}}}, n: 4, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.decl.FitShape(tc.n)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("FitShape = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("FitShape: %v", err)
			}
			if !slices.Equal(got, tc.want) {
				t.Fatalf("FitShape = %v, want %v", got, tc.want)
			}
		})
	}
}
