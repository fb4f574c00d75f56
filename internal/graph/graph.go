// Package graph holds the in-memory computation graph snapshot handed to the
// execution adapter. A Graph is treated as immutable once built: callers that
// need a modified copy use Clone or WithOutputs.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

type DType string

const (
	DTypeUndefined DType = ""
	DTypeFloat32   DType = "float32"
	DTypeFloat64   DType = "float64"
	DTypeInt32     DType = "int32"
	DTypeInt64     DType = "int64"
	DTypeBool      DType = "bool"
	DTypeString    DType = "string"
)

// ParseDType accepts canonical names plus the ONNX-style aliases used in
// model metadata ("float", "tensor(int64)", "double", "long").
func ParseDType(raw string) (DType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimPrefix(normalized, "tensor(")
	normalized = strings.TrimSuffix(normalized, ")")
	switch normalized {
	case "":
		return DTypeUndefined, nil
	case "float", "float32":
		return DTypeFloat32, nil
	case "double", "float64":
		return DTypeFloat64, nil
	case "int32", "int":
		return DTypeInt32, nil
	case "int64", "long":
		return DTypeInt64, nil
	case "bool", "boolean":
		return DTypeBool, nil
	case "string":
		return DTypeString, nil
	default:
		return DTypeUndefined, fmt.Errorf("unsupported dtype %q", raw)
	}
}

// Dim is one tensor dimension. Param is set for symbolic dimensions, in
// which case Value is ignored.
type Dim struct {
	Value int64
	Param string
}

func (d Dim) Symbolic() bool { return d.Param != "" }

func (d Dim) String() string {
	if d.Symbolic() {
		return d.Param
	}
	return fmt.Sprintf("%d", d.Value)
}

// ValueInfo declares a named tensor. DType and Shape may be left empty when
// the type is unknown.
type ValueInfo struct {
	Name  string
	DType DType
	Shape []Dim
}

// HasShape reports whether a shape is declared. A declared scalar has an
// empty, non-nil shape.
func (v ValueInfo) HasShape() bool { return v.Shape != nil }

// FitShape picks a concrete shape holding n elements. Static dims are kept,
// the first symbolic dim absorbs the remaining elements and any other
// symbolic dims become 1. Without a declared shape the result is 1-D.
func (v ValueInfo) FitShape(n int) ([]int64, error) {
	if !v.HasShape() {
		return []int64{int64(n)}, nil
	}

	static := int64(1)
	free := -1
	shape := make([]int64, len(v.Shape))
	for i, d := range v.Shape {
		if d.Symbolic() {
			if free < 0 {
				free = i
			}
			shape[i] = 1
			continue
		}
		shape[i] = d.Value
		static *= d.Value
	}

	if free < 0 {
		if static != int64(n) {
			return nil, fmt.Errorf("declared shape %v holds %d values, got %d", v.Shape, static, n)
		}
		return shape, nil
	}
	if static == 0 || int64(n)%static != 0 {
		return nil, fmt.Errorf("%d values do not fit declared shape %v", n, v.Shape)
	}
	shape[free] = int64(n) / static
	return shape, nil
}

func (v ValueInfo) clone() ValueInfo {
	v.Shape = slices.Clone(v.Shape)
	return v
}

type AttrKind int

const (
	AttrUndefined AttrKind = iota
	AttrFloat
	AttrInt
	AttrString
	AttrFloats
	AttrInts
	AttrStrings
	AttrTensor
	AttrGraph
)

func (k AttrKind) String() string {
	switch k {
	case AttrFloat:
		return "float"
	case AttrInt:
		return "int"
	case AttrString:
		return "string"
	case AttrFloats:
		return "floats"
	case AttrInts:
		return "ints"
	case AttrStrings:
		return "strings"
	case AttrTensor:
		return "tensor"
	case AttrGraph:
		return "graph"
	default:
		return "undefined"
	}
}

// ParseAttrKind maps a kind name as printed by AttrKind.String back to the
// kind. "graph" is not accepted: subgraphs only come from decoded models.
func ParseAttrKind(raw string) (AttrKind, error) {
	for k := AttrFloat; k <= AttrTensor; k++ {
		if k.String() == raw {
			return k, nil
		}
	}
	return AttrUndefined, fmt.Errorf("unsupported attribute type %q", raw)
}

// Attribute is a node attribute. Only the field matching Kind is meaningful.
// Tensor carries the value of a tensor attribute (Constant's "value"); its
// Name may be empty. Graph carries a subgraph body (If, Loop, Scan), which
// may consume names from the enclosing graph.
type Attribute struct {
	Name    string
	Kind    AttrKind
	Float   float32
	Int     int64
	String  string
	Floats  []float32
	Ints    []int64
	Strings []string
	Tensor  *Initializer
	Graph   *Graph
}

func (a Attribute) clone() Attribute {
	a.Floats = slices.Clone(a.Floats)
	a.Ints = slices.Clone(a.Ints)
	a.Strings = slices.Clone(a.Strings)
	if a.Tensor != nil {
		t := a.Tensor.clone()
		a.Tensor = &t
	}
	a.Graph = a.Graph.Clone()
	return a
}

type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
}

func (n Node) clone() Node {
	n.Inputs = slices.Clone(n.Inputs)
	n.Outputs = slices.Clone(n.Outputs)
	n.Attributes = cloneEach(n.Attributes, Attribute.clone)
	return n
}

// Initializer is a constant tensor baked into the graph. Exactly one of
// Floats or Ints carries the data, selected by DType.
type Initializer struct {
	Name   string
	DType  DType
	Dims   []int64
	Floats []float32
	Ints   []int64
}

func (i Initializer) clone() Initializer {
	i.Dims = slices.Clone(i.Dims)
	i.Floats = slices.Clone(i.Floats)
	i.Ints = slices.Clone(i.Ints)
	return i
}

func (i Initializer) elementCount() int64 {
	count := int64(1)
	for _, d := range i.Dims {
		count *= d
	}
	return count
}

// Graph is a computation graph snapshot: nodes in topological order, the
// declared graph inputs and outputs, optional intermediate value_info and
// constant initializers.
type Graph struct {
	Name         string
	Nodes        []Node
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	ValueInfo    []ValueInfo
	Initializers []Initializer
}

var ErrEmptyGraph = errors.New("graph is empty")

// Clone returns a deep copy that shares no slices with g. Nil slices stay
// nil, so a clone compares equal to its source.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	return &Graph{
		Name:         g.Name,
		Nodes:        cloneEach(g.Nodes, Node.clone),
		Inputs:       cloneEach(g.Inputs, ValueInfo.clone),
		Outputs:      cloneEach(g.Outputs, ValueInfo.clone),
		ValueInfo:    cloneEach(g.ValueInfo, ValueInfo.clone),
		Initializers: cloneEach(g.Initializers, Initializer.clone),
	}
}

func cloneEach[T any](in []T, clone func(T) T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	for i, v := range in {
		out[i] = clone(v)
	}
	return out
}

func (g *Graph) InputNames() []string  { return valueNames(g.Inputs) }
func (g *Graph) OutputNames() []string { return valueNames(g.Outputs) }

func valueNames(vals []ValueInfo) []string {
	names := make([]string, 0, len(vals))
	for _, v := range vals {
		names = append(names, v.Name)
	}
	return names
}

// Input returns the declared graph input with the given name.
func (g *Graph) Input(name string) (ValueInfo, bool) {
	return findValue(g.Inputs, name)
}

// Output returns the declared graph output with the given name.
func (g *Graph) Output(name string) (ValueInfo, bool) {
	return findValue(g.Outputs, name)
}

func findValue(vals []ValueInfo, name string) (ValueInfo, bool) {
	for _, v := range vals {
		if v.Name == name {
			return v.clone(), true
		}
	}
	return ValueInfo{}, false
}

// RuntimeInputs lists graph inputs that are not backed by an initializer,
// i.e. the inputs a caller must bind at run time.
func (g *Graph) RuntimeInputs() []string {
	constant := make(map[string]struct{}, len(g.Initializers))
	for _, init := range g.Initializers {
		constant[init.Name] = struct{}{}
	}
	names := make([]string, 0, len(g.Inputs))
	for _, in := range g.Inputs {
		if _, ok := constant[in.Name]; ok {
			continue
		}
		names = append(names, in.Name)
	}
	return names
}

// Describe looks up whatever type information the graph carries for a
// tensor name: declared inputs and outputs first, then value_info, then
// initializers. The returned ValueInfo always carries name.
func (g *Graph) Describe(name string) ValueInfo {
	for _, set := range [][]ValueInfo{g.Inputs, g.Outputs, g.ValueInfo} {
		if v, ok := findValue(set, name); ok {
			return v
		}
	}
	for _, init := range g.Initializers {
		if init.Name != name {
			continue
		}
		shape := make([]Dim, len(init.Dims))
		for i, d := range init.Dims {
			shape[i] = Dim{Value: d}
		}
		return ValueInfo{Name: name, DType: init.DType, Shape: shape}
	}
	return ValueInfo{Name: name}
}

// Produces reports whether name is defined anywhere in the graph: as an
// input, an initializer or a node output.
func (g *Graph) Produces(name string) bool {
	_, ok := g.definedNames()[name]
	return ok
}

func (g *Graph) definedNames() map[string]struct{} {
	defined := make(map[string]struct{}, len(g.Inputs)+len(g.Initializers)+len(g.Nodes))
	for _, in := range g.Inputs {
		defined[in.Name] = struct{}{}
	}
	for _, init := range g.Initializers {
		defined[init.Name] = struct{}{}
	}
	for _, n := range g.Nodes {
		for _, out := range n.Outputs {
			if out != "" {
				defined[out] = struct{}{}
			}
		}
	}
	return defined
}

// WithOutputs returns a copy of g whose declared outputs include every name
// in names. Names already declared are kept as-is; the rest are appended in
// the given order with whatever type information Describe finds. The second
// return value lists the appended names. g itself is never modified.
func (g *Graph) WithOutputs(names []string) (*Graph, []string) {
	out := g.Clone()
	declared := make(map[string]struct{}, len(out.Outputs))
	for _, o := range out.Outputs {
		declared[o.Name] = struct{}{}
	}

	var added []string
	for _, name := range names {
		if _, ok := declared[name]; ok {
			continue
		}
		out.Outputs = append(out.Outputs, g.Describe(name))
		declared[name] = struct{}{}
		added = append(added, name)
	}
	return out, added
}

// Validate checks structural well-formedness: non-empty, unique and defined
// names, topologically ordered nodes and consistent initializers.
func (g *Graph) Validate() error {
	if g == nil {
		return ErrEmptyGraph
	}
	if len(g.Nodes) == 0 && len(g.Inputs) == 0 && len(g.Initializers) == 0 {
		return ErrEmptyGraph
	}

	defined := make(map[string]struct{})
	for _, in := range g.Inputs {
		if in.Name == "" {
			return errors.New("graph input has empty name")
		}
		if _, dup := defined[in.Name]; dup {
			return fmt.Errorf("duplicate graph input %q", in.Name)
		}
		defined[in.Name] = struct{}{}
	}

	initNames := make(map[string]struct{}, len(g.Initializers))
	for _, init := range g.Initializers {
		if err := validateInitializer(init); err != nil {
			return err
		}
		if _, dup := initNames[init.Name]; dup {
			return fmt.Errorf("duplicate initializer %q", init.Name)
		}
		initNames[init.Name] = struct{}{}
		defined[init.Name] = struct{}{}
	}

	for i, n := range g.Nodes {
		if n.OpType == "" {
			return fmt.Errorf("node %d (%q) has empty op type", i, n.Name)
		}
		if len(n.Outputs) == 0 {
			return fmt.Errorf("node %d (%q) has no outputs", i, n.Name)
		}
		for _, a := range n.Attributes {
			if err := validateAttribute(a); err != nil {
				return fmt.Errorf("node %d (%q): %w", i, n.Name, err)
			}
		}
		for _, in := range n.Inputs {
			if in == "" {
				continue // omitted optional input
			}
			if _, ok := defined[in]; !ok {
				return fmt.Errorf("node %d (%q) consumes undefined tensor %q", i, n.Name, in)
			}
		}
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			if _, dup := defined[out]; dup {
				return fmt.Errorf("node %d (%q) redefines tensor %q", i, n.Name, out)
			}
			defined[out] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(g.Outputs))
	for _, out := range g.Outputs {
		if out.Name == "" {
			return errors.New("graph output has empty name")
		}
		if _, dup := seen[out.Name]; dup {
			return fmt.Errorf("duplicate graph output %q", out.Name)
		}
		seen[out.Name] = struct{}{}
		if _, ok := defined[out.Name]; !ok {
			return fmt.Errorf("graph output %q is never produced", out.Name)
		}
	}
	return nil
}

func validateAttribute(a Attribute) error {
	if a.Name == "" {
		return errors.New("attribute has empty name")
	}
	switch a.Kind {
	case AttrTensor:
		if a.Tensor == nil {
			return fmt.Errorf("tensor attribute %q has no tensor", a.Name)
		}
		if err := validateTensorData(*a.Tensor); err != nil {
			return fmt.Errorf("attribute %q: %w", a.Name, err)
		}
	case AttrGraph:
		if a.Graph == nil {
			return fmt.Errorf("graph attribute %q has no graph", a.Name)
		}
	case AttrUndefined:
		return fmt.Errorf("attribute %q has no kind", a.Name)
	}
	return nil
}

func validateInitializer(init Initializer) error {
	if init.Name == "" {
		return errors.New("initializer has empty name")
	}
	return validateTensorData(init)
}

func validateTensorData(init Initializer) error {
	for i, d := range init.Dims {
		if d < 0 {
			return fmt.Errorf("initializer %q dims[%d]=%d is negative", init.Name, i, d)
		}
	}
	want := init.elementCount()
	var got int
	switch init.DType {
	case DTypeFloat32:
		got = len(init.Floats)
	case DTypeInt64:
		got = len(init.Ints)
	default:
		return fmt.Errorf("initializer %q has unsupported dtype %q", init.Name, init.DType)
	}
	if int64(got) != want {
		return fmt.Errorf("initializer %q dims %v expect %d elements, got %d", init.Name, init.Dims, want, got)
	}
	return nil
}
