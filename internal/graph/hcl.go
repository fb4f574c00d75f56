package graph

import (
	"fmt"
	"math/big"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclGraphFile is the decoding target for a graph definition file:
//
//	name = "affine"
//
//	input "x" {
//	  dtype = "float32"
//	  shape = ["batch", 3]
//	}
//
//	initializer "w" {
//	  dtype = "float32"
//	  dims  = [3]
//	  data  = [0.5, 1, 2]
//	}
//
//	initializer "b" {
//	  weights = "affine.safetensors" # relative to the graph file
//	  tensor  = "bias"               # defaults to the initializer name
//	}
//
//	node "mul0" {
//	  op      = "Mul"
//	  inputs  = ["x", "w"]
//	  outputs = ["y"]
//	}
//
//	node "gemm0" {
//	  op         = "Gemm"
//	  inputs     = ["y", "w2", "b2"]
//	  outputs    = ["z"]
//	  attributes = { transB = 1 }
//
//	  attribute "alpha" {
//	    type  = "float" # 1 alone would be inferred as an int
//	    value = 1
//	  }
//	}
//
//	output "y" {
//	  dtype = "float32"
//	}
type hclGraphFile struct {
	Name         string            `hcl:"name,optional"`
	Inputs       []*hclValue       `hcl:"input,block"`
	Outputs      []*hclValue       `hcl:"output,block"`
	ValueInfo    []*hclValue       `hcl:"value_info,block"`
	Initializers []*hclInitializer `hcl:"initializer,block"`
	Nodes        []*hclNode        `hcl:"node,block"`
}

type hclValue struct {
	Name  string    `hcl:"name,label"`
	DType string    `hcl:"dtype,optional"`
	Shape cty.Value `hcl:"shape,optional"`
}

type hclInitializer struct {
	Name    string    `hcl:"name,label"`
	DType   string    `hcl:"dtype,optional"`
	Dims    []int64   `hcl:"dims,optional"`
	Data    cty.Value `hcl:"data,optional"`
	Weights string    `hcl:"weights,optional"`
	Tensor  string    `hcl:"tensor,optional"`
}

type hclNode struct {
	Name       string          `hcl:"name,label"`
	Op         string          `hcl:"op"`
	Domain     string          `hcl:"domain,optional"`
	Inputs     []string        `hcl:"inputs,optional"`
	Outputs    []string        `hcl:"outputs"`
	Attributes cty.Value       `hcl:"attributes,optional"`
	Typed      []*hclAttribute `hcl:"attribute,block"`
}

// hclAttribute declares one attribute with an explicit kind. dtype and dims
// apply only to type = "tensor", whose value is the flat data.
type hclAttribute struct {
	Name  string    `hcl:"name,label"`
	Type  string    `hcl:"type"`
	Value cty.Value `hcl:"value"`
	DType string    `hcl:"dtype,optional"`
	Dims  []int64   `hcl:"dims,optional"`
}

// LoadHCL reads a graph definition file and validates the result.
func LoadHCL(path string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse graph file %s: %w", path, diags)
	}
	return decodeHCL(file, path)
}

// ParseHCL decodes a graph definition from memory. filename is used only in
// diagnostics.
func ParseHCL(src []byte, filename string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse graph file %s: %w", filename, diags)
	}
	return decodeHCL(file, filename)
}

func decodeHCL(file *hcl.File, filename string) (*Graph, error) {
	var parsed hclGraphFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decode graph file %s: %w", filename, diags)
	}

	g := &Graph{Name: parsed.Name}
	var err error
	if g.Inputs, err = convertValues(parsed.Inputs, "input"); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if g.Outputs, err = convertValues(parsed.Outputs, "output"); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if g.ValueInfo, err = convertValues(parsed.ValueInfo, "value_info"); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	weights := newWeightFiles(filepath.Dir(filename))
	defer weights.close()

	for _, hi := range parsed.Initializers {
		var init Initializer
		if hi.Weights != "" {
			init, err = weights.initializer(hi)
		} else {
			init, err = convertInitializer(hi)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: initializer %q: %w", filename, hi.Name, err)
		}
		g.Initializers = append(g.Initializers, init)
	}

	for _, hn := range parsed.Nodes {
		attrs, err := convertNodeAttributes(hn)
		if err != nil {
			return nil, fmt.Errorf("%s: node %q: %w", filename, hn.Name, err)
		}
		g.Nodes = append(g.Nodes, Node{
			Name:       hn.Name,
			OpType:     hn.Op,
			Domain:     hn.Domain,
			Inputs:     hn.Inputs,
			Outputs:    hn.Outputs,
			Attributes: attrs,
		})
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return g, nil
}

func convertValues(in []*hclValue, kind string) ([]ValueInfo, error) {
	out := make([]ValueInfo, 0, len(in))
	for _, hv := range in {
		dtype, err := ParseDType(hv.DType)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", kind, hv.Name, err)
		}
		shape, err := convertShape(hv.Shape)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", kind, hv.Name, err)
		}
		out = append(out, ValueInfo{Name: hv.Name, DType: dtype, Shape: shape})
	}
	return out, nil
}

func convertShape(val cty.Value) ([]Dim, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsKnown() || !(val.Type().IsTupleType() || val.Type().IsListType()) {
		return nil, fmt.Errorf("shape must be a list, got %s", val.Type().FriendlyName())
	}
	shape := make([]Dim, 0, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		idx, elem := it.Element()
		i, _ := idx.AsBigFloat().Int64()
		switch elem.Type() {
		case cty.String:
			shape = append(shape, Dim{Param: elem.AsString()})
		case cty.Number:
			n, ok := wholeNumber(elem)
			if !ok || n < 0 {
				return nil, fmt.Errorf("shape[%d] must be a non-negative integer", i)
			}
			shape = append(shape, Dim{Value: n})
		default:
			return nil, fmt.Errorf("shape[%d] has unsupported type %s", i, elem.Type().FriendlyName())
		}
	}
	return shape, nil
}

func convertInitializer(hi *hclInitializer) (Initializer, error) {
	if hi.Tensor != "" {
		return Initializer{}, fmt.Errorf("tensor is only valid together with weights")
	}
	dtype, err := ParseDType(hi.DType)
	if err != nil {
		return Initializer{}, err
	}
	if dtype == DTypeUndefined {
		return Initializer{}, fmt.Errorf("dtype is required for inline data")
	}
	init := Initializer{Name: hi.Name, DType: dtype, Dims: hi.Dims}
	nums, err := numberList(hi.Data)
	if err != nil {
		return Initializer{}, fmt.Errorf("data: %w", err)
	}
	if init.Dims == nil {
		init.Dims = []int64{int64(len(nums))}
	}

	switch dtype {
	case DTypeFloat32:
		init.Floats = make([]float32, len(nums))
		for i, n := range nums {
			f, _ := n.Float32()
			init.Floats[i] = f
		}
	case DTypeInt64:
		init.Ints = make([]int64, len(nums))
		for i, n := range nums {
			if !n.IsInt() {
				return Initializer{}, fmt.Errorf("data[%d] is not an integer", i)
			}
			init.Ints[i], _ = n.Int64()
		}
	default:
		return Initializer{}, fmt.Errorf("unsupported initializer dtype %q", dtype)
	}
	return init, nil
}

func numberList(val cty.Value) ([]*big.Float, error) {
	if val.IsNull() || !val.IsKnown() {
		return nil, fmt.Errorf("value is required")
	}
	if val.Type() == cty.Number {
		return []*big.Float{val.AsBigFloat()}, nil
	}
	if !(val.Type().IsTupleType() || val.Type().IsListType()) {
		return nil, fmt.Errorf("expected a number list, got %s", val.Type().FriendlyName())
	}
	out := make([]*big.Float, 0, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.Type() != cty.Number || elem.IsNull() {
			return nil, fmt.Errorf("element %d is not a number", len(out))
		}
		out = append(out, elem.AsBigFloat())
	}
	return out, nil
}

func convertNodeAttributes(hn *hclNode) ([]Attribute, error) {
	attrs, err := convertAttributes(hn.Attributes)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(attrs)+len(hn.Typed))
	for _, a := range attrs {
		seen[a.Name] = struct{}{}
	}
	for _, ha := range hn.Typed {
		if _, dup := seen[ha.Name]; dup {
			return nil, fmt.Errorf("attribute %q declared twice", ha.Name)
		}
		seen[ha.Name] = struct{}{}

		a, err := convertTypedAttribute(ha)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", ha.Name, err)
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

func convertTypedAttribute(ha *hclAttribute) (Attribute, error) {
	kind, err := ParseAttrKind(ha.Type)
	if err != nil {
		return Attribute{}, err
	}
	if kind != AttrTensor && (ha.DType != "" || ha.Dims != nil) {
		return Attribute{}, fmt.Errorf("dtype and dims are only valid for tensor attributes")
	}
	val := ha.Value
	if val.IsNull() || !val.IsKnown() {
		return Attribute{}, fmt.Errorf("value is required")
	}

	attr := Attribute{Name: ha.Name, Kind: kind}
	switch kind {
	case AttrFloat:
		if val.Type() != cty.Number {
			return attr, fmt.Errorf("float value must be a number, got %s", val.Type().FriendlyName())
		}
		attr.Float, _ = val.AsBigFloat().Float32()
	case AttrInt:
		switch {
		case val.Type() == cty.Bool:
			if val.True() {
				attr.Int = 1
			}
		case val.Type() == cty.Number:
			n, ok := wholeNumber(val)
			if !ok {
				return attr, fmt.Errorf("int value must be a whole number")
			}
			attr.Int = n
		default:
			return attr, fmt.Errorf("int value must be a number, got %s", val.Type().FriendlyName())
		}
	case AttrString:
		if val.Type() != cty.String {
			return attr, fmt.Errorf("string value must be a string, got %s", val.Type().FriendlyName())
		}
		attr.String = val.AsString()
	case AttrFloats:
		nums, err := numberList(val)
		if err != nil {
			return attr, err
		}
		attr.Floats = make([]float32, len(nums))
		for i, n := range nums {
			attr.Floats[i], _ = n.Float32()
		}
	case AttrInts:
		nums, err := numberList(val)
		if err != nil {
			return attr, err
		}
		attr.Ints = make([]int64, len(nums))
		for i, n := range nums {
			v, acc := n.Int64()
			if !n.IsInt() || acc != big.Exact {
				return attr, fmt.Errorf("element %d is not an integer", i)
			}
			attr.Ints[i] = v
		}
	case AttrStrings:
		strs, err := stringList(val)
		if err != nil {
			return attr, err
		}
		attr.Strings = strs
	case AttrTensor:
		init, err := convertInitializer(&hclInitializer{DType: ha.DType, Dims: ha.Dims, Data: val})
		if err != nil {
			return attr, err
		}
		attr.Tensor = &init
	}
	return attr, nil
}

func stringList(val cty.Value) ([]string, error) {
	if !(val.Type().IsTupleType() || val.Type().IsListType()) {
		return nil, fmt.Errorf("expected a string list, got %s", val.Type().FriendlyName())
	}
	out := make([]string, 0, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.Type() != cty.String || elem.IsNull() {
			return nil, fmt.Errorf("element %d is not a string", len(out))
		}
		out = append(out, elem.AsString())
	}
	return out, nil
}

// convertAttributes maps an HCL object onto ONNX-style attributes. Whole
// numbers become ints, other numbers floats, bools become 0/1 ints. An
// attribute block overrides the inference, e.g. for a float alpha of 1.
func convertAttributes(val cty.Value) ([]Attribute, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsKnown() || !(val.Type().IsObjectType() || val.Type().IsMapType()) {
		return nil, fmt.Errorf("attributes must be an object, got %s", val.Type().FriendlyName())
	}

	var attrs []Attribute
	for it := val.ElementIterator(); it.Next(); {
		key, elem := it.Element()
		attr, err := convertAttribute(key.AsString(), elem)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func convertAttribute(name string, val cty.Value) (Attribute, error) {
	attr := Attribute{Name: name}
	if val.IsNull() || !val.IsKnown() {
		return attr, fmt.Errorf("attribute %q has no value", name)
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		attr.Kind = AttrString
		attr.String = val.AsString()
	case ty == cty.Bool:
		attr.Kind = AttrInt
		if val.True() {
			attr.Int = 1
		}
	case ty == cty.Number:
		if n, ok := wholeNumber(val); ok {
			attr.Kind = AttrInt
			attr.Int = n
		} else {
			attr.Kind = AttrFloat
			attr.Float, _ = val.AsBigFloat().Float32()
		}
	case ty.IsTupleType() || ty.IsListType():
		return convertListAttribute(name, val)
	default:
		return attr, fmt.Errorf("attribute %q has unsupported type %s", name, ty.FriendlyName())
	}
	return attr, nil
}

func convertListAttribute(name string, val cty.Value) (Attribute, error) {
	attr := Attribute{Name: name, Kind: AttrInts}
	var (
		strs    []string
		nums    []*big.Float
		allInts = true
	)
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		switch {
		case elem.IsNull():
			return attr, fmt.Errorf("attribute %q contains null", name)
		case elem.Type() == cty.String:
			strs = append(strs, elem.AsString())
		case elem.Type() == cty.Number:
			bf := elem.AsBigFloat()
			allInts = allInts && bf.IsInt()
			nums = append(nums, bf)
		default:
			return attr, fmt.Errorf("attribute %q has unsupported element type %s", name, elem.Type().FriendlyName())
		}
	}

	switch {
	case len(strs) > 0 && len(nums) > 0:
		return attr, fmt.Errorf("attribute %q mixes strings and numbers", name)
	case len(strs) > 0:
		attr.Kind = AttrStrings
		attr.Strings = strs
	case allInts:
		attr.Ints = make([]int64, len(nums))
		for i, n := range nums {
			attr.Ints[i], _ = n.Int64()
		}
	default:
		attr.Kind = AttrFloats
		attr.Floats = make([]float32, len(nums))
		for i, n := range nums {
			attr.Floats[i], _ = n.Float32()
		}
	}
	return attr, nil
}

func wholeNumber(val cty.Value) (int64, bool) {
	bf := val.AsBigFloat()
	if !bf.IsInt() {
		return 0, false
	}
	n, acc := bf.Int64()
	return n, acc == big.Exact
}
