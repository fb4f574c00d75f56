package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/example/go-graphrun/internal/graph"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	// ModelProto
	fieldModelIRVersion       protowire.Number = 1
	fieldModelProducerName    protowire.Number = 2
	fieldModelProducerVersion protowire.Number = 3
	fieldModelGraph           protowire.Number = 7
	fieldModelOpsetImport     protowire.Number = 8

	// OperatorSetIdProto
	fieldOpsetDomain  protowire.Number = 1
	fieldOpsetVersion protowire.Number = 2

	// GraphProto
	fieldGraphNode        protowire.Number = 1
	fieldGraphName        protowire.Number = 2
	fieldGraphInitializer protowire.Number = 5
	fieldGraphInput       protowire.Number = 11
	fieldGraphOutput      protowire.Number = 12
	fieldGraphValueInfo   protowire.Number = 13

	// NodeProto
	fieldNodeInput     protowire.Number = 1
	fieldNodeOutput    protowire.Number = 2
	fieldNodeName      protowire.Number = 3
	fieldNodeOpType    protowire.Number = 4
	fieldNodeAttribute protowire.Number = 5
	fieldNodeDomain    protowire.Number = 7

	// AttributeProto
	fieldAttrName    protowire.Number = 1
	fieldAttrF       protowire.Number = 2
	fieldAttrI       protowire.Number = 3
	fieldAttrS       protowire.Number = 4
	fieldAttrT       protowire.Number = 5
	fieldAttrG       protowire.Number = 6
	fieldAttrFloats  protowire.Number = 7
	fieldAttrInts    protowire.Number = 8
	fieldAttrStrings protowire.Number = 9
	fieldAttrType    protowire.Number = 20

	// ValueInfoProto / TypeProto / TypeProto.Tensor / TensorShapeProto
	fieldValueName      protowire.Number = 1
	fieldValueType      protowire.Number = 2
	fieldTypeTensor     protowire.Number = 1
	fieldTensorElemType protowire.Number = 1
	fieldTensorShape    protowire.Number = 2
	fieldShapeDim       protowire.Number = 1
	fieldDimValue       protowire.Number = 1
	fieldDimParam       protowire.Number = 2

	// TensorProto
	fieldTensorDims      protowire.Number = 1
	fieldTensorDataType  protowire.Number = 2
	fieldTensorFloatData protowire.Number = 4
	fieldTensorInt64Data protowire.Number = 7
	fieldTensorName      protowire.Number = 8
	fieldTensorRawData   protowire.Number = 9
)

// AttributeProto.AttributeType values.
const (
	attrTypeFloat   = 1
	attrTypeInt     = 2
	attrTypeString  = 3
	attrTypeTensor  = 4
	attrTypeGraph   = 5
	attrTypeFloats  = 6
	attrTypeInts    = 7
	attrTypeStrings = 8
)

// Marshal encodes m as an ONNX ModelProto. The graph is validated first;
// an invalid graph is never encoded.
func Marshal(m *Model) ([]byte, error) {
	if m == nil || m.Graph == nil {
		return nil, graph.ErrEmptyGraph
	}
	if m.IRVersion <= 0 {
		return nil, fmt.Errorf("invalid IR version %d", m.IRVersion)
	}
	if len(m.OpsetImports) == 0 {
		return nil, errors.New("model has no opset imports")
	}
	for _, imp := range m.OpsetImports {
		if imp.Version <= 0 {
			return nil, fmt.Errorf("invalid opset version %d for domain %q", imp.Version, imp.Domain)
		}
	}
	if err := m.Graph.Validate(); err != nil {
		return nil, err
	}

	graphBytes, err := encodeGraph(m.Graph)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = appendVarintField(b, fieldModelIRVersion, uint64(m.IRVersion))
	b = appendStringField(b, fieldModelProducerName, m.ProducerName)
	b = appendStringField(b, fieldModelProducerVersion, m.ProducerVersion)
	b = appendBytesField(b, fieldModelGraph, graphBytes)
	for _, imp := range m.OpsetImports {
		var ob []byte
		ob = appendStringField(ob, fieldOpsetDomain, imp.Domain)
		ob = appendVarintField(ob, fieldOpsetVersion, uint64(imp.Version))
		b = appendBytesField(b, fieldModelOpsetImport, ob)
	}
	return b, nil
}

// WriteModel encodes m and writes it to path with the given permissions.
func WriteModel(path string, m *Model, perm os.FileMode) (int, error) {
	data, err := Marshal(m)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return 0, fmt.Errorf("write model %s: %w", path, err)
	}
	return len(data), nil
}

func encodeGraph(g *graph.Graph) ([]byte, error) {
	var b []byte
	for i, n := range g.Nodes {
		nb, err := encodeNode(n)
		if err != nil {
			return nil, fmt.Errorf("node %d (%q): %w", i, n.Name, err)
		}
		b = appendBytesField(b, fieldGraphNode, nb)
	}
	b = appendStringField(b, fieldGraphName, g.Name)
	for _, init := range g.Initializers {
		tb, err := encodeInitializer(init)
		if err != nil {
			return nil, fmt.Errorf("initializer %q: %w", init.Name, err)
		}
		b = appendBytesField(b, fieldGraphInitializer, tb)
	}

	sets := []struct {
		field protowire.Number
		vals  []graph.ValueInfo
	}{
		{fieldGraphInput, g.Inputs},
		{fieldGraphOutput, g.Outputs},
		{fieldGraphValueInfo, g.ValueInfo},
	}
	for _, set := range sets {
		for _, v := range set.vals {
			vb, err := encodeValueInfo(v)
			if err != nil {
				return nil, fmt.Errorf("value %q: %w", v.Name, err)
			}
			b = appendBytesField(b, set.field, vb)
		}
	}
	return b, nil
}

func encodeNode(n graph.Node) ([]byte, error) {
	var b []byte
	for _, in := range n.Inputs {
		b = appendRepeatedString(b, fieldNodeInput, in)
	}
	for _, out := range n.Outputs {
		b = appendRepeatedString(b, fieldNodeOutput, out)
	}
	b = appendStringField(b, fieldNodeName, n.Name)
	b = appendStringField(b, fieldNodeOpType, n.OpType)
	for _, a := range n.Attributes {
		ab, err := encodeAttribute(a)
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, fieldNodeAttribute, ab)
	}
	b = appendStringField(b, fieldNodeDomain, n.Domain)
	return b, nil
}

func encodeAttribute(a graph.Attribute) ([]byte, error) {
	if a.Name == "" {
		return nil, errors.New("attribute has empty name")
	}
	var b []byte
	b = appendStringField(b, fieldAttrName, a.Name)

	var attrType uint64
	switch a.Kind {
	case graph.AttrFloat:
		attrType = attrTypeFloat
		b = protowire.AppendTag(b, fieldAttrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.Float))
	case graph.AttrInt:
		attrType = attrTypeInt
		b = protowire.AppendTag(b, fieldAttrI, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.Int))
	case graph.AttrString:
		attrType = attrTypeString
		b = protowire.AppendTag(b, fieldAttrS, protowire.BytesType)
		b = protowire.AppendString(b, a.String)
	case graph.AttrFloats:
		attrType = attrTypeFloats
		b = appendPackedFloats(b, fieldAttrFloats, a.Floats)
	case graph.AttrInts:
		attrType = attrTypeInts
		b = appendPackedVarints(b, fieldAttrInts, a.Ints)
	case graph.AttrStrings:
		attrType = attrTypeStrings
		for _, s := range a.Strings {
			b = appendRepeatedString(b, fieldAttrStrings, s)
		}
	case graph.AttrTensor:
		attrType = attrTypeTensor
		if a.Tensor == nil {
			return nil, fmt.Errorf("tensor attribute %q has no tensor", a.Name)
		}
		tb, err := encodeInitializer(*a.Tensor)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", a.Name, err)
		}
		b = appendBytesField(b, fieldAttrT, tb)
	case graph.AttrGraph:
		attrType = attrTypeGraph
		if a.Graph == nil {
			return nil, fmt.Errorf("graph attribute %q has no graph", a.Name)
		}
		gb, err := encodeGraph(a.Graph)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", a.Name, err)
		}
		b = appendBytesField(b, fieldAttrG, gb)
	default:
		return nil, fmt.Errorf("attribute %q has unsupported kind %s", a.Name, a.Kind)
	}
	b = appendVarintField(b, fieldAttrType, attrType)
	return b, nil
}

func encodeValueInfo(v graph.ValueInfo) ([]byte, error) {
	var b []byte
	b = appendStringField(b, fieldValueName, v.Name)
	if v.DType == graph.DTypeUndefined && !v.HasShape() {
		return b, nil
	}

	elem, err := elemTypeOf(v.DType)
	if err != nil {
		return nil, err
	}
	var tb []byte
	tb = appendVarintField(tb, fieldTensorElemType, uint64(elem))
	if v.HasShape() {
		var sb []byte
		for _, d := range v.Shape {
			var db []byte
			if d.Symbolic() {
				db = appendStringField(db, fieldDimParam, d.Param)
			} else {
				db = protowire.AppendTag(db, fieldDimValue, protowire.VarintType)
				db = protowire.AppendVarint(db, uint64(d.Value))
			}
			sb = appendBytesField(sb, fieldShapeDim, db)
		}
		// A declared scalar still needs an (empty) shape message.
		tb = protowire.AppendTag(tb, fieldTensorShape, protowire.BytesType)
		tb = protowire.AppendBytes(tb, sb)
	}

	var typeBytes []byte
	typeBytes = protowire.AppendTag(typeBytes, fieldTypeTensor, protowire.BytesType)
	typeBytes = protowire.AppendBytes(typeBytes, tb)

	b = protowire.AppendTag(b, fieldValueType, protowire.BytesType)
	b = protowire.AppendBytes(b, typeBytes)
	return b, nil
}

// encodeInitializer stores constant data as little-endian raw_data, which
// every ONNX consumer accepts for numeric types. It also encodes the
// unnamed tensors of tensor attributes.
func encodeInitializer(init graph.Initializer) ([]byte, error) {
	elem, err := elemTypeOf(init.DType)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = appendPackedVarints(b, fieldTensorDims, init.Dims)
	b = appendVarintField(b, fieldTensorDataType, uint64(elem))
	b = appendStringField(b, fieldTensorName, init.Name)

	var raw []byte
	switch init.DType {
	case graph.DTypeFloat32:
		raw = make([]byte, 4*len(init.Floats))
		for i, f := range init.Floats {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(f))
		}
	case graph.DTypeInt64:
		raw = make([]byte, 8*len(init.Ints))
		for i, v := range init.Ints {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
		}
	default:
		return nil, fmt.Errorf("unsupported initializer dtype %q", init.DType)
	}
	b = protowire.AppendTag(b, fieldTensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b, nil
}

// appendVarintField skips zero values, matching proto3 default elision.
func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendRepeatedString keeps empty elements: node inputs use "" for omitted
// optional inputs and the position matters.
func appendRepeatedString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPackedVarints(b []byte, num protowire.Number, vals []int64) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendBytesField(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vals []float32) []byte {
	if len(vals) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(vals))
	for _, f := range vals {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	return appendBytesField(b, num, packed)
}
