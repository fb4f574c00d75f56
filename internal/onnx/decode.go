package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/example/go-graphrun/internal/graph"
	"google.golang.org/protobuf/encoding/protowire"
)

// unknownDim stands in for a dimension that carries neither a value nor a
// name, which ONNX uses for "any size".
const unknownDim = "?"

// ReadModel loads and decodes an ONNX model file.
func ReadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	return m, nil
}

// Unmarshal decodes the subset of ModelProto this package writes: tensor
// typed values, numeric initializers and scalar, list, tensor and subgraph
// attributes. Unknown fields are skipped.
func Unmarshal(data []byte) (*Model, error) {
	m := &Model{}
	var graphBytes []byte
	err := forEachField(data, func(f field) error {
		switch f.num {
		case fieldModelIRVersion:
			m.IRVersion = int64(f.u)
		case fieldModelProducerName:
			m.ProducerName = string(f.b)
		case fieldModelProducerVersion:
			m.ProducerVersion = string(f.b)
		case fieldModelGraph:
			graphBytes = f.b
		case fieldModelOpsetImport:
			imp, err := decodeOpset(f.b)
			if err != nil {
				return fmt.Errorf("opset_import: %w", err)
			}
			m.OpsetImports = append(m.OpsetImports, imp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if graphBytes == nil {
		return nil, graph.ErrEmptyGraph
	}

	g, err := decodeGraph(graphBytes)
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	m.Graph = g
	return m, nil
}

type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func forEachField(data []byte, fn func(field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(data)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeOpset(b []byte) (OpsetImport, error) {
	var imp OpsetImport
	err := forEachField(b, func(f field) error {
		switch f.num {
		case fieldOpsetDomain:
			imp.Domain = string(f.b)
		case fieldOpsetVersion:
			imp.Version = int64(f.u)
		}
		return nil
	})
	return imp, err
}

func decodeGraph(b []byte) (*graph.Graph, error) {
	g := &graph.Graph{}
	err := forEachField(b, func(f field) error {
		switch f.num {
		case fieldGraphNode:
			n, err := decodeNode(f.b)
			if err != nil {
				return fmt.Errorf("node %d: %w", len(g.Nodes), err)
			}
			g.Nodes = append(g.Nodes, n)
		case fieldGraphName:
			g.Name = string(f.b)
		case fieldGraphInitializer:
			init, err := decodeInitializer(f.b)
			if err != nil {
				return fmt.Errorf("initializer %d: %w", len(g.Initializers), err)
			}
			g.Initializers = append(g.Initializers, init)
		case fieldGraphInput, fieldGraphOutput, fieldGraphValueInfo:
			v, err := decodeValueInfo(f.b)
			if err != nil {
				return err
			}
			switch f.num {
			case fieldGraphInput:
				g.Inputs = append(g.Inputs, v)
			case fieldGraphOutput:
				g.Outputs = append(g.Outputs, v)
			default:
				g.ValueInfo = append(g.ValueInfo, v)
			}
		}
		return nil
	})
	return g, err
}

func decodeNode(b []byte) (graph.Node, error) {
	var n graph.Node
	err := forEachField(b, func(f field) error {
		switch f.num {
		case fieldNodeInput:
			n.Inputs = append(n.Inputs, string(f.b))
		case fieldNodeOutput:
			n.Outputs = append(n.Outputs, string(f.b))
		case fieldNodeName:
			n.Name = string(f.b)
		case fieldNodeOpType:
			n.OpType = string(f.b)
		case fieldNodeDomain:
			n.Domain = string(f.b)
		case fieldNodeAttribute:
			a, err := decodeAttribute(f.b)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		}
		return nil
	})
	return n, err
}

func decodeAttribute(b []byte) (graph.Attribute, error) {
	var (
		a        graph.Attribute
		attrType uint64
		seen     = make(map[protowire.Number]bool)
	)
	err := forEachField(b, func(f field) error {
		seen[f.num] = true
		var err error
		switch f.num {
		case fieldAttrName:
			a.Name = string(f.b)
		case fieldAttrF:
			a.Float = math.Float32frombits(uint32(f.u))
		case fieldAttrI:
			a.Int = int64(f.u)
		case fieldAttrS:
			a.String = string(f.b)
		case fieldAttrT:
			var t graph.Initializer
			t, err = decodeInitializer(f.b)
			a.Tensor = &t
		case fieldAttrG:
			a.Graph, err = decodeGraph(f.b)
		case fieldAttrFloats:
			a.Floats, err = appendFloats(a.Floats, f)
		case fieldAttrInts:
			a.Ints, err = appendVarints(a.Ints, f)
		case fieldAttrStrings:
			a.Strings = append(a.Strings, string(f.b))
		case fieldAttrType:
			attrType = f.u
		}
		return err
	})
	if err != nil {
		return a, fmt.Errorf("attribute %q: %w", a.Name, err)
	}

	if attrType == 0 {
		// Pre-IR3 models omit the type; infer it from the populated field.
		for _, guess := range []struct {
			num protowire.Number
			typ uint64
		}{
			{fieldAttrF, attrTypeFloat}, {fieldAttrI, attrTypeInt}, {fieldAttrS, attrTypeString},
			{fieldAttrT, attrTypeTensor}, {fieldAttrG, attrTypeGraph},
			{fieldAttrFloats, attrTypeFloats}, {fieldAttrInts, attrTypeInts}, {fieldAttrStrings, attrTypeStrings},
		} {
			if seen[guess.num] {
				attrType = guess.typ
				break
			}
		}
	}

	switch attrType {
	case attrTypeFloat:
		a.Kind = graph.AttrFloat
	case attrTypeInt:
		a.Kind = graph.AttrInt
	case attrTypeString:
		a.Kind = graph.AttrString
	case attrTypeFloats:
		a.Kind = graph.AttrFloats
	case attrTypeInts:
		a.Kind = graph.AttrInts
	case attrTypeStrings:
		a.Kind = graph.AttrStrings
	case attrTypeTensor:
		a.Kind = graph.AttrTensor
		if a.Tensor == nil {
			return a, fmt.Errorf("tensor attribute %q has no tensor", a.Name)
		}
	case attrTypeGraph:
		a.Kind = graph.AttrGraph
		if a.Graph == nil {
			return a, fmt.Errorf("graph attribute %q has no graph", a.Name)
		}
	default:
		return a, fmt.Errorf("attribute %q has unsupported type %d", a.Name, attrType)
	}
	return a, nil
}

func decodeValueInfo(b []byte) (graph.ValueInfo, error) {
	var (
		v         graph.ValueInfo
		typeBytes []byte
	)
	err := forEachField(b, func(f field) error {
		switch f.num {
		case fieldValueName:
			v.Name = string(f.b)
		case fieldValueType:
			typeBytes = f.b
		}
		return nil
	})
	if err != nil || typeBytes == nil {
		return v, err
	}

	var tensorBytes []byte
	err = forEachField(typeBytes, func(f field) error {
		if f.num == fieldTypeTensor {
			tensorBytes = f.b
		}
		return nil
	})
	if err != nil || tensorBytes == nil {
		// Sequence and map types carry no tensor type to record.
		return v, err
	}

	err = forEachField(tensorBytes, func(f field) error {
		switch f.num {
		case fieldTensorElemType:
			dtype, err := dtypeOf(int32(f.u))
			if err != nil {
				return fmt.Errorf("value %q: %w", v.Name, err)
			}
			v.DType = dtype
		case fieldTensorShape:
			shape, err := decodeShape(f.b)
			if err != nil {
				return fmt.Errorf("value %q: %w", v.Name, err)
			}
			v.Shape = shape
		}
		return nil
	})
	return v, err
}

func decodeShape(b []byte) ([]graph.Dim, error) {
	shape := []graph.Dim{}
	err := forEachField(b, func(f field) error {
		if f.num != fieldShapeDim {
			return nil
		}
		var (
			d   graph.Dim
			set bool
		)
		err := forEachField(f.b, func(df field) error {
			switch df.num {
			case fieldDimValue:
				d.Value, set = int64(df.u), true
			case fieldDimParam:
				d.Param, set = string(df.b), true
			}
			return nil
		})
		if !set {
			d.Param = unknownDim
		}
		shape = append(shape, d)
		return err
	})
	return shape, err
}

func decodeInitializer(b []byte) (graph.Initializer, error) {
	var (
		init   graph.Initializer
		elem   int32
		raw    []byte
		hasRaw bool
	)
	err := forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case fieldTensorDims:
			init.Dims, err = appendVarints(init.Dims, f)
		case fieldTensorDataType:
			elem = int32(f.u)
		case fieldTensorName:
			init.Name = string(f.b)
		case fieldTensorFloatData:
			init.Floats, err = appendFloats(init.Floats, f)
		case fieldTensorInt64Data:
			init.Ints, err = appendVarints(init.Ints, f)
		case fieldTensorRawData:
			raw, hasRaw = f.b, true
		}
		return err
	})
	if err != nil {
		return init, err
	}

	switch elem {
	case elemFloat:
		init.DType = graph.DTypeFloat32
		if hasRaw {
			if len(raw)%4 != 0 {
				return init, fmt.Errorf("tensor %q raw_data length %d is not a multiple of 4", init.Name, len(raw))
			}
			init.Floats = make([]float32, len(raw)/4)
			for i := range init.Floats {
				init.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
		}
	case elemInt64:
		init.DType = graph.DTypeInt64
		if hasRaw {
			if len(raw)%8 != 0 {
				return init, fmt.Errorf("tensor %q raw_data length %d is not a multiple of 8", init.Name, len(raw))
			}
			init.Ints = make([]int64, len(raw)/8)
			for i := range init.Ints {
				init.Ints[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
			}
		}
	default:
		return init, fmt.Errorf("tensor %q has unsupported data type %d", init.Name, elem)
	}
	return init, nil
}

// appendVarints accepts both packed and unpacked encodings of a repeated
// integer field.
func appendVarints(dst []int64, f field) ([]int64, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, int64(f.u)), nil
	case protowire.BytesType:
		b := f.b
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return dst, protowire.ParseError(n)
			}
			dst = append(dst, int64(v))
			b = b[n:]
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("field %d: unexpected wire type %d", f.num, f.typ)
	}
}

func appendFloats(dst []float32, f field) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return append(dst, math.Float32frombits(uint32(f.u))), nil
	case protowire.BytesType:
		if len(f.b)%4 != 0 {
			return dst, fmt.Errorf("field %d: packed floats length %d is not a multiple of 4", f.num, len(f.b))
		}
		for i := 0; i < len(f.b); i += 4 {
			dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(f.b[i:])))
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("field %d: unexpected wire type %d", f.num, f.typ)
	}
}
