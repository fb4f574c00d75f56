package onnx

import (
	"fmt"

	"github.com/example/go-graphrun/internal/graph"
)

const (
	DefaultOpsetVersion int64 = 13
	DefaultIRVersion    int64 = 7

	producerName    = "go-graphrun"
	producerVersion = "0.1.0"
)

// OpsetImport names an operator set the model targets. An empty Domain is
// the default ai.onnx domain.
type OpsetImport struct {
	Domain  string
	Version int64
}

// Model is the serializable unit handed to an engine: a graph plus the
// format and operator-set versions it targets.
type Model struct {
	IRVersion       int64
	OpsetImports    []OpsetImport
	ProducerName    string
	ProducerVersion string
	Graph           *graph.Graph
}

// NewModel wraps g for export. Zero versions select the defaults.
func NewModel(g *graph.Graph, opsetVersion, irVersion int64) *Model {
	if opsetVersion == 0 {
		opsetVersion = DefaultOpsetVersion
	}
	if irVersion == 0 {
		irVersion = DefaultIRVersion
	}
	return &Model{
		IRVersion:       irVersion,
		OpsetImports:    []OpsetImport{{Version: opsetVersion}},
		ProducerName:    producerName,
		ProducerVersion: producerVersion,
		Graph:           g,
	}
}

// OpsetVersion returns the version imported for the default domain, or 0.
func (m *Model) OpsetVersion() int64 {
	for _, imp := range m.OpsetImports {
		if imp.Domain == "" || imp.Domain == "ai.onnx" {
			return imp.Version
		}
	}
	return 0
}

// TensorProto.DataType values.
const (
	elemUndefined int32 = 0
	elemFloat     int32 = 1
	elemInt32     int32 = 6
	elemInt64     int32 = 7
	elemString    int32 = 8
	elemBool      int32 = 9
	elemDouble    int32 = 11
)

func elemTypeOf(dtype graph.DType) (int32, error) {
	switch dtype {
	case graph.DTypeUndefined:
		return elemUndefined, nil
	case graph.DTypeFloat32:
		return elemFloat, nil
	case graph.DTypeFloat64:
		return elemDouble, nil
	case graph.DTypeInt32:
		return elemInt32, nil
	case graph.DTypeInt64:
		return elemInt64, nil
	case graph.DTypeBool:
		return elemBool, nil
	case graph.DTypeString:
		return elemString, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func dtypeOf(elem int32) (graph.DType, error) {
	switch elem {
	case elemUndefined:
		return graph.DTypeUndefined, nil
	case elemFloat:
		return graph.DTypeFloat32, nil
	case elemDouble:
		return graph.DTypeFloat64, nil
	case elemInt32:
		return graph.DTypeInt32, nil
	case elemInt64:
		return graph.DTypeInt64, nil
	case elemBool:
		return graph.DTypeBool, nil
	case elemString:
		return graph.DTypeString, nil
	default:
		return graph.DTypeUndefined, fmt.Errorf("unsupported tensor element type %d", elem)
	}
}
