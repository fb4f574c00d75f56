package onnx

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/example/go-graphrun/internal/graph"
)

// Tensor is a dense host tensor exchanged with an execution engine. The
// backing slice is owned by the Tensor; accessors return copies.
type Tensor struct {
	dtype graph.DType
	shape []int64
	data  any
}

// Element lists the Go types a Tensor can hold, one per bindable dtype.
type Element interface {
	float32 | float64 | int32 | int64 | bool
}

func NewTensor[T Element](data []T, shape []int64) (*Tensor, error) {
	if err := validateShapeAgainstData(shape, len(data)); err != nil {
		return nil, err
	}

	t := &Tensor{
		dtype: dtypeFor[T](),
		shape: slices.Clone(shape),
		data:  append(make([]T, 0, len(data)), data...),
	}
	if t.shape == nil {
		t.shape = []int64{}
	}
	return t, nil
}

func dtypeFor[T Element]() graph.DType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return graph.DTypeFloat32
	case float64:
		return graph.DTypeFloat64
	case int32:
		return graph.DTypeInt32
	case int64:
		return graph.DTypeInt64
	default:
		return graph.DTypeBool
	}
}

// Bindable reports whether tensors of dtype can be built and exchanged with
// an engine. An undefined dtype is bindable and defaults to float32.
func Bindable(dtype graph.DType) bool {
	switch dtype {
	case graph.DTypeUndefined, graph.DTypeFloat32, graph.DTypeFloat64,
		graph.DTypeInt32, graph.DTypeInt64, graph.DTypeBool:
		return true
	default:
		return false
	}
}

// NewTensorFromFloat64 builds a tensor of the given dtype from parsed
// numeric values, as produced by command-line or JSON input. Integer dtypes
// reject fractional and out-of-range values; bool accepts only 0 and 1.
func NewTensorFromFloat64(dtype graph.DType, values []float64, shape []int64) (*Tensor, error) {
	switch dtype {
	case graph.DTypeFloat32, graph.DTypeUndefined:
		data := make([]float32, len(values))
		for i, v := range values {
			data[i] = float32(v)
		}
		return NewTensor(data, shape)
	case graph.DTypeFloat64:
		return NewTensor(values, shape)
	case graph.DTypeInt32:
		data := make([]int32, len(values))
		for i, v := range values {
			if err := checkInteger(i, v, math.MinInt32, math.MaxInt32); err != nil {
				return nil, err
			}
			data[i] = int32(v)
		}
		return NewTensor(data, shape)
	case graph.DTypeInt64:
		data := make([]int64, len(values))
		for i, v := range values {
			if err := checkInteger(i, v, math.MinInt64, math.MaxInt64); err != nil {
				return nil, err
			}
			data[i] = int64(v)
		}
		return NewTensor(data, shape)
	case graph.DTypeBool:
		data := make([]bool, len(values))
		for i, v := range values {
			if v != 0 && v != 1 {
				return nil, fmt.Errorf("value[%d]=%v is not a bool (0 or 1)", i, v)
			}
			data[i] = v == 1
		}
		return NewTensor(data, shape)
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
}

func checkInteger(i int, v, lo, hi float64) error {
	if v != math.Trunc(v) {
		return fmt.Errorf("value[%d]=%v is not an integer", i, v)
	}
	// float64(MaxInt64) is already 2^63, so hi+1 stays exclusive there too.
	if v < lo || v >= hi+1 {
		return fmt.Errorf("value[%d]=%v is out of range", i, v)
	}
	return nil
}

func (t *Tensor) DType() graph.DType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return slices.Clone(t.shape)
}

func (t *Tensor) Len() int {
	switch v := t.data.(type) {
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	case []int32:
		return len(v)
	case []int64:
		return len(v)
	case []bool:
		return len(v)
	default:
		return 0
	}
}

// Data returns a copy of the backing slice: []float32, []float64, []int32,
// []int64 or []bool depending on DType.
func (t *Tensor) Data() any {
	switch v := t.data.(type) {
	case []float32:
		return slices.Clone(v)
	case []float64:
		return slices.Clone(v)
	case []int32:
		return slices.Clone(v)
	case []int64:
		return slices.Clone(v)
	case []bool:
		return slices.Clone(v)
	default:
		return nil
	}
}

// Equal reports whether both tensors have the same dtype, shape and values.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.dtype != o.dtype || !slices.Equal(t.shape, o.shape) {
		return false
	}
	switch a := t.data.(type) {
	case []float32:
		return sameData(a, o.data)
	case []float64:
		return sameData(a, o.data)
	case []int32:
		return sameData(a, o.data)
	case []int64:
		return sameData(a, o.data)
	case []bool:
		return sameData(a, o.data)
	default:
		return false
	}
}

func sameData[T Element](a []T, other any) bool {
	b, ok := other.([]T)
	return ok && slices.Equal(a, b)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s%v)", t.dtype, t.shape)
}

type tensorJSON struct {
	DType graph.DType `json:"dtype"`
	Shape []int64     `json:"shape"`
	Data  any         `json:"data"`
}

// MarshalJSON encodes the tensor as {"dtype","shape","data"} with data in
// row-major order.
func (t *Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal(tensorJSON{DType: t.dtype, Shape: t.shape, Data: t.data})
}

// Conforms checks the tensor against a declared value. Undeclared dtypes and
// shapes, and symbolic dimensions, match anything.
func (t *Tensor) Conforms(decl graph.ValueInfo) error {
	if decl.DType != graph.DTypeUndefined && decl.DType != t.dtype {
		return fmt.Errorf("dtype %s does not match declared %s", t.dtype, decl.DType)
	}
	if !decl.HasShape() {
		return nil
	}
	if len(decl.Shape) != len(t.shape) {
		return fmt.Errorf("rank %d does not match declared rank %d", len(t.shape), len(decl.Shape))
	}
	for i, d := range decl.Shape {
		if d.Symbolic() {
			continue
		}
		if d.Value != t.shape[i] {
			return fmt.Errorf("dim %d is %d, declared %d", i, t.shape[i], d.Value)
		}
	}
	return nil
}

// Extract returns a copy of the tensor data when it holds T.
func Extract[T Element](t *Tensor) ([]T, error) {
	want := dtypeFor[T]()
	if t == nil {
		return nil, fmt.Errorf("expected %s tensor, got nil", want)
	}
	data, ok := t.data.([]T)
	if !ok {
		return nil, fmt.Errorf("expected %s tensor, got %s", want, t.dtype)
	}
	return slices.Clone(data), nil
}

func ExtractFloat32(t *Tensor) ([]float32, error) { return Extract[float32](t) }
func ExtractInt64(t *Tensor) ([]int64, error)     { return Extract[int64](t) }

func validateShapeAgainstData(shape []int64, dataLen int) error {
	count, err := elementCount(shape)
	if err != nil {
		return err
	}
	if count != dataLen {
		return fmt.Errorf("shape %v expects %d elements, got %d", shape, count, dataLen)
	}
	return nil
}

func elementCount(shape []int64) (int, error) {
	count := int64(1)
	for i, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("shape[%d]=%d is negative", i, dim)
		}
		if dim > 0 && count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}
