package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
)

// Encode serializes tensors into a safetensors payload. Float tensors are
// written as F32 and integer tensors as I64, in name order.
func Encode(tensors []Tensor) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b Tensor) int { return strings.Compare(a.Name, b.Name) })

	header := make(map[string]headerEntry, len(sorted))
	var raw []byte
	for _, t := range sorted {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}
		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}
		if t.Floats != nil && t.Ints != nil {
			return nil, fmt.Errorf("safetensors: tensor %q sets both float and int data", name)
		}

		count, err := elementCount(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		start := len(raw)
		entry := headerEntry{Shape: slices.Clone(t.Shape)}
		if entry.Shape == nil {
			entry.Shape = []int64{}
		}
		if t.IsInt() {
			if int64(len(t.Ints)) != count {
				return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, t.Shape, count, len(t.Ints))
			}
			entry.DType = dtypeI64
			for _, v := range t.Ints {
				raw = binary.LittleEndian.AppendUint64(raw, uint64(v))
			}
		} else {
			if int64(len(t.Floats)) != count {
				return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, t.Shape, count, len(t.Floats))
			}
			entry.DType = dtypeF32
			for _, v := range t.Floats {
				raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
			}
		}
		entry.Offsets = [2]int{start, len(raw)}
		header[name] = entry
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 0, 8+len(headerJSON)+len(raw))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	return append(out, raw...), nil
}

// WriteFile encodes tensors into a .safetensors file.
func WriteFile(path string, tensors []Tensor) error {
	data, err := Encode(tensors)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}
	return nil
}
