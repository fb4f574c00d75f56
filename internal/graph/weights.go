package graph

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/example/go-graphrun/internal/safetensors"
)

// weightFiles opens each safetensors file referenced by a graph definition
// once, resolving relative paths against dir.
type weightFiles struct {
	dir    string
	stores map[string]*safetensors.Store
}

func newWeightFiles(dir string) *weightFiles {
	return &weightFiles{dir: dir, stores: make(map[string]*safetensors.Store)}
}

func (w *weightFiles) open(path string) (*safetensors.Store, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.dir, path)
	}
	if s, ok := w.stores[path]; ok {
		return s, nil
	}
	s, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	w.stores[path] = s
	return s, nil
}

// initializer loads hi from its weights file. Float tensors become float32
// initializers and integer tensors int64 ones; a declared dtype or dims must
// agree with the file.
func (w *weightFiles) initializer(hi *hclInitializer) (Initializer, error) {
	if !hi.Data.IsNull() {
		return Initializer{}, fmt.Errorf("data and weights are mutually exclusive")
	}

	store, err := w.open(hi.Weights)
	if err != nil {
		return Initializer{}, err
	}

	name := hi.Tensor
	if name == "" {
		name = hi.Name
	}
	t, err := store.Tensor(name)
	if err != nil {
		return Initializer{}, err
	}

	init := Initializer{Name: hi.Name, Dims: t.Shape}
	if t.IsInt() {
		init.DType, init.Ints = DTypeInt64, t.Ints
	} else {
		init.DType, init.Floats = DTypeFloat32, t.Floats
	}

	if hi.DType != "" {
		want, err := ParseDType(hi.DType)
		if err != nil {
			return Initializer{}, err
		}
		if want != init.DType {
			return Initializer{}, fmt.Errorf("dtype %s does not match %s tensor %q in %s", want, init.DType, name, hi.Weights)
		}
	}
	if hi.Dims != nil && !slices.Equal(hi.Dims, t.Shape) {
		return Initializer{}, fmt.Errorf("dims %v do not match shape %v of tensor %q in %s", hi.Dims, t.Shape, name, hi.Weights)
	}
	return init, nil
}

func (w *weightFiles) close() {
	for _, s := range w.stores {
		s.Close()
	}
}
