package onnx

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/example/go-graphrun/internal/config"
)

// Session is a loaded model ready for synchronous execution. Implementations
// need not be safe for concurrent use.
type Session interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Close()
}

// SequenceSession is implemented by sessions that execute tensor sequences
// natively. Callers fall back to element-wise Run when it is absent.
type SequenceSession interface {
	Session
	RunSequence(ctx context.Context, inputs map[string][]*Tensor) (map[string][]*Tensor, error)
}

// Engine loads serialized model artifacts from disk.
type Engine interface {
	Load(path string) (Session, error)
}

// ORTEngine loads artifacts into ONNX Runtime sessions.
type ORTEngine struct {
	cfg RunnerConfig
}

// NewORTEngine resolves the ONNX Runtime library from cfg (or the usual
// environment variables and system paths) and returns an engine bound to it.
func NewORTEngine(cfg config.RuntimeConfig) (*ORTEngine, error) {
	info, err := DetectRuntime(cfg)
	if err != nil {
		return nil, err
	}
	return &ORTEngine{cfg: RunnerConfig{
		LibraryPath: info.LibraryPath,
		APIVersion:  cfg.APIVersion,
	}}, nil
}

// NewORTEngineWithConfig skips library detection.
func NewORTEngineWithConfig(cfg RunnerConfig) *ORTEngine {
	return &ORTEngine{cfg: cfg}
}

func (e *ORTEngine) Load(path string) (Session, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	r, err := NewRunner(name, path, e.cfg)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return r, nil
}
