package adapter

import (
	"errors"
	"fmt"
)

// Error classes. Every construction failure wraps ErrSerialization or
// ErrEngineInit; every Run/RunSequence failure wraps ErrInference.
var (
	ErrSerialization = errors.New("graph serialization failed")
	ErrEngineInit    = errors.New("engine initialization failed")
	ErrInference     = errors.New("inference failed")

	ErrClosed = fmt.Errorf("%w: adapter is closed", ErrInference)
)

func serializationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSerialization, fmt.Sprintf(format, args...))
}

func inferenceErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInference, fmt.Sprintf(format, args...))
}
