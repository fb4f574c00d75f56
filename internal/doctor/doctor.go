// Package doctor provides environment preflight checks for graphrun.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// unknownVersion is what runtime detection reports when no version could be
// determined.
const unknownVersion = "unknown"

// RuntimeFunc resolves the ONNX Runtime shared library and its version.
type RuntimeFunc func() (library, version string, err error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Runtime locates the ONNX Runtime library.
	Runtime RuntimeFunc
	// SkipRuntime skips the runtime checks entirely.
	SkipRuntime bool
	// APIVersion is the ORT C API version sessions request. A detected
	// library must be release 1.<APIVersion> or newer.
	APIVersion uint32
	// TempDir receives model artifacts and must be writable. Empty selects
	// os.TempDir().
	TempDir string
	// GraphFiles is the list of graph definitions to verify on disk.
	GraphFiles []string
	// ValidateGraph, when set, is called for every graph file that exists.
	ValidateGraph func(path string) error
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- onnx runtime -----------------------------------------------------
	switch {
	case cfg.SkipRuntime:
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	case cfg.Runtime == nil:
		res.fail("onnx runtime: no detector configured")
		fmt.Fprintf(w, "%s onnx runtime: no detector configured\n", FailMark)
	default:
		lib, ver, err := cfg.Runtime()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
			break
		}
		fmt.Fprintf(w, "%s onnx runtime library: %s\n", PassMark, lib)
		if verErr := checkRuntimeVersion(ver, cfg.APIVersion); verErr != nil {
			res.fail(fmt.Sprintf("onnx runtime version: %v", verErr))
			fmt.Fprintf(w, "%s onnx runtime version %s: %v\n", FailMark, ver, verErr)
		} else {
			fmt.Fprintf(w, "%s onnx runtime version: %s\n", PassMark, ver)
		}
	}

	// ---- artifact directory -----------------------------------------------
	dir := cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := checkWritable(dir); err != nil {
		res.fail(fmt.Sprintf("temp dir %q: %v", dir, err))
		fmt.Fprintf(w, "%s temp dir %s: not writable (%v)\n", FailMark, dir, err)
	} else {
		fmt.Fprintf(w, "%s temp dir: %s\n", PassMark, dir)
	}

	// ---- graph files ------------------------------------------------------
	for _, path := range cfg.GraphFiles {
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("graph file %q: %v", path, err))
			fmt.Fprintf(w, "%s graph file %s: not found\n", FailMark, path)
			continue
		}
		fmt.Fprintf(w, "%s graph file: %s\n", PassMark, path)

		if cfg.ValidateGraph == nil {
			continue
		}
		if err := cfg.ValidateGraph(path); err != nil {
			res.fail(fmt.Sprintf("graph validation %q: %v", path, err))
			fmt.Fprintf(w, "%s graph validation %s: %v\n", FailMark, path, err)
		} else {
			fmt.Fprintf(w, "%s graph validation: ok\n", PassMark)
		}
	}

	return res
}

// checkRuntimeVersion returns an error unless ver is a 1.x release whose
// minor version is at least api. An undetermined version passes, since the
// session constructor reports a real mismatch.
func checkRuntimeVersion(ver string, api uint32) error {
	if ver == "" || ver == unknownVersion {
		return nil
	}
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires ONNX Runtime 1.x, got %d", major)
	}
	if api > 0 && minor < int(api) {
		return fmt.Errorf("API version %d requires ONNX Runtime >=1.%d, got 1.%d", api, api, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".graphrun-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Remove(name)
}
