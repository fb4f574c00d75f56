package testutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-graphrun/internal/testutil"
)

func TestRequireONNXRuntime_SkipsWhenAbsent(t *testing.T) {
	// Ensure env vars point nowhere.
	t.Setenv("ORT_LIBRARY_PATH", "/nonexistent/libonnxruntime.so")

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	if got := testutil.RequireONNXRuntime(fakeT); got != "" {
		t.Errorf("expected empty path, got %q", got)
	}
	if !skipped {
		t.Error("expected RequireONNXRuntime to skip when library is absent")
	}
}

func TestRequireONNXRuntime_ReturnsEnvPath(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libonnxruntime.so")
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake lib: %v", err)
	}
	t.Setenv("ORT_LIBRARY_PATH", "")
	t.Setenv("GRAPHRUN_ORT_LIB", lib)

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	if got := testutil.RequireONNXRuntime(fakeT); got != lib {
		t.Errorf("path = %q, want %q", got, lib)
	}
	if skipped {
		t.Error("did not expect a skip")
	}
}

// skipTracker is a minimal testing.TB implementation that intercepts Skip calls.
type skipTracker struct {
	testing.TB
	onSkip func()
}

func (s *skipTracker) Helper() {}

func (s *skipTracker) Skipf(_ string, _ ...any) {
	s.onSkip()
	// Do NOT call s.TB.Skip, that would actually skip the outer test.
}
