package main

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/example/go-graphrun/internal/adapter"
	"github.com/example/go-graphrun/internal/onnx"
)

func TestNewExportCmd_Flags(t *testing.T) {
	cmd := newExportCmd()
	if cmd.Use != "export" {
		t.Fatalf("Use = %q, want export", cmd.Use)
	}

	for _, name := range []string{"graph", "out", "output"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("flag %q not registered", name)
		}
	}
}

func TestExportCmd_WritesReconciledModel(t *testing.T) {
	out := filepath.Join(t.TempDir(), "affine.onnx")

	stdout, err := executeRoot(t,
		"export",
		"--graph", affineGraphPath,
		"--out", out,
		"--output", "y,h",
		"--export-opset-version", "17",
	)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(stdout, "exported "+out) || !strings.Contains(stdout, "opset 17") {
		t.Fatalf("stdout = %q", stdout)
	}

	m, err := onnx.ReadModel(out)
	if err != nil {
		t.Fatalf("ReadModel: %v", err)
	}
	if got := m.Graph.OutputNames(); !slices.Equal(got, []string{"y", "h"}) {
		t.Fatalf("outputs = %v", got)
	}
	if m.OpsetVersion() != 17 {
		t.Fatalf("opset = %d", m.OpsetVersion())
	}
}

func TestExportCmd_StrictPolicyRejectsUndeclared(t *testing.T) {
	out := filepath.Join(t.TempDir(), "affine.onnx")

	_, err := executeRoot(t,
		"export",
		"--graph", affineGraphPath,
		"--out", out,
		"--output", "h",
		"--export-output-policy", "strict",
	)
	if !errors.Is(err, adapter.ErrSerialization) {
		t.Fatalf("err = %v, want ErrSerialization", err)
	}
}

func TestExportCmd_RequiresFlags(t *testing.T) {
	if _, err := executeRoot(t, "export", "--out", "x.onnx"); err == nil || !strings.Contains(err.Error(), "--graph") {
		t.Fatalf("missing --graph: err = %v", err)
	}
	if _, err := executeRoot(t, "export", "--graph", affineGraphPath); err == nil || !strings.Contains(err.Error(), "--out") {
		t.Fatalf("missing --out: err = %v", err)
	}
}
