package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/go-graphrun/internal/adapter"
	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/onnx"
)

// stubRunner doubles every float32 input into "y" and records what it saw.
type stubRunner struct {
	mu      sync.Mutex
	inputs  []map[string]*onnx.Tensor
	seqs    []map[string][]*onnx.Tensor
	err     error
	blockOn context.Context
}

func (s *stubRunner) Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, inputs)
	s.mu.Unlock()
	if s.blockOn != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", adapter.ErrInference, ctx.Err())
		case <-s.blockOn.Done():
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return map[string]*onnx.Tensor{"y": double(inputs["x"])}, nil
}

func (s *stubRunner) RunSequence(_ context.Context, inputs map[string][]*onnx.Tensor) (map[string][]*onnx.Tensor, error) {
	s.mu.Lock()
	s.seqs = append(s.seqs, inputs)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*onnx.Tensor, len(inputs["x"]))
	for i, t := range inputs["x"] {
		out[i] = double(t)
	}
	return map[string][]*onnx.Tensor{"y": out}, nil
}

func double(t *onnx.Tensor) *onnx.Tensor {
	vals, _ := onnx.ExtractFloat32(t)
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = 2 * v
	}
	res, _ := onnx.NewTensor(out, t.Shape())
	return res
}

func testGraph() *graph.Graph {
	return &graph.Graph{
		Name: "affine",
		Inputs: []graph.ValueInfo{
			{Name: "x", DType: graph.DTypeFloat32, Shape: []graph.Dim{{Param: "batch"}, {Value: 3}}},
		},
		Outputs: []graph.ValueInfo{
			{Name: "y", DType: graph.DTypeFloat32},
		},
	}
}

func newTestHandler(runner Runner, opts ...Option) http.Handler {
	opts = append([]Option{WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))}, opts...)
	return NewHandler(runner, testGraph(), opts...)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestHandler(&stubRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" || body["graph"] != "affine" || body["version"] == "" {
		t.Fatalf("health body = %v", body)
	}
}

func TestGraphDescription(t *testing.T) {
	h := newTestHandler(&stubRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/graph", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Name   string `json:"name"`
		Inputs []struct {
			Name  string `json:"name"`
			DType string `json:"dtype"`
			Shape []any  `json:"shape"`
		} `json:"inputs"`
		Outputs []struct {
			Name  string `json:"name"`
			Shape []any  `json:"shape"`
		} `json:"outputs"`
	}
	decodeBody(t, rec, &body)

	if body.Name != "affine" || len(body.Inputs) != 1 || len(body.Outputs) != 1 {
		t.Fatalf("graph body = %+v", body)
	}
	in := body.Inputs[0]
	if in.Name != "x" || in.DType != "float32" {
		t.Fatalf("input = %+v", in)
	}
	if len(in.Shape) != 2 || in.Shape[0] != "batch" || in.Shape[1] != float64(3) {
		t.Fatalf("input shape = %v, want [batch 3]", in.Shape)
	}
	if body.Outputs[0].Shape != nil {
		t.Fatalf("output shape = %v, want omitted", body.Outputs[0].Shape)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(&stubRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "graphrun_") {
		t.Fatalf("metrics output does not contain graphrun_ series")
	}
}

func TestRunInputs(t *testing.T) {
	runner := &stubRunner{}
	h := newTestHandler(runner)

	rec := post(h, `{"inputs":{"x":{"data":[1,2,3,4,5,6]}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var body struct {
		Outputs map[string]struct {
			DType string    `json:"dtype"`
			Shape []int64   `json:"shape"`
			Data  []float64 `json:"data"`
		} `json:"outputs"`
	}
	decodeBody(t, rec, &body)
	y, ok := body.Outputs["y"]
	if !ok {
		t.Fatalf("outputs = %v, missing y", body.Outputs)
	}
	if y.DType != "float32" || fmt.Sprint(y.Shape) != "[2 3]" || fmt.Sprint(y.Data) != "[2 4 6 8 10 12]" {
		t.Fatalf("y = %+v", y)
	}

	if len(runner.inputs) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(runner.inputs))
	}
	if got := runner.inputs[0]["x"].Shape(); fmt.Sprint(got) != "[2 3]" {
		t.Fatalf("fitted shape = %v, want [2 3]", got)
	}
}

func TestRunExplicitShape(t *testing.T) {
	runner := &stubRunner{}
	h := newTestHandler(runner)

	rec := post(h, `{"inputs":{"x":{"shape":[1,3],"data":[1,2,3]}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := runner.inputs[0]["x"].Shape(); fmt.Sprint(got) != "[1 3]" {
		t.Fatalf("shape = %v, want [1 3]", got)
	}
}

func TestRunSequences(t *testing.T) {
	runner := &stubRunner{}
	h := newTestHandler(runner)

	rec := post(h, `{"sequences":{"x":[{"data":[1,2,3]},{"data":[4,5,6]}]}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Outputs map[string][]struct {
			Data []float64 `json:"data"`
		} `json:"outputs"`
	}
	decodeBody(t, rec, &body)
	ys := body.Outputs["y"]
	if len(ys) != 2 || fmt.Sprint(ys[0].Data) != "[2 4 6]" || fmt.Sprint(ys[1].Data) != "[8 10 12]" {
		t.Fatalf("y sequence = %+v", ys)
	}
	if len(runner.seqs) != 1 || len(runner.inputs) != 0 {
		t.Fatalf("runner calls: seqs=%d inputs=%d", len(runner.seqs), len(runner.inputs))
	}
}

func TestRunBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"inputs":`, "invalid JSON"},
		{"both forms", `{"inputs":{"x":{"data":[1,2,3]}},"sequences":{"x":[{"data":[1,2,3]}]}}`, "not both"},
		{"unknown input", `{"inputs":{"z":{"data":[1]}}}`, `"z" is not declared`},
		{"unfittable data", `{"inputs":{"x":{"data":[1,2]}}}`, `input "x"`},
		{"shape mismatch", `{"inputs":{"x":{"shape":[2,3],"data":[1,2,3]}}}`, `input "x"`},
		{"bad sequence element", `{"sequences":{"x":[{"data":[1,2,3]},{"data":[1]}]}}`, "element 1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &stubRunner{}
			rec := post(newTestHandler(runner), tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
			var body map[string]string
			decodeBody(t, rec, &body)
			if !strings.Contains(body["error"], tc.want) {
				t.Fatalf("error = %q, want substring %q", body["error"], tc.want)
			}
			if len(runner.inputs)+len(runner.seqs) != 0 {
				t.Fatal("runner should not be called for a rejected request")
			}
		})
	}
}

func TestRunMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHandler(&stubRunner{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/run", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestRunBodyTooLarge(t *testing.T) {
	h := newTestHandler(&stubRunner{}, WithMaxBodyBytes(16))
	body := `{"inputs":{"x":{"data":[` + strings.Repeat("1,", 64) + `1]}}}`

	rec := post(h, body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestRunErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"inference", fmt.Errorf("%w: Relu exploded", adapter.ErrInference), http.StatusUnprocessableEntity},
		{"closed", adapter.ErrClosed, http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("%w: %w", adapter.ErrInference, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(newTestHandler(&stubRunner{err: tc.err}), `{"inputs":{"x":{"data":[1,2,3]}}}`)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestRunRequestTimeout(t *testing.T) {
	never, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHandler(&stubRunner{blockOn: never}, WithRequestTimeout(20*time.Millisecond))
	rec := post(h, `{"inputs":{"x":{"data":[1,2,3]}}}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestRunLogsCompletion(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := NewHandler(&stubRunner{}, testGraph(), WithLogger(logger))

	if rec := post(h, `{"inputs":{"x":{"data":[1,2,3]}}}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "run complete" || entry["graph"] != "affine" {
		t.Fatalf("log entry = %v", entry)
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatalf("log entry missing duration_ms: %v", entry)
	}
}
