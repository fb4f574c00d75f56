package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/go-graphrun/internal/graph"
	"github.com/example/go-graphrun/internal/onnx"
)

// Pool serves concurrent callers from a fixed set of adapters built from the
// same graph. Each call holds one adapter exclusively for its duration.
type Pool struct {
	graph *graph.Graph
	all   []*Adapter
	idle  chan *Adapter
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPool constructs size adapters concurrently. If any construction fails
// the adapters already built are closed and the first error is returned.
func NewPool(g *graph.Graph, engine onnx.Engine, opts Options, size int) (*Pool, error) {
	if size < 1 {
		size = 1
	}

	adapters := make([]*Adapter, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for i := range size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adapters[i], errs[i] = New(g, engine, opts)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			continue
		}
		for _, a := range adapters {
			if a != nil {
				_ = a.Close()
			}
		}
		return nil, err
	}

	p := &Pool{
		graph: g,
		all:   adapters,
		idle:  make(chan *Adapter, size),
		done:  make(chan struct{}),
	}
	for _, a := range adapters {
		p.idle <- a
	}
	poolIdle.Add(float64(size))
	return p, nil
}

func (p *Pool) Graph() *graph.Graph { return p.graph }
func (p *Pool) Size() int           { return len(p.all) }

func (p *Pool) InputNames() []string  { return p.all[0].InputNames() }
func (p *Pool) OutputNames() []string { return p.all[0].OutputNames() }

func (p *Pool) acquire(ctx context.Context) (*Adapter, error) {
	start := time.Now()
	defer func() { poolWait.Observe(time.Since(start).Seconds()) }()

	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}

	select {
	case a := <-p.idle:
		poolIdle.Dec()
		return a, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for an idle adapter: %w", ErrInference, ctx.Err())
	}
}

func (p *Pool) release(a *Adapter) {
	poolIdle.Inc()
	p.idle <- a
}

// Run executes the graph once on an idle adapter, waiting for one if all
// are busy.
func (p *Pool) Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	a, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(a)
	return a.Run(ctx, inputs)
}

// RunSequence is Run for tensor sequences.
func (p *Pool) RunSequence(ctx context.Context, inputs map[string][]*onnx.Tensor) (map[string][]*onnx.Tensor, error) {
	a, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(a)
	return a.RunSequence(ctx, inputs)
}

// Close waits for in-flight calls to finish, then closes every adapter.
// Later calls return nil.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	var firstErr error
	for range p.all {
		a := <-p.idle
		poolIdle.Dec()
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
