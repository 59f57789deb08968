package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps operation types to their processors.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu         sync.RWMutex
	processors map[OperationType]Processor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[OperationType]Processor)}
}

// Register adds a processor. Panics on duplicate type to surface misconfiguration early.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[p.Type()]; exists {
		panic(fmt.Sprintf("processor registry: duplicate type %q", p.Type()))
	}
	r.processors[p.Type()] = p
}

// Get returns the processor for t, wrapping ErrNoProcessor when absent.
func (r *Registry) Get(t OperationType) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[t]
	if !ok {
		return nil, fmt.Errorf("%w for operation type %q", ErrNoProcessor, t)
	}
	return p, nil
}

// Types returns all registered operation types, sorted.
func (r *Registry) Types() []OperationType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OperationType, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type funcProcessor struct {
	typ OperationType
	fn  func(context.Context, *Operation) (*Result, error)
}

// ProcessorFunc adapts a plain function to Processor.
func ProcessorFunc(t OperationType, fn func(ctx context.Context, op *Operation) (*Result, error)) Processor {
	return funcProcessor{typ: t, fn: fn}
}

func (f funcProcessor) Type() OperationType { return f.typ }

func (f funcProcessor) Execute(ctx context.Context, op *Operation) (*Result, error) {
	return f.fn(ctx, op)
}
