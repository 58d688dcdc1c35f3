package core

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Invoker runs one action type. Implementations must honor ctx promptly:
// the engine cancels it on timeout, task cancellation, and shutdown.
// Anything written to logw becomes part of the execution's log.
type Invoker interface {
	Invoke(ctx context.Context, spec ActionSpec, ec EvalContext, logw io.Writer) (result string, err error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, spec ActionSpec, ec EvalContext, logw io.Writer) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, spec ActionSpec, ec EvalContext, logw io.Writer) (string, error) {
	return f(ctx, spec, ec, logw)
}

// Registry maps action type tags to their invokers. The tag set is fixed
// at wiring time; invoking an unregistered tag fails the execution.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register binds an action type tag, replacing any previous binding.
func (r *Registry) Register(actionType string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[actionType] = inv
}

// Has reports whether an invoker is registered for the tag.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.invokers[actionType]
	return ok
}

// Types returns the registered action type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.invokers))
	for t := range r.invokers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Invoke dispatches to the invoker registered for the spec's type.
func (r *Registry) Invoke(ctx context.Context, spec ActionSpec, ec EvalContext, logw io.Writer) (string, error) {
	r.mu.RLock()
	inv, ok := r.invokers[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, spec.Type)
	}
	return inv.Invoke(ctx, spec, ec, logw)
}
