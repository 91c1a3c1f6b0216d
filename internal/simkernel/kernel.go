// Package simkernel is an in-process stand-in for the external kernel. It
// evaluates a handful of arithmetic node types deterministically and lets
// callers inject latency and faults.
package simkernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
)

// ErrUnknownType is returned for requests naming a type the kernel lacks.
var ErrUnknownType = errors.New("simkernel: unknown node type")

// Hook runs before every evaluation. A non-nil error is returned from
// Execute as is; wrap kernel.ErrCrashed to simulate a dead instance, or block
// on ctx to simulate a hang.
type Hook func(ctx context.Context, session string, req kernel.Request) error

// Option configures a Kernel.
type Option func(*Kernel)

// WithLatency delays every evaluation.
func WithLatency(d time.Duration) Option {
	return func(k *Kernel) { k.latency = d }
}

// WithHook installs a fault injection hook.
func WithHook(h Hook) Option {
	return func(k *Kernel) { k.hook = h }
}

// Kernel counts calls and sessions across all the instances it creates.
type Kernel struct {
	latency time.Duration
	hook    Hook

	mu       sync.Mutex
	calls    map[string]int // node id → Execute calls
	sessions int
	closed   int

	total atomic.Int64
	clock atomic.Int64
}

// New creates a Kernel.
func New(opts ...Option) *Kernel {
	k := &Kernel{calls: make(map[string]int)}
	for _, o := range opts {
		o(k)
	}
	return k
}

// SetHook replaces the fault injection hook.
func (k *Kernel) SetHook(h Hook) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hook = h
}

// Factory returns a kernel.Factory producing sessions of this kernel.
func (k *Kernel) Factory() kernel.Factory {
	return func(_ context.Context, id string) (kernel.Session, error) {
		k.mu.Lock()
		k.sessions++
		k.mu.Unlock()
		return &session{k: k, id: id}, nil
	}
}

// Calls returns how often the node was sent to the kernel.
func (k *Kernel) Calls(node string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[node]
}

// TotalCalls returns the number of Execute calls across all nodes.
func (k *Kernel) TotalCalls() int { return int(k.total.Load()) }

// SessionsCreated returns how many sessions the factory produced.
func (k *Kernel) SessionsCreated() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sessions
}

// SessionsClosed returns how many sessions were closed.
func (k *Kernel) SessionsClosed() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

// ResetCalls clears the call counters.
func (k *Kernel) ResetCalls() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = make(map[string]int)
	k.total.Store(0)
}

type session struct {
	k      *Kernel
	id     string
	closed atomic.Bool
}

func (s *session) ID() string { return s.id }

func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.k.mu.Lock()
	s.k.closed++
	s.k.mu.Unlock()
	return nil
}

func (s *session) Execute(ctx context.Context, req kernel.Request) (kernel.Result, error) {
	if s.closed.Load() {
		return kernel.Result{}, fmt.Errorf("session %s closed: %w", s.id, kernel.ErrCrashed)
	}
	k := s.k
	k.mu.Lock()
	k.calls[req.NodeID]++
	hook := k.hook
	k.mu.Unlock()
	k.total.Add(1)

	if hook != nil {
		if err := hook(ctx, s.id, req); err != nil {
			return kernel.Result{}, err
		}
	}
	if k.latency > 0 {
		t := time.NewTimer(k.latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return kernel.Result{}, ctx.Err()
		}
	}

	out, err := k.evaluate(req)
	if err != nil {
		return kernel.Result{}, fmt.Errorf("%s (%s): %w", req.NodeID, req.Type, err)
	}
	return kernel.Sized(kernel.Result{Outputs: map[string]cty.Value{"out": out}}), nil
}

func (k *Kernel) evaluate(req kernel.Request) (cty.Value, error) {
	switch req.Type {
	case "number":
		return number(req.Params["value"], "value")
	case "add":
		a, err := number(req.Inputs["a"], "a")
		if err != nil {
			return cty.NilVal, err
		}
		b, err := number(req.Inputs["b"], "b")
		if err != nil {
			return cty.NilVal, err
		}
		return a.Add(b), nil
	case "scale":
		in, err := number(req.Inputs["in"], "in")
		if err != nil {
			return cty.NilVal, err
		}
		f, err := number(req.Params["factor"], "factor")
		if err != nil {
			return cty.NilVal, err
		}
		return in.Multiply(f), nil
	case "sum":
		total := cty.NumberIntVal(0)
		if v, ok := req.Inputs["in"]; ok {
			in, err := number(v, "in")
			if err != nil {
				return cty.NilVal, err
			}
			total = total.Add(in)
		}
		values := req.Params["values"]
		if values.IsNull() || !values.CanIterateElements() {
			return total, nil
		}
		for it := values.ElementIterator(); it.Next(); {
			idx, ev := it.Element()
			n, err := number(ev, fmt.Sprintf("values[%s]", idx.GoString()))
			if err != nil {
				return cty.NilVal, err
			}
			total = total.Add(n)
		}
		return total, nil
	case "clock":
		return cty.NumberIntVal(k.clock.Add(1)), nil
	default:
		return cty.NilVal, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
}

func number(v cty.Value, name string) (cty.Value, error) {
	if v.Type() == cty.NilType || v.IsNull() {
		return cty.NilVal, fmt.Errorf("%s is not set", name)
	}
	n, err := convert.Convert(v, cty.Number)
	if err != nil {
		return cty.NilVal, fmt.Errorf("%s: %w", name, err)
	}
	if !n.IsKnown() {
		return cty.NilVal, fmt.Errorf("%s is not known", name)
	}
	return n, nil
}
