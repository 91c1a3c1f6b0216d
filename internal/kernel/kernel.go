// Package kernel defines the boundary to the external geometry/slicing kernel.
//
// The core never looks inside a Result: it only stores it, measures it and
// hands its outputs to downstream nodes.
package kernel

import (
	"context"
	"errors"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// ErrCrashed marks an Execute failure after which the session instance must
// not be reused. Sessions wrap it; the dispatcher checks with errors.Is.
var ErrCrashed = errors.New("kernel session crashed")

// Request is the descriptor sent to a kernel session for one node.
type Request struct {
	NodeID string
	Type   string
	Params map[string]cty.Value
	Inputs map[string]cty.Value // consumer port → upstream output value
}

// Result is the payload returned by the kernel.
type Result struct {
	Outputs map[string]cty.Value
	Size    int64 // bytes; EstimateSize is used when the kernel leaves it zero
}

// Output returns a named output value.
func (r Result) Output(port string) (cty.Value, bool) {
	v, ok := r.Outputs[port]
	return v, ok
}

// Session is one instance of the external kernel. Execute is never invoked
// concurrently on the same session.
type Session interface {
	ID() string
	Execute(ctx context.Context, req Request) (Result, error)
	Close() error
}

// Factory constructs a fresh session.
type Factory func(ctx context.Context, id string) (Session, error)

// EstimateSize approximates the payload size of a set of outputs from their
// JSON encoding.
func EstimateSize(outputs map[string]cty.Value) int64 {
	var n int64
	for name, v := range outputs {
		n += int64(len(name))
		if !v.IsWhollyKnown() {
			continue
		}
		b, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			continue
		}
		n += int64(len(b))
	}
	return n
}

// Sized returns r with Size filled in when it was left zero.
func Sized(r Result) Result {
	if r.Size <= 0 {
		r.Size = EstimateSize(r.Outputs)
	}
	return r
}
