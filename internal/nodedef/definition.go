// Package nodedef describes node types at the boundary the evaluation core
// needs: port schema, parameter defaults, cacheability and a call-through to
// the kernel. The catalogue of concrete node types lives outside the core.
package nodedef

import (
	"context"
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
)

// Port is a typed input or output slot on a node type.
type Port struct {
	Name     string
	Type     cty.Type
	Required bool
	Default  *cty.Value
}

// HasDefault reports whether an unbound input can fall back to Default.
func (p Port) HasDefault() bool {
	return p.Default != nil
}

// Definition is the contract every node type satisfies.
type Definition interface {
	// Type returns the type tag nodes use to select this definition.
	Type() string
	Inputs() []Port
	Outputs() []Port
	// Defaults returns parameter defaults merged under node params.
	Defaults() map[string]cty.Value
	// Cacheable is false for types whose result depends on state that is not
	// part of their params or inputs.
	Cacheable() bool
	// Evaluate runs the node on the given kernel session.
	Evaluate(ctx context.Context, s kernel.Session, req kernel.Request) (kernel.Result, error)
}

// Spec is a declarative Definition that forwards evaluation to the kernel.
type Spec struct {
	Name     string
	In       []Port
	Out      []Port
	Params   map[string]cty.Value
	Volatile bool
}

func (s *Spec) Type() string                   { return s.Name }
func (s *Spec) Inputs() []Port                 { return s.In }
func (s *Spec) Outputs() []Port                { return s.Out }
func (s *Spec) Defaults() map[string]cty.Value { return s.Params }
func (s *Spec) Cacheable() bool                { return !s.Volatile }

// Evaluate calls the kernel and checks the result against the output schema.
func (s *Spec) Evaluate(ctx context.Context, sess kernel.Session, req kernel.Request) (kernel.Result, error) {
	res, err := sess.Execute(ctx, req)
	if err != nil {
		return kernel.Result{}, err
	}
	outputs := make(map[string]cty.Value, len(res.Outputs))
	for k, v := range res.Outputs {
		outputs[k] = v
	}
	for _, p := range s.Out {
		v, ok := outputs[p.Name]
		if !ok {
			return kernel.Result{}, fmt.Errorf("%s: kernel result missing output %q", s.Name, p.Name)
		}
		if p.Type.Equals(cty.DynamicPseudoType) || v.Type().Equals(p.Type) {
			continue
		}
		cv, err := convert.Convert(v, p.Type)
		if err != nil {
			return kernel.Result{}, fmt.Errorf("%s: output %q: %w", s.Name, p.Name, err)
		}
		outputs[p.Name] = cv
	}
	res.Outputs = outputs
	return res, nil
}

// Input looks up an input port by name.
func Input(d Definition, name string) (Port, bool) {
	return findPort(d.Inputs(), name)
}

// Output looks up an output port by name.
func Output(d Definition, name string) (Port, bool) {
	return findPort(d.Outputs(), name)
}

func findPort(ports []Port, name string) (Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Compatible reports whether a value of type out can feed an input of type in.
func Compatible(out, in cty.Type) bool {
	if in.Equals(cty.DynamicPseudoType) || out.Equals(cty.DynamicPseudoType) {
		return true
	}
	if out.Equals(in) {
		return true
	}
	return convert.GetConversion(out, in) != nil
}

// ResolveParams merges node params over the definition's defaults.
func ResolveParams(d Definition, params map[string]cty.Value) map[string]cty.Value {
	defaults := d.Defaults()
	out := make(map[string]cty.Value, len(defaults)+len(params))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}
