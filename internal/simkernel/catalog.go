package simkernel

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/gyaneshwarpardhi/nodegraph/internal/nodedef"
)

// Catalog returns the definitions of the node types the simulated kernel
// understands.
func Catalog() *nodedef.Registry {
	zero := cty.NumberIntVal(0)
	r := nodedef.NewRegistry()
	r.Register(&nodedef.Spec{
		Name:   "number",
		Out:    []nodedef.Port{{Name: "out", Type: cty.Number}},
		Params: map[string]cty.Value{"value": zero},
	})
	r.Register(&nodedef.Spec{
		Name: "add",
		In: []nodedef.Port{
			{Name: "a", Type: cty.Number, Required: true},
			{Name: "b", Type: cty.Number, Required: true, Default: &zero},
		},
		Out: []nodedef.Port{{Name: "out", Type: cty.Number}},
	})
	r.Register(&nodedef.Spec{
		Name:   "scale",
		In:     []nodedef.Port{{Name: "in", Type: cty.Number, Required: true}},
		Out:    []nodedef.Port{{Name: "out", Type: cty.Number}},
		Params: map[string]cty.Value{"factor": cty.NumberIntVal(1)},
	})
	r.Register(&nodedef.Spec{
		Name:   "sum",
		In:     []nodedef.Port{{Name: "in", Type: cty.Number}},
		Out:    []nodedef.Port{{Name: "out", Type: cty.Number}},
		Params: map[string]cty.Value{"values": cty.EmptyTupleVal},
	})
	r.Register(&nodedef.Spec{
		Name:     "clock",
		Out:      []nodedef.Port{{Name: "out", Type: cty.Number}},
		Volatile: true,
	})
	return r
}
