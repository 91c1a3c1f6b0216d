package dag

import (
	"github.com/zclconf/go-cty/cty"
)

// Binding names the producer feeding an input port.
type Binding struct {
	Node string `json:"node"`
	Port string `json:"port"`
}

// Node is one computation in the graph. The type tag selects the external
// node definition; params and bindings are the node's own configuration.
type Node struct {
	ID     string
	Type   string
	Params map[string]cty.Value
	Inputs map[string]Binding // input port → producer

	seq uint64
}

// Seq is the node's insertion sequence, used to break ordering ties.
func (n Node) Seq() uint64 { return n.seq }

func (n *Node) clone() Node {
	cp := Node{
		ID:     n.ID,
		Type:   n.Type,
		Params: make(map[string]cty.Value, len(n.Params)),
		Inputs: make(map[string]Binding, len(n.Inputs)),
		seq:    n.seq,
	}
	for k, v := range n.Params {
		cp.Params[k] = v
	}
	for k, v := range n.Inputs {
		cp.Inputs[k] = v
	}
	return cp
}

func copyParams(params map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func paramsEqual(a, b map[string]cty.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.RawEquals(bv) {
			return false
		}
	}
	return true
}
