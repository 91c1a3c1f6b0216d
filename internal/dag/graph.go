package dag

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/gyaneshwarpardhi/nodegraph/internal/nodedef"
)

// Graph is the node arena keyed by id plus the producer → consumer index.
// Every mutation is validated before it is applied: a rejected edit leaves
// the graph unchanged. Mutations return the ids directly affected by the edit,
// which seed the dependency resolver.
type Graph struct {
	mu        sync.RWMutex
	catalog   nodedef.Catalog
	nodes     map[string]*Node
	consumers map[string]map[string]int // producer id → consumer id → edge count
	nextSeq   uint64
}

// NewGraph allocates an empty Graph resolving node types through catalog.
func NewGraph(catalog nodedef.Catalog) *Graph {
	return &Graph{
		catalog:   catalog,
		nodes:     make(map[string]*Node),
		consumers: make(map[string]map[string]int),
	}
}

// Catalog returns the node definition catalogue.
func (g *Graph) Catalog() nodedef.Catalog { return g.catalog }

// AddNode registers a new node.
func (g *Graph) AddNode(id, typ string, params map[string]cty.Value) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addNode(id, typ, params)
}

func (g *Graph) addNode(id, typ string, params map[string]cty.Value) ([]string, error) {
	if id == "" {
		return nil, fmt.Errorf("add node: id is required")
	}
	if _, exists := g.nodes[id]; exists {
		return nil, fmt.Errorf("add node: %w: %q", ErrDuplicateNode, id)
	}
	if _, ok := g.catalog.Lookup(typ); !ok {
		return nil, fmt.Errorf("add node %s: %w: %q", id, ErrUnknownType, typ)
	}
	if err := validateParams(params); err != nil {
		return nil, fmt.Errorf("add node %s: %w", id, err)
	}
	g.nextSeq++
	g.nodes[id] = &Node{
		ID:     id,
		Type:   typ,
		Params: copyParams(params),
		Inputs: make(map[string]Binding),
		seq:    g.nextSeq,
	}
	return []string{id}, nil
}

// RemoveNode deletes a node and every edge referencing it. It returns the
// consumers left with a dangling input.
func (g *Graph) RemoveNode(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeNode(id)
}

func (g *Graph) removeNode(id string) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("remove node: %w", unknownNode(id))
	}
	for _, b := range n.Inputs {
		g.dropEdge(b.Node, id)
	}
	dangling := g.sortedBySeq(keys(g.consumers[id]))
	for _, c := range dangling {
		cn := g.nodes[c]
		for port, b := range cn.Inputs {
			if b.Node == id {
				delete(cn.Inputs, port)
			}
		}
	}
	delete(g.consumers, id)
	delete(g.nodes, id)
	return dangling, nil
}

// BindInput connects source.sourcePort to node.port, replacing any existing
// binding of that port. It fails with a *CycleError when source is already
// reachable from node, and with a *TypeMismatchError when the port types are
// incompatible.
func (g *Graph) BindInput(node, port, source, sourcePort string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bindInput(node, port, source, sourcePort)
}

func (g *Graph) bindInput(node, port, source, sourcePort string) ([]string, error) {
	cn, ok := g.nodes[node]
	if !ok {
		return nil, fmt.Errorf("bind %s.%s: %w", node, port, unknownNode(node))
	}
	sn, ok := g.nodes[source]
	if !ok {
		return nil, fmt.Errorf("bind %s.%s: %w", node, port, unknownNode(source))
	}
	in, err := g.port(cn, port, true)
	if err != nil {
		return nil, err
	}
	out, err := g.port(sn, sourcePort, false)
	if err != nil {
		return nil, err
	}
	if !nodedef.Compatible(out.Type, in.Type) {
		return nil, &TypeMismatchError{
			Node: node, Port: port, Want: in.Type,
			Source: source, SourcePort: sourcePort, Got: out.Type,
		}
	}
	if path := g.pathLocked(node, source); path != nil {
		return nil, &CycleError{From: source, To: node, Path: path}
	}

	if old, bound := cn.Inputs[port]; bound {
		if old.Node == source && old.Port == sourcePort {
			return nil, nil
		}
		g.dropEdge(old.Node, node)
	}
	cn.Inputs[port] = Binding{Node: source, Port: sourcePort}
	if g.consumers[source] == nil {
		g.consumers[source] = make(map[string]int)
	}
	g.consumers[source][node]++
	return []string{node}, nil
}

// UnbindInput disconnects node.port. Unbinding an unbound port is a no-op.
func (g *Graph) UnbindInput(node, port string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unbindInput(node, port)
}

func (g *Graph) unbindInput(node, port string) ([]string, error) {
	cn, ok := g.nodes[node]
	if !ok {
		return nil, fmt.Errorf("unbind %s.%s: %w", node, port, unknownNode(node))
	}
	if _, err := g.port(cn, port, true); err != nil {
		return nil, err
	}
	old, bound := cn.Inputs[port]
	if !bound {
		return nil, nil
	}
	g.dropEdge(old.Node, node)
	delete(cn.Inputs, port)
	return []string{node}, nil
}

// SetParams replaces a node's params. Setting identical params reports no
// affected nodes.
func (g *Graph) SetParams(node string, params map[string]cty.Value) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setParams(node, params)
}

func (g *Graph) setParams(node string, params map[string]cty.Value) ([]string, error) {
	n, ok := g.nodes[node]
	if !ok {
		return nil, fmt.Errorf("set params: %w", unknownNode(node))
	}
	if err := validateParams(params); err != nil {
		return nil, fmt.Errorf("set params %s: %w", node, err)
	}
	if paramsEqual(n.Params, params) {
		return nil, nil
	}
	n.Params = copyParams(params)
	return []string{node}, nil
}

// TopologicalOrder returns every node with producers before consumers.
// Ties are broken by insertion order.
func (g *Graph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indeg := make(map[string]int, len(g.nodes))
	ready := &seqHeap{}
	for id, n := range g.nodes {
		indeg[id] = len(n.Inputs)
		if indeg[id] == 0 {
			heap.Push(ready, n)
		}
	}
	order := make([]string, 0, len(g.nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(*Node)
		order = append(order, n.ID)
		for c, cnt := range g.consumers[n.ID] {
			indeg[c] -= cnt
			if indeg[c] == 0 {
				heap.Push(ready, g.nodes[c])
			}
		}
	}
	return order
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// IDs returns every node id in insertion order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedBySeq(keys(g.nodes))
}

// Consumers returns the direct consumers of id in insertion order.
func (g *Graph) Consumers(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedBySeq(keys(g.consumers[id]))
}

// Producers returns the distinct nodes feeding id in insertion order.
func (g *Graph) Producers(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	set := make(map[string]struct{}, len(n.Inputs))
	for _, b := range n.Inputs {
		set[b.Node] = struct{}{}
	}
	return g.sortedBySeq(keys(set))
}

// MissingInputs lists required input ports of id that are neither bound nor
// defaulted.
func (g *Graph) MissingInputs(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, unknownNode(id)
	}
	def, ok := g.catalog.Lookup(n.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, n.Type)
	}
	return MissingInputs(def, n.Inputs), nil
}

// MissingInputs lists required ports of def not covered by bindings or defaults.
func MissingInputs(def nodedef.Definition, bound map[string]Binding) []string {
	var missing []string
	for _, p := range def.Inputs() {
		if _, ok := bound[p.Name]; ok {
			continue
		}
		if p.Required && !p.HasDefault() {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

func (g *Graph) port(n *Node, name string, input bool) (nodedef.Port, error) {
	def, ok := g.catalog.Lookup(n.Type)
	if !ok {
		return nodedef.Port{}, fmt.Errorf("node %s: %w: %q", n.ID, ErrUnknownType, n.Type)
	}
	var (
		p     nodedef.Port
		found bool
		kind  = "output"
	)
	if input {
		p, found = nodedef.Input(def, name)
		kind = "input"
	} else {
		p, found = nodedef.Output(def, name)
	}
	if !found {
		return nodedef.Port{}, fmt.Errorf("node %s (%s): %w: %s %q", n.ID, n.Type, ErrUnknownPort, kind, name)
	}
	return p, nil
}

// pathLocked returns a consumer-edge path from → … → to, or nil.
func (g *Graph) pathLocked(from, to string) []string {
	if from == to {
		return []string{from}
	}
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range g.sortedBySeq(keys(g.consumers[cur])) {
			if _, seen := parent[c]; seen {
				continue
			}
			parent[c] = cur
			if c == to {
				var path []string
				for at := to; at != ""; at = parent[at] {
					path = append(path, at)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			queue = append(queue, c)
		}
	}
	return nil
}

func (g *Graph) dropEdge(producer, consumer string) {
	m := g.consumers[producer]
	if m == nil {
		return
	}
	m[consumer]--
	if m[consumer] <= 0 {
		delete(m, consumer)
	}
	if len(m) == 0 {
		delete(g.consumers, producer)
	}
}

func (g *Graph) sortedBySeq(ids []string) []string {
	sort.Slice(ids, func(i, j int) bool {
		return g.nodes[ids[i]].seq < g.nodes[ids[j]].seq
	})
	return ids
}

func validateParams(params map[string]cty.Value) error {
	for k, v := range params {
		if v.Type() == cty.NilType {
			return fmt.Errorf("%w: %s has no value", ErrInvalidParams, k)
		}
		if !v.IsWhollyKnown() {
			return fmt.Errorf("%w: %s is not known", ErrInvalidParams, k)
		}
	}
	return nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// seqHeap orders nodes by insertion sequence.
type seqHeap []*Node

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)        { *h = append(*h, x.(*Node)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}
