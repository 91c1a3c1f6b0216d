package dag

import (
	"sort"
)

// Plan is the evaluation order for a dirty cone: topological batches whose
// members are independent of each other, plus a snapshot of every cone node
// taken under the same lock so the scheduler reads one consistent view.
type Plan struct {
	Batches [][]string
	Nodes   map[string]Node

	position  map[string]int
	consumers map[string][]string
}

// Plan computes the dirty cone of the given ids and orders it.
//
// The cone is found by a breadth-first walk over the consumer index starting
// at the dirty ids. Only the cone is then sorted, counting in-degree over
// cone-internal edges; each batch holds the nodes whose cone-internal
// producers are all in earlier batches, ordered by insertion sequence.
// Ids no longer in the graph are skipped.
func (g *Graph) Plan(dirty []string) *Plan {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cone := make(map[string]struct{})
	queue := make([]string, 0, len(dirty))
	queue = append(queue, dirty...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, in := cone[id]; in {
			continue
		}
		if _, exists := g.nodes[id]; !exists {
			continue
		}
		cone[id] = struct{}{}
		for c := range g.consumers[id] {
			if _, in := cone[c]; !in {
				queue = append(queue, c)
			}
		}
	}

	p := &Plan{
		Nodes:     make(map[string]Node, len(cone)),
		position:  make(map[string]int, len(cone)),
		consumers: make(map[string][]string, len(cone)),
	}
	indeg := make(map[string]int, len(cone))
	var current []string
	for id := range cone {
		n := g.nodes[id]
		p.Nodes[id] = n.clone()
		for _, b := range n.Inputs {
			if _, in := cone[b.Node]; in {
				indeg[id]++
			}
		}
		if indeg[id] == 0 {
			current = append(current, id)
		}
	}

	pos := 0
	for len(current) > 0 {
		g.sortedBySeq(current)
		for _, id := range current {
			p.position[id] = pos
			pos++
		}
		p.Batches = append(p.Batches, current)

		var next []string
		for _, id := range current {
			consumers := g.sortedBySeq(keys(g.consumers[id]))
			for _, c := range consumers {
				if _, in := cone[c]; !in {
					continue
				}
				p.consumers[id] = append(p.consumers[id], c)
				indeg[c] -= g.consumers[id][c]
				if indeg[c] == 0 {
					next = append(next, c)
				}
			}
		}
		current = next
	}
	return p
}

// Len returns the number of nodes in the cone.
func (p *Plan) Len() int { return len(p.Nodes) }

// Contains reports whether id is part of the cone.
func (p *Plan) Contains(id string) bool {
	_, ok := p.Nodes[id]
	return ok
}

// Order flattens the batches.
func (p *Plan) Order() []string {
	out := make([]string, 0, len(p.Nodes))
	for _, b := range p.Batches {
		out = append(out, b...)
	}
	return out
}

// Position returns id's index in Order, or -1.
func (p *Plan) Position(id string) int {
	pos, ok := p.position[id]
	if !ok {
		return -1
	}
	return pos
}

// Consumers returns the cone-internal consumers of id in insertion order.
func (p *Plan) Consumers(id string) []string {
	return p.consumers[id]
}

// Producers returns the distinct cone-internal producers of id.
func (p *Plan) Producers(id string) []string {
	n, ok := p.Nodes[id]
	if !ok {
		return nil
	}
	set := make(map[string]struct{})
	for _, b := range n.Inputs {
		if p.Contains(b.Node) {
			set[b.Node] = struct{}{}
		}
	}
	out := keys(set)
	sort.Slice(out, func(i, j int) bool { return p.position[out[i]] < p.position[out[j]] })
	return out
}
