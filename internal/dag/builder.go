package dag

import (
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/gyaneshwarpardhi/nodegraph/internal/config"
	"github.com/gyaneshwarpardhi/nodegraph/internal/nodedef"
)

// Build constructs a fresh Graph from a graph document. Nodes are added in
// document order and then bound, so bindings may reference nodes declared
// later in the document.
func Build(doc config.GraphDoc, catalog nodedef.Catalog) (*Graph, error) {
	if err := config.ValidateGraph(doc); err != nil {
		return nil, err
	}
	g := NewGraph(catalog)
	for _, nd := range doc.Nodes {
		params, err := config.ParamsToCty(nd.Params)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nd.ID, err)
		}
		if _, err := g.AddNode(nd.ID, nd.Type, params); err != nil {
			return nil, err
		}
	}
	for _, nd := range doc.Nodes {
		for _, port := range sortedPorts(nd.Inputs) {
			ref := nd.Inputs[port]
			if _, err := g.BindInput(nd.ID, port, ref.Node, ref.Port); err != nil {
				return nil, fmt.Errorf("node %s: %w", nd.ID, err)
			}
		}
	}
	return g, nil
}

// Sync reconciles a live graph with a document and returns the ids whose
// evaluation is affected, in insertion order. The document is first built on
// a scratch graph; if that fails the live graph is left untouched.
//
// Edits are applied under one write lock: removals, additions and param
// changes, then every unbind, then every bind. Binding last means each
// intermediate edge set is a subset of the validated final one.
func Sync(g *Graph, doc config.GraphDoc) ([]string, error) {
	if _, err := Build(doc, g.catalog); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	affected := make(map[string]struct{})
	mark := func(ids []string) {
		for _, id := range ids {
			affected[id] = struct{}{}
		}
	}

	desired := make(map[string]config.NodeDoc, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		desired[nd.ID] = nd
	}
	for _, id := range g.sortedBySeq(keys(g.nodes)) {
		if _, keep := desired[id]; keep {
			continue
		}
		dangling, err := g.removeNode(id)
		if err != nil {
			return nil, fmt.Errorf("sync: %w", err)
		}
		mark(dangling)
	}

	for _, nd := range doc.Nodes {
		params, err := config.ParamsToCty(nd.Params)
		if err != nil {
			return nil, fmt.Errorf("sync: node %s: %w", nd.ID, err)
		}
		ids, err := g.syncNode(nd, params)
		if err != nil {
			return nil, fmt.Errorf("sync: %w", err)
		}
		mark(ids)
	}

	for _, nd := range doc.Nodes {
		n := g.nodes[nd.ID]
		for _, port := range sortedPorts(n.Inputs) {
			want, ok := nd.Inputs[port]
			if ok && n.Inputs[port] == (Binding{Node: want.Node, Port: want.Port}) {
				continue
			}
			ids, err := g.unbindInput(nd.ID, port)
			if err != nil {
				return nil, fmt.Errorf("sync: %w", err)
			}
			mark(ids)
		}
	}

	for _, nd := range doc.Nodes {
		for _, port := range sortedPorts(nd.Inputs) {
			ref := nd.Inputs[port]
			ids, err := g.bindInput(nd.ID, port, ref.Node, ref.Port)
			if err != nil {
				return nil, fmt.Errorf("sync: node %s: %w", nd.ID, err)
			}
			mark(ids)
		}
	}

	out := make([]string, 0, len(affected))
	for id := range affected {
		if _, ok := g.nodes[id]; ok {
			out = append(out, id)
		}
	}
	return g.sortedBySeq(out), nil
}

// syncNode adds a missing node, replaces one whose type changed, or updates
// params in place.
func (g *Graph) syncNode(nd config.NodeDoc, params map[string]cty.Value) ([]string, error) {
	n, exists := g.nodes[nd.ID]
	switch {
	case !exists:
		return g.addNode(nd.ID, nd.Type, params)
	case n.Type != nd.Type:
		dangling, err := g.removeNode(nd.ID)
		if err != nil {
			return nil, err
		}
		added, err := g.addNode(nd.ID, nd.Type, params)
		if err != nil {
			return nil, err
		}
		return append(added, dangling...), nil
	default:
		return g.setParams(nd.ID, params)
	}
}

func sortedPorts[V any](m map[string]V) []string {
	out := keys(m)
	sort.Strings(out)
	return out
}
