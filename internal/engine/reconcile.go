package engine

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/gyaneshwarpardhi/nodegraph/internal/config"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dag"
)

// Remove deletes a node and re-evaluates the consumers it leaves dangling.
// The node's published outcome is dropped by the run.
func (e *Engine) Remove(id string) (*Run, error) {
	return e.Edit(func(g *dag.Graph) ([]string, error) {
		dangling, err := g.RemoveNode(id)
		if err != nil {
			return nil, err
		}
		return append(dangling, id), nil
	})
}

// Reconcile brings the graph in line with doc and env, then submits what
// changed. A different environment moves every fingerprint, so the whole
// graph is resubmitted. It returns a nil Run when nothing changed.
func (e *Engine) Reconcile(doc config.GraphDoc, env map[string]cty.Value) (*Run, error) {
	before := e.graph.IDs()
	affected, err := dag.Sync(e.graph, doc)
	if err != nil {
		return nil, err
	}

	if !sameEnvironment(*e.env.Load(), env) {
		e.SetEnvironment(env)
		e.log.Info("environment changed, resubmitting graph", "nodes", e.graph.Len())
		return e.SubmitAll(), nil
	}

	for _, id := range before {
		if !e.graph.Has(id) {
			affected = append(affected, id)
		}
	}
	if len(affected) == 0 {
		return nil, nil
	}
	return e.Submit(affected), nil
}

func sameEnvironment(a, b map[string]cty.Value) bool {
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
