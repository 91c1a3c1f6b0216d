package api

import (
	"encoding/json"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/gyaneshwarpardhi/nodegraph/internal/dag"
	"github.com/gyaneshwarpardhi/nodegraph/internal/event"
)

type nodeView struct {
	ID      string                     `json:"id"`
	Type    string                     `json:"type"`
	Seq     uint64                     `json:"seq"`
	Params  map[string]json.RawMessage `json:"params,omitempty"`
	Inputs  map[string]dag.Binding     `json:"inputs,omitempty"`
	Outcome *outcomeView               `json:"outcome,omitempty"`
}

type outcomeView struct {
	Status      event.Status               `json:"status"`
	Epoch       uint64                     `json:"epoch"`
	Fingerprint string                     `json:"fingerprint,omitempty"`
	FromCache   bool                       `json:"from_cache,omitempty"`
	BlockedBy   string                     `json:"blocked_by,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Outputs     map[string]json.RawMessage `json:"outputs,omitempty"`
}

type summaryView struct {
	RunID       string                  `json:"run_id"`
	Epoch       uint64                  `json:"epoch"`
	State       event.RunState          `json:"state"`
	Error       string                  `json:"error,omitempty"`
	Order       []string                `json:"order"`
	Unchanged   []string                `json:"unchanged"`
	Counts      map[string]int          `json:"counts"`
	KernelCalls int                     `json:"kernel_calls"`
	CacheHits   int                     `json:"cache_hits"`
	Joined      int                     `json:"joined"`
	DurationMs  int64                   `json:"duration_ms"`
	Nodes       map[string]*outcomeView `json:"nodes"`
}

func newNodeView(n dag.Node) nodeView {
	v := nodeView{ID: n.ID, Type: n.Type, Seq: n.Seq(), Params: jsonValues(n.Params)}
	if len(n.Inputs) > 0 {
		v.Inputs = n.Inputs
	}
	return v
}

func newOutcomeView(o event.Outcome) *outcomeView {
	v := &outcomeView{
		Status:    o.Status,
		Epoch:     o.Epoch,
		FromCache: o.FromCache,
		BlockedBy: o.BlockedBy,
		Outputs:   jsonValues(o.Result.Outputs),
	}
	if !o.Fingerprint.IsZero() {
		v.Fingerprint = o.Fingerprint.String()
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

func newSummaryView(s *event.Summary) summaryView {
	v := summaryView{
		RunID:       s.RunID,
		Epoch:       s.Epoch,
		State:       s.State,
		Order:       s.Order,
		Unchanged:   s.Unchanged,
		Counts:      make(map[string]int),
		KernelCalls: s.KernelCalls,
		CacheHits:   s.CacheHits,
		Joined:      s.Joined,
		DurationMs:  s.Duration().Milliseconds(),
		Nodes:       make(map[string]*outcomeView, len(s.Nodes)),
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	for id, o := range s.Nodes {
		v.Counts[o.Status.String()]++
		v.Nodes[id] = newOutcomeView(o)
	}
	return v
}

// jsonValues renders cty values as plain JSON, dropping any that cannot be.
func jsonValues(m map[string]cty.Value) map[string]json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		b, err := ctyjson.SimpleJSONValue{Value: v}.MarshalJSON()
		if err != nil {
			continue
		}
		out[k] = b
	}
	return out
}
