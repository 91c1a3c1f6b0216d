package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/gyaneshwarpardhi/nodegraph/internal/cache"
	"github.com/gyaneshwarpardhi/nodegraph/internal/config"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dag"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dispatch"
	"github.com/gyaneshwarpardhi/nodegraph/internal/engine"
	"github.com/gyaneshwarpardhi/nodegraph/internal/event"
	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
	"github.com/gyaneshwarpardhi/nodegraph/internal/nodedef"
	"github.com/gyaneshwarpardhi/nodegraph/internal/simkernel"
)

type harness struct {
	k *simkernel.Kernel
	g *dag.Graph
	c *cache.Cache
	d *dispatch.Dispatcher
	e *engine.Engine
}

func newHarness(t *testing.T, cfg dispatch.Config, opts ...simkernel.Option) *harness {
	t.Helper()
	if cfg.Sessions == 0 {
		cfg.Sessions = 2
	}
	k := simkernel.New(opts...)
	cat := simkernel.Catalog()
	g := dag.NewGraph(cat)
	c := cache.New(0)
	d, err := dispatch.New(context.Background(), nodedef.Bridge(cat, k.Factory()), cfg)
	require.NoError(t, err)
	e := engine.New(g, c, d, nil, engine.Config{BackpressureRetry: 2 * time.Millisecond})
	t.Cleanup(func() {
		e.Shutdown()
		d.Close()
	})
	return &harness{k: k, g: g, c: c, d: d, e: e}
}

func (h *harness) add(t *testing.T, id, typ string, params map[string]cty.Value) {
	t.Helper()
	_, err := h.g.AddNode(id, typ, params)
	require.NoError(t, err)
}

func (h *harness) bind(t *testing.T, node, port, source string) {
	t.Helper()
	_, err := h.g.BindInput(node, port, source, "out")
	require.NoError(t, err)
}

// chain builds p → q → r plus an independent s.
func (h *harness) chain(t *testing.T) {
	t.Helper()
	h.add(t, "p", "number", map[string]cty.Value{"value": cty.NumberIntVal(1)})
	h.add(t, "q", "scale", map[string]cty.Value{"factor": cty.NumberIntVal(2)})
	h.add(t, "r", "scale", map[string]cty.Value{"factor": cty.NumberIntVal(3)})
	h.add(t, "s", "number", map[string]cty.Value{"value": cty.NumberIntVal(7)})
	h.bind(t, "q", "in", "p")
	h.bind(t, "r", "in", "q")
}

func wait(t *testing.T, r *engine.Run) (*event.Summary, error) {
	t.Helper()
	require.NotNil(t, r)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := r.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run %d never settled", r.Epoch)
	return s, err
}

func settle(t *testing.T, r *engine.Run) *event.Summary {
	t.Helper()
	s, err := wait(t, r)
	require.NoError(t, err)
	return s
}

func value(t *testing.T, o event.Outcome) int64 {
	t.Helper()
	require.Equal(t, event.Resolved, o.Status, "node %s: %v", o.Node, o.Err)
	v, ok := o.Result.Output("out")
	require.True(t, ok)
	n, _ := v.AsBigFloat().Int64()
	return n
}

func setValue(id string, v int64) func(*dag.Graph) ([]string, error) {
	return func(g *dag.Graph) ([]string, error) {
		return g.SetParams(id, map[string]cty.Value{"value": cty.NumberIntVal(v)})
	}
}

func TestEngine_ChainScenario(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	h.chain(t)

	first := settle(t, h.e.SubmitAll())
	assert.Equal(t, event.Completed, first.State)
	for _, id := range []string{"p", "q", "r", "s"} {
		assert.Equal(t, 1, h.k.Calls(id), id)
	}
	assert.Equal(t, int64(6), value(t, first.Nodes["r"]))

	run, err := h.e.Edit(setValue("p", 5))
	require.NoError(t, err)
	s := settle(t, run)

	assert.Equal(t, event.Completed, s.State)
	assert.Equal(t, []string{"p", "q", "r"}, s.Order)
	assert.Equal(t, []string{"s"}, s.Unchanged)
	assert.Equal(t, 3, s.KernelCalls)
	for _, id := range []string{"p", "q", "r"} {
		assert.Equal(t, 2, h.k.Calls(id), id)
	}
	assert.Equal(t, 1, h.k.Calls("s"), "s is outside the dirty cone")
	assert.Equal(t, int64(10), value(t, s.Nodes["q"]))
	assert.Equal(t, int64(30), value(t, s.Nodes["r"]))

	o, ok := h.e.Outcome("r")
	require.True(t, ok)
	assert.Equal(t, s.Epoch, o.Epoch)
	assert.Equal(t, engine.Idle, h.e.State())
	assert.Same(t, s, h.e.Latest())
}

func TestEngine_DeterministicResubmit(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	h.chain(t)

	a := settle(t, h.e.SubmitAll())
	b := settle(t, h.e.SubmitAll())

	assert.Equal(t, 0, b.KernelCalls)
	assert.Equal(t, 4, b.CacheHits)
	assert.Equal(t, 4, h.k.TotalCalls())
	for id, o := range b.Nodes {
		assert.True(t, o.FromCache, id)
		assert.Equal(t, a.Nodes[id].Fingerprint, o.Fingerprint, id)
		assert.Equal(t, value(t, a.Nodes[id]), value(t, o), id)
	}
	assert.Greater(t, b.Epoch, a.Epoch)
}

func TestEngine_MinimalRecompute(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	h.chain(t)
	settle(t, h.e.SubmitAll())

	run, err := h.e.Edit(setValue("p", 5))
	require.NoError(t, err)
	settle(t, run)
	h.k.ResetCalls()

	// Going back to a configuration already seen costs no kernel calls.
	run, err = h.e.Edit(setValue("p", 1))
	require.NoError(t, err)
	s := settle(t, run)
	assert.Equal(t, 0, h.k.TotalCalls())
	assert.Equal(t, 3, s.CacheHits)
	assert.Equal(t, int64(6), value(t, s.Nodes["r"]))

	// Identical params are not an edit at all.
	run, err = h.e.Edit(setValue("p", 1))
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestEngine_FailureBlocksConsumers(t *testing.T) {
	boom := errors.New("self-intersecting profile")
	h := newHarness(t, dispatch.Config{}, simkernel.WithHook(func(_ context.Context, _ string, req kernel.Request) error {
		if req.NodeID == "bad" {
			return boom
		}
		return nil
	}))
	h.add(t, "a", "number", map[string]cty.Value{"value": cty.NumberIntVal(2)})
	h.add(t, "bad", "scale", nil)
	h.add(t, "after", "scale", nil)
	h.add(t, "last", "scale", nil)
	h.add(t, "sibling", "scale", map[string]cty.Value{"factor": cty.NumberIntVal(4)})
	h.bind(t, "bad", "in", "a")
	h.bind(t, "after", "in", "bad")
	h.bind(t, "last", "in", "after")
	h.bind(t, "sibling", "in", "a")

	s := settle(t, h.e.SubmitAll())
	assert.Equal(t, event.Completed, s.State)

	bad := s.Nodes["bad"]
	assert.Equal(t, event.Failed, bad.Status)
	assert.ErrorIs(t, bad.Err, boom)
	var ke *dispatch.KernelError
	assert.True(t, errors.As(bad.Err, &ke))

	for _, id := range []string{"after", "last"} {
		o := s.Nodes[id]
		assert.Equal(t, event.Blocked, o.Status, id)
		assert.Equal(t, "bad", o.BlockedBy, id)
		assert.ErrorIs(t, o.Err, engine.ErrUpstream)
	}
	assert.Equal(t, int64(8), value(t, s.Nodes["sibling"]))
	assert.Equal(t, 0, h.k.Calls("after"))
	assert.Equal(t, 1, s.Count(event.Failed))
	assert.Equal(t, 2, s.Count(event.Blocked))
}

func TestEngine_MissingInput(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	h.chain(t)
	settle(t, h.e.SubmitAll())

	run, err := h.e.Remove("p")
	require.NoError(t, err)
	s := settle(t, run)

	q := s.Nodes["q"]
	assert.Equal(t, event.Failed, q.Status)
	assert.ErrorIs(t, q.Err, engine.ErrMissingInput)
	assert.Equal(t, event.Blocked, s.Nodes["r"].Status)
	assert.Equal(t, "q", s.Nodes["r"].BlockedBy)

	_, ok := h.e.Outcome("p")
	assert.False(t, ok, "removed nodes have no outcome")
}

func TestEngine_UpstreamOutsideConeUnresolved(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	h.chain(t)

	s := settle(t, h.e.Submit([]string{"q"}))
	q := s.Nodes["q"]
	assert.Equal(t, event.Blocked, q.Status)
	assert.Equal(t, "p", q.BlockedBy)
	assert.ErrorIs(t, q.Err, engine.ErrUpstream)
	assert.Equal(t, "p", s.Nodes["r"].BlockedBy)
	assert.Equal(t, 0, h.k.TotalCalls())
}

func TestEngine_CoalescesIdenticalNodes(t *testing.T) {
	h := newHarness(t, dispatch.Config{}, simkernel.WithLatency(5*time.Millisecond))
	h.add(t, "n1", "number", map[string]cty.Value{"value": cty.NumberIntVal(3)})
	h.add(t, "n2", "number", map[string]cty.Value{"value": cty.NumberIntVal(3)})

	s := settle(t, h.e.SubmitAll())
	assert.Equal(t, 1, h.k.Calls("n1")+h.k.Calls("n2"))
	assert.Equal(t, 1, s.Joined+s.CacheHits)
	assert.Equal(t, s.Nodes["n1"].Fingerprint, s.Nodes["n2"].Fingerprint)
	assert.Equal(t, int64(3), value(t, s.Nodes["n2"]))
}

func TestEngine_NonCacheableAlwaysRuns(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	h.add(t, "clk", "clock", nil)
	h.add(t, "twice", "scale", map[string]cty.Value{"factor": cty.NumberIntVal(2)})
	h.add(t, "other", "number", nil)
	h.bind(t, "twice", "in", "clk")

	a := settle(t, h.e.SubmitAll())
	b := settle(t, h.e.SubmitAll())
	assert.Equal(t, 2, h.k.Calls("clk"))
	assert.Equal(t, 2, h.k.Calls("twice"))
	assert.NotEqual(t, a.Nodes["clk"].Fingerprint, b.Nodes["clk"].Fingerprint)
	assert.Equal(t, 2*value(t, b.Nodes["clk"]), value(t, b.Nodes["twice"]))

	settle(t, h.e.Submit([]string{"other"}))
	assert.Equal(t, 2, h.k.Calls("clk"), "outside the cone nothing reruns")
}

// gate blocks kernel calls for one node until released.
type gate struct {
	node    string
	entered chan struct{}
	release chan struct{}
}

func newGate(node string) *gate {
	return &gate{node: node, entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) hook(ctx context.Context, _ string, req kernel.Request) error {
	if req.NodeID != g.node {
		return nil
	}
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestEngine_EpochSupersession(t *testing.T) {
	g := newGate("q")
	h := newHarness(t, dispatch.Config{Sessions: 2}, simkernel.WithHook(g.hook))
	h.chain(t)
	events, cancel := h.e.Subscribe()
	defer cancel()

	first := h.e.SubmitAll()
	<-g.entered

	second, err := h.e.Edit(setValue("p", 5))
	require.NoError(t, err)
	close(g.release)

	s1, err := wait(t, first)
	require.NoError(t, err)
	s2 := settle(t, second)

	assert.Equal(t, event.Superseded, s1.State)
	assert.Equal(t, event.Completed, s2.State)
	assert.Equal(t, first.Epoch+1, second.Epoch)
	assert.Equal(t, second.Epoch, h.e.Epoch())
	assert.Contains(t, s2.Order, "r", "unsettled nodes of the superseded run are folded in")
	assert.Equal(t, int64(30), value(t, s2.Nodes["r"]))

	for _, id := range []string{"p", "q", "r", "s"} {
		o, ok := h.e.Outcome(id)
		require.True(t, ok, id)
		assert.Equal(t, event.Resolved, o.Status, id)
	}
	o, _ := h.e.Outcome("r")
	assert.Equal(t, second.Epoch, o.Epoch)

	// The superseded q finishes and is cached under its own fingerprint.
	stale := s1.Nodes["q"].Fingerprint
	require.False(t, stale.IsZero())
	require.Eventually(t, func() bool {
		_, ok := h.c.Get(stale)
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	// Once the new epoch publishes, the old one never does again.
	newer := false
	for {
		select {
		case ev := <-events:
			if ev.Transition == nil {
				continue
			}
			if ev.Transition.Epoch == second.Epoch {
				newer = true
			} else if newer {
				t.Fatalf("epoch %d published %s after epoch %d started", ev.Transition.Epoch, ev.Transition.Node, second.Epoch)
			}
			continue
		default:
		}
		break
	}
	assert.True(t, newer)
}

func TestEngine_BackpressureThrottles(t *testing.T) {
	h := newHarness(t, dispatch.Config{Sessions: 1, QueueDepth: 1}, simkernel.WithLatency(2*time.Millisecond))
	for i := 0; i < 8; i++ {
		h.add(t, fmt.Sprintf("n%d", i), "number", map[string]cty.Value{"value": cty.NumberIntVal(int64(i))})
	}
	s := settle(t, h.e.SubmitAll())
	assert.Equal(t, event.Completed, s.State)
	assert.Equal(t, 8, s.Count(event.Resolved))
	assert.Equal(t, 8, s.KernelCalls)
	for i := 0; i < 8; i++ {
		assert.Equal(t, int64(i), value(t, s.Nodes[fmt.Sprintf("n%d", i)]))
	}
}

func TestEngine_KernelUnavailableAborts(t *testing.T) {
	h := newHarness(t, dispatch.Config{Sessions: 1}, simkernel.WithHook(func(context.Context, string, kernel.Request) error {
		return kernel.ErrCrashed
	}))
	h.chain(t)

	s, err := wait(t, h.e.SubmitAll())
	require.ErrorIs(t, err, dispatch.ErrKernelUnavailable)
	assert.Equal(t, event.Aborted, s.State)
	assert.Less(t, s.Count(event.Resolved), len(s.Nodes))
}

func TestEngine_SubscribeAndShutdown(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	h.chain(t)
	events, cancel := h.e.Subscribe()

	s := settle(t, h.e.SubmitAll())

	var resolved int
	var summary *event.Summary
	for summary == nil {
		select {
		case ev := <-events:
			if ev.Transition != nil && ev.Transition.Status == event.Resolved {
				resolved++
			}
			if ev.Summary != nil {
				summary = ev.Summary
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no summary event")
		}
	}
	assert.Equal(t, 4, resolved)
	assert.Equal(t, s.RunID, summary.RunID)

	cancel()
	for range events {
	}

	h.e.Shutdown()
	late, err := wait(t, h.e.SubmitAll())
	assert.ErrorIs(t, err, engine.ErrShutdown)
	assert.Equal(t, event.Aborted, late.State)
}

func TestEngine_Reconcile(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	doc := config.GraphDoc{Nodes: []config.NodeDoc{
		{ID: "p", Type: "number", Params: map[string]any{"value": 2}},
		{ID: "q", Type: "scale", Params: map[string]any{"factor": 5}, Inputs: map[string]config.InputRef{"in": {Node: "p", Port: "out"}}},
	}}

	run, err := h.e.Reconcile(doc, nil)
	require.NoError(t, err)
	s := settle(t, run)
	assert.Equal(t, int64(10), value(t, s.Nodes["q"]))

	run, err = h.e.Reconcile(doc, nil)
	require.NoError(t, err)
	assert.Nil(t, run, "identical document changes nothing")

	env := map[string]cty.Value{"tolerance": cty.StringVal("fine")}
	run, err = h.e.Reconcile(doc, env)
	require.NoError(t, err)
	s = settle(t, run)
	assert.Equal(t, 2, s.KernelCalls, "a new environment recomputes everything")
	assert.True(t, h.e.Environment()["tolerance"].RawEquals(env["tolerance"]))

	doc.Nodes = doc.Nodes[:1]
	run, err = h.e.Reconcile(doc, env)
	require.NoError(t, err)
	settle(t, run)
	_, ok := h.e.Outcome("q")
	assert.False(t, ok)
	_, ok = h.e.Outcome("p")
	assert.True(t, ok)
}

func TestEngine_ShutdownAbandonsHungTask(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	k := simkernel.New(simkernel.WithHook(func(context.Context, string, kernel.Request) error {
		entered <- struct{}{}
		<-release
		return nil
	}))
	cat := simkernel.Catalog()
	g := dag.NewGraph(cat)
	c := cache.New(0)
	d, err := dispatch.New(context.Background(), nodedef.Bridge(cat, k.Factory()), dispatch.Config{Sessions: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		close(release)
		d.Close()
	})
	e := engine.New(g, c, d, nil, engine.Config{ShutdownGrace: 20 * time.Millisecond})
	_, err = g.AddNode("p", "number", map[string]cty.Value{"value": cty.NumberIntVal(1)})
	require.NoError(t, err)

	run := e.SubmitAll()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("task never reached the kernel")
	}

	stopped := make(chan struct{})
	go func() {
		e.Shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown waited on a task with no timeout")
	}

	s, err := wait(t, run)
	assert.ErrorIs(t, err, engine.ErrShutdown)
	assert.Equal(t, event.Aborted, s.State)
	assert.Zero(t, c.Stats().Inflight, "the abandoned reservation is released")
}
