package engine

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/gyaneshwarpardhi/nodegraph/internal/cache"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dag"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dispatch"
	"github.com/gyaneshwarpardhi/nodegraph/internal/event"
	"github.com/gyaneshwarpardhi/nodegraph/internal/fingerprint"
	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
	"github.com/gyaneshwarpardhi/nodegraph/internal/metrics"
	"github.com/gyaneshwarpardhi/nodegraph/internal/nodedef"
)

type nodeState struct {
	status    event.Status
	fp        fingerprint.Fingerprint
	result    kernel.Result
	err       error
	blockedBy string
	fromCache bool
	waiting   int // cone producers not yet resolved
}

type completion struct {
	id   string
	fp   fingerprint.Fingerprint
	res  kernel.Result
	err  error
	task *dispatch.Task // nil when joined
}

// coordinator owns one run's bookkeeping. Only its goroutine touches it.
type coordinator struct {
	e    *Engine
	r    *Run
	plan *dag.Plan
	fpr  *fingerprint.Fingerprinter

	nodes       map[string]*nodeState
	ready       readyQueue
	settled     int
	completions chan completion

	tasks    map[string]*dispatch.Task // owned and not yet completed
	deferred []string                  // owned, rejected by backpressure
	retry    *time.Timer
	pins     []fingerprint.Fingerprint

	calls, hits, joins int
	abort              error
}

func (e *Engine) coordinate(r *Run) {
	var missing []string
	for _, id := range r.dirty {
		if !e.graph.Has(id) {
			missing = append(missing, id)
		}
	}
	for _, id := range missing {
		e.forget(r, id)
	}

	plan := e.graph.Plan(r.dirty)
	c := &coordinator{
		e:           e,
		r:           r,
		plan:        plan,
		fpr:         e.fpr.Load(),
		nodes:       make(map[string]*nodeState, plan.Len()),
		completions: make(chan completion, plan.Len()+1),
		tasks:       make(map[string]*dispatch.Task),
	}
	c.ready.pos = plan.Position
	order := plan.Order()
	e.track(r, order)

	for _, id := range order {
		ns := &nodeState{status: event.Pending, waiting: len(plan.Producers(id))}
		c.nodes[id] = ns
		c.publish(id)
		if ns.waiting == 0 {
			heap.Push(&c.ready, id)
		}
	}

	c.loop()
	c.finish()
}

func (c *coordinator) loop() {
	total := c.plan.Len()
	for {
		c.startReady()
		if c.abort != nil || c.settled == total {
			return
		}
		var retry <-chan time.Time
		if c.retry != nil {
			retry = c.retry.C
		}
		select {
		case comp := <-c.completions:
			c.complete(comp)
			c.resubmit()
		case <-retry:
			c.retry = nil
			c.resubmit()
		case <-c.r.stop:
			return
		}
	}
}

func (c *coordinator) startReady() {
	for c.ready.Len() > 0 && c.abort == nil && !c.r.stopped() {
		id := heap.Pop(&c.ready).(string)
		if c.nodes[id].status != event.Pending {
			continue
		}
		c.start(id)
	}
}

// start computes the node's fingerprint and resolves it from the cache,
// joins an in-flight computation or dispatches it.
func (c *coordinator) start(id string) {
	node := c.plan.Nodes[id]
	def, ok := c.e.graph.Catalog().Lookup(node.Type)
	if !ok {
		c.fail(id, fmt.Errorf("%w: %q", dag.ErrUnknownType, node.Type))
		return
	}
	if missing := dag.MissingInputs(def, node.Inputs); len(missing) > 0 {
		c.fail(id, fmt.Errorf("%w: %s", ErrMissingInput, strings.Join(missing, ", ")))
		return
	}

	ports := append([]nodedef.Port(nil), def.Inputs()...)
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	var (
		fpInputs  []fingerprint.Input
		reqInputs = make(map[string]cty.Value, len(ports))
	)
	for _, p := range ports {
		b, bound := node.Inputs[p.Name]
		if !bound {
			if p.HasDefault() {
				fpInputs = append(fpInputs, fingerprint.Input{Port: p.Name, Default: p.Default})
				reqInputs[p.Name] = *p.Default
			}
			continue
		}
		upFp, upRes, err := c.producer(b.Node)
		if err != nil {
			c.block(id, b.Node, err)
			return
		}
		v, ok := upRes.Output(b.Port)
		if !ok {
			c.fail(id, fmt.Errorf("producer %s has no output %q", b.Node, b.Port))
			return
		}
		fpInputs = append(fpInputs, fingerprint.Input{Port: p.Name, SourcePort: b.Port, Upstream: upFp})
		reqInputs[p.Name] = v
	}

	params := nodedef.ResolveParams(def, node.Params)
	subject := fingerprint.Subject{Type: node.Type, Params: params, Inputs: fpInputs}
	if !def.Cacheable() {
		subject.Salt = c.r.ID + "/" + id
	}
	fp, err := c.fpr.Compute(subject)
	if err != nil {
		c.fail(id, err)
		return
	}
	ns := c.nodes[id]
	ns.fp = fp

	lookup := c.e.cache.LookupOrReserve(fp)
	switch lookup.Status {
	case cache.Hit:
		c.hits++
		c.resolve(id, lookup.Result, true)
	case cache.Joined:
		c.joins++
		ns.status = event.Running
		c.publish(id)
		c.watchFuture(id, lookup.Future)
	case cache.Reserved:
		task := dispatch.NewTask(fp, c.r.Epoch, kernel.Request{
			NodeID: id,
			Type:   node.Type,
			Params: params,
			Inputs: reqInputs,
		})
		c.tasks[id] = task
		ns.status = event.Running
		c.publish(id)
		if !c.submit(id, task) {
			c.deferred = append(c.deferred, id)
			c.armRetry()
		}
	}
}

// producer returns the fingerprint and result a consumer reads from id.
func (c *coordinator) producer(id string) (fingerprint.Fingerprint, kernel.Result, error) {
	if ns, in := c.nodes[id]; in {
		if ns.status != event.Resolved {
			return fingerprint.Fingerprint{}, kernel.Result{}, fmt.Errorf("%w: %s is %s", ErrUpstream, id, ns.status)
		}
		return ns.fp, ns.result, nil
	}
	o, ok := c.e.lookupOutcome(id)
	if !ok || o.Status != event.Resolved {
		return fingerprint.Fingerprint{}, kernel.Result{}, fmt.Errorf("%w: %s", ErrUpstream, id)
	}
	return o.Fingerprint, o.Result, nil
}

// submit hands an owned task to the dispatcher. It returns false on
// backpressure; other refusals abort the run.
func (c *coordinator) submit(id string, t *dispatch.Task) bool {
	err := c.e.disp.Submit(t)
	switch {
	case err == nil:
		c.watchTask(id, t)
		return true
	case errors.Is(err, dispatch.ErrBackpressure):
		return false
	default:
		delete(c.tasks, id)
		c.e.cache.Fail(t.Fingerprint, err)
		c.abort = err
		return true
	}
}

func (c *coordinator) resubmit() {
	for len(c.deferred) > 0 && c.abort == nil {
		id := c.deferred[0]
		if !c.submit(id, c.tasks[id]) {
			c.armRetry()
			return
		}
		c.deferred = c.deferred[1:]
	}
}

func (c *coordinator) armRetry() {
	if c.retry == nil {
		c.retry = time.NewTimer(c.e.cfg.BackpressureRetry)
	}
}

// watchTask settles the cache entry for an owned task and reports back. The
// cache is updated even if the run is gone by then.
func (c *coordinator) watchTask(id string, t *dispatch.Task) {
	c.e.wg.Add(1)
	go func() {
		defer c.e.wg.Done()
		select {
		case <-t.Done():
		case <-c.e.quit:
			c.e.cache.Fail(t.Fingerprint, ErrShutdown)
			return
		}
		res, err := t.Result()
		if err != nil {
			c.e.cache.Fail(t.Fingerprint, err)
		} else {
			c.e.cache.Complete(t.Fingerprint, res, t.Epoch)
		}
		select {
		case c.completions <- completion{id: id, fp: t.Fingerprint, res: res, err: err, task: t}:
		case <-c.r.stop:
		}
	}()
}

func (c *coordinator) watchFuture(id string, f *cache.Future) {
	c.e.wg.Add(1)
	go func() {
		defer c.e.wg.Done()
		select {
		case <-f.Done():
		case <-c.r.stop:
			return
		}
		res, err := f.Result()
		select {
		case c.completions <- completion{id: id, fp: f.Fingerprint(), res: res, err: err}:
		case <-c.r.stop:
		}
	}()
}

func (c *coordinator) complete(comp completion) {
	if comp.task != nil {
		delete(c.tasks, comp.id)
		c.calls += comp.task.Attempts()
	}
	ns := c.nodes[comp.id]
	if ns == nil || ns.status != event.Running || ns.fp != comp.fp {
		return
	}
	switch {
	case comp.err == nil:
		c.resolve(comp.id, comp.res, false)
	case errors.Is(comp.err, dispatch.ErrCancelled):
		// The owner gave up before running it; look it up again.
		ns.status = event.Pending
		c.start(comp.id)
	case errors.Is(comp.err, dispatch.ErrKernelUnavailable), errors.Is(comp.err, dispatch.ErrClosed):
		c.abort = comp.err
	default:
		c.fail(comp.id, comp.err)
	}
}

func (c *coordinator) resolve(id string, res kernel.Result, fromCache bool) {
	ns := c.nodes[id]
	ns.status = event.Resolved
	ns.result = res
	ns.fromCache = fromCache
	ns.err = nil
	c.settled++
	if c.e.cache.Pin(ns.fp) {
		c.pins = append(c.pins, ns.fp)
	}
	c.publish(id)
	for _, consumer := range c.plan.Consumers(id) {
		cs := c.nodes[consumer]
		cs.waiting--
		if cs.waiting == 0 && cs.status == event.Pending {
			heap.Push(&c.ready, consumer)
		}
	}
}

// fail marks the node Failed and every cone node downstream Blocked by it.
func (c *coordinator) fail(id string, err error) {
	ns := c.nodes[id]
	ns.status = event.Failed
	ns.err = err
	c.settled++
	c.publish(id)
	c.e.log.Warn("node failed", "run", c.r.ID, "epoch", c.r.Epoch, "node", id, "err", err)
	c.blockDownstream(id, err)
}

// block settles a node that cannot run because of a producer.
func (c *coordinator) block(id, by string, err error) {
	ns := c.nodes[id]
	ns.status = event.Blocked
	ns.err = err
	ns.blockedBy = by
	c.settled++
	c.publish(id)
	c.blockDownstream(id, err)
}

func (c *coordinator) blockDownstream(root string, err error) {
	origin := root
	if by := c.nodes[root].blockedBy; by != "" {
		origin = by
	}
	queue := append([]string(nil), c.plan.Consumers(root)...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ns := c.nodes[id]
		if ns.status.Settled() {
			continue
		}
		ns.status = event.Blocked
		ns.blockedBy = origin
		ns.err = fmt.Errorf("%w: %s did not resolve: %v", ErrUpstream, origin, err)
		c.settled++
		c.publish(id)
		queue = append(queue, c.plan.Consumers(id)...)
	}
}

func (c *coordinator) publish(id string) {
	ns := c.nodes[id]
	if ns.status.Settled() {
		metrics.NodesEvaluated.WithLabelValues(ns.status.String()).Inc()
	}
	c.e.publish(c.r, c.outcome(id))
}

func (c *coordinator) outcome(id string) event.Outcome {
	ns := c.nodes[id]
	return event.Outcome{
		Node:        id,
		Status:      ns.status,
		Fingerprint: ns.fp,
		Result:      ns.result,
		FromCache:   ns.fromCache,
		Err:         ns.err,
		BlockedBy:   ns.blockedBy,
		Epoch:       c.r.Epoch,
	}
}

// finish releases what the run holds and settles it.
func (c *coordinator) finish() {
	state := event.Completed
	var cause error
	switch {
	case c.abort != nil:
		state, cause = event.Aborted, c.abort
	case c.r.stopped() && c.settled < c.plan.Len():
		state, cause = c.r.reason, c.r.cause
	}
	if c.retry != nil {
		c.retry.Stop()
	}

	deferred := make(map[string]struct{}, len(c.deferred))
	for _, id := range c.deferred {
		deferred[id] = struct{}{}
	}
	for id, t := range c.tasks {
		if _, ok := deferred[id]; ok {
			// Never reached the dispatcher; release the reservation.
			c.e.cache.Fail(t.Fingerprint, dispatch.ErrCancelled)
			continue
		}
		t.Cancel()
	}
	for _, fp := range c.pins {
		c.e.cache.Unpin(fp)
	}

	s := &event.Summary{
		RunID:       c.r.ID,
		Epoch:       c.r.Epoch,
		State:       state,
		Err:         cause,
		Nodes:       make(map[string]event.Outcome, len(c.nodes)),
		Order:       c.plan.Order(),
		KernelCalls: c.calls,
		CacheHits:   c.hits,
		Joined:      c.joins,
		StartedAt:   c.r.started,
		FinishedAt:  time.Now(),
	}
	for id := range c.nodes {
		s.Nodes[id] = c.outcome(id)
	}
	for _, id := range c.e.graph.IDs() {
		if !c.plan.Contains(id) {
			s.Unchanged = append(s.Unchanged, id)
		}
	}

	c.r.halt(state, cause)
	c.e.finish(c.r, s)
	var err error
	if state == event.Aborted {
		err = cause
	}
	c.r.settle(s, err)
}

// readyQueue pops ready nodes in plan order.
type readyQueue struct {
	ids []string
	pos func(string) int
}

func (q readyQueue) Len() int           { return len(q.ids) }
func (q readyQueue) Less(i, j int) bool { return q.pos(q.ids[i]) < q.pos(q.ids[j]) }
func (q readyQueue) Swap(i, j int)      { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }
func (q *readyQueue) Push(x any)        { q.ids = append(q.ids, x.(string)) }
func (q *readyQueue) Pop() any {
	old := q.ids
	id := old[len(old)-1]
	q.ids = old[:len(old)-1]
	return id
}
