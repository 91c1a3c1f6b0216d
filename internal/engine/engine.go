// Package engine is the evaluation scheduler. It turns graph edits into
// epoch-stamped runs that evaluate the dirty cone in dependency order,
// consult the result cache and dispatch cache misses to kernel sessions.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zclconf/go-cty/cty"

	"github.com/gyaneshwarpardhi/nodegraph/internal/cache"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dag"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dispatch"
	"github.com/gyaneshwarpardhi/nodegraph/internal/event"
	"github.com/gyaneshwarpardhi/nodegraph/internal/fingerprint"
	"github.com/gyaneshwarpardhi/nodegraph/internal/metrics"
)

var (
	// ErrMissingInput fails a node whose required input is neither bound nor defaulted.
	ErrMissingInput = errors.New("required input not bound")
	// ErrUpstream blocks a node whose producer outside the run has no result.
	ErrUpstream = errors.New("upstream node has no result")
	// ErrShutdown aborts runs once the engine is shutting down.
	ErrShutdown = errors.New("engine shut down")
)

// Defaults for zero-valued Config fields.
const (
	DefaultBackpressureRetry = 10 * time.Millisecond
	DefaultSubscriberBuffer  = 256
	DefaultShutdownGrace     = 5 * time.Second
)

// Submitter accepts kernel tasks; *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(t *dispatch.Task) error
}

// Config tunes the scheduler.
type Config struct {
	BackpressureRetry time.Duration
	SubscriberBuffer  int
	// ShutdownGrace bounds how long Shutdown waits for executing tasks.
	ShutdownGrace time.Duration
	Logger        *slog.Logger
}

// State tells whether a run is in progress.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Engine schedules evaluation runs over one graph.
type Engine struct {
	graph *dag.Graph
	cache *cache.Cache
	disp  Submitter
	fpr   atomic.Pointer[fingerprint.Fingerprinter]
	env   atomic.Pointer[map[string]cty.Value]
	cfg   Config
	log   *slog.Logger

	mu       sync.Mutex
	epoch    uint64
	current  *Run
	outcomes map[string]event.Outcome
	latest   *event.Summary
	subs     map[int]chan event.Event
	nextSub  int
	closed   bool
	quit     chan struct{} // closed once the shutdown grace has run out
	wg       sync.WaitGroup
}

// New creates an Engine. Nothing is evaluated until Submit.
func New(g *dag.Graph, c *cache.Cache, d Submitter, env map[string]cty.Value, cfg Config) *Engine {
	if cfg.BackpressureRetry <= 0 {
		cfg.BackpressureRetry = DefaultBackpressureRetry
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		graph:    g,
		cache:    c,
		disp:     d,
		cfg:      cfg,
		log:      cfg.Logger,
		outcomes: make(map[string]event.Outcome),
		subs:     make(map[int]chan event.Event),
		quit:     make(chan struct{}),
	}
	e.SetEnvironment(env)
	return e
}

// Graph returns the graph the engine evaluates.
func (e *Engine) Graph() *dag.Graph { return e.graph }

// SetEnvironment replaces the ambient settings mixed into every fingerprint.
// Runs started afterwards see the new fingerprints; callers resubmit the
// whole graph.
func (e *Engine) SetEnvironment(env map[string]cty.Value) {
	cp := make(map[string]cty.Value, len(env))
	for k, v := range env {
		cp[k] = v
	}
	e.env.Store(&cp)
	e.fpr.Store(fingerprint.New(cp))
}

// Environment returns the current ambient settings.
func (e *Engine) Environment() map[string]cty.Value {
	cur := *e.env.Load()
	cp := make(map[string]cty.Value, len(cur))
	for k, v := range cur {
		cp[k] = v
	}
	return cp
}

// Submit starts a new epoch evaluating the dirty cone of ids. A run still in
// progress is superseded: it stops dispatching, and whatever it left
// unsettled is folded into the new run.
func (e *Engine) Submit(dirty []string) *Run {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		r := newRun(e.epoch, nil)
		r.settle(&event.Summary{RunID: r.ID, Epoch: r.Epoch, State: event.Aborted, Err: ErrShutdown,
			StartedAt: r.started, FinishedAt: r.started}, ErrShutdown)
		return r
	}

	e.epoch++
	seeds := append([]string(nil), dirty...)
	if prev := e.current; prev != nil {
		for id := range prev.unsettled {
			seeds = append(seeds, id)
		}
		prev.halt(event.Superseded, nil)
		e.log.Debug("run superseded", "run", prev.ID, "epoch", prev.Epoch, "by", e.epoch)
	}

	r := newRun(e.epoch, seeds)
	e.current = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.coordinate(r)
	}()
	e.log.Debug("run submitted", "run", r.ID, "epoch", r.Epoch, "dirty", len(seeds))
	return r
}

// Edit applies a graph mutation and submits the ids it reports. It returns a
// nil Run when the mutation affected nothing.
func (e *Engine) Edit(mutate func(*dag.Graph) ([]string, error)) (*Run, error) {
	ids, err := mutate(e.graph)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return e.Submit(ids), nil
}

// SubmitAll evaluates every node in the graph.
func (e *Engine) SubmitAll() *Run {
	return e.Submit(e.graph.IDs())
}

// Outcome returns the latest published outcome of a node.
func (e *Engine) Outcome(id string) (event.Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outcomes[id]
	return o, ok
}

// Outcomes returns a copy of the published state table.
func (e *Engine) Outcomes() map[string]event.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]event.Outcome, len(e.outcomes))
	for k, v := range e.outcomes {
		out[k] = v
	}
	return out
}

// Epoch returns the current epoch.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// State reports whether a run is in progress.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Idle
	}
	select {
	case <-e.current.done:
		return Idle
	default:
		return Running
	}
}

// Current returns the latest submitted run, or nil.
func (e *Engine) Current() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Latest returns the summary of the most recent run that was not superseded.
func (e *Engine) Latest() *event.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// Subscribe returns a channel of transitions and summaries. Delivery never
// blocks the scheduler: events that do not fit the buffer are dropped.
func (e *Engine) Subscribe() (<-chan event.Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan event.Event, e.cfg.SubscriberBuffer)
	e.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

// Shutdown aborts the current run, waits for its coordinator and closes
// every subscription. Tasks already executing get ShutdownGrace to finish;
// after that their cache reservations fail with ErrShutdown and they are
// left to the dispatcher.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.current != nil {
		e.current.halt(event.Aborted, ErrShutdown)
	}
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(e.cfg.ShutdownGrace):
		e.log.Warn("executing tasks outlived shutdown grace, abandoning them", "grace", e.cfg.ShutdownGrace)
		close(e.quit)
		<-drained
	}

	e.mu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.mu.Unlock()
	e.log.Info("engine stopped", "epoch", e.Epoch())
}

// publish records an outcome and fans it out, but only while r is the
// current epoch. It reports whether the outcome was published.
func (e *Engine) publish(r *Run, o event.Outcome) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o.Status.Settled() {
		delete(r.unsettled, o.Node)
	}
	if r.Epoch != e.epoch {
		return false
	}
	e.outcomes[o.Node] = o
	e.fanout(event.Event{Transition: &event.Transition{RunID: r.ID, Epoch: r.Epoch, At: time.Now(), Outcome: o}})
	return true
}

// forget drops the outcome of a node that left the graph.
func (e *Engine) forget(r *Run, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(r.unsettled, id)
	if r.Epoch == e.epoch {
		delete(e.outcomes, id)
	}
}

// lookupOutcome reads a producer outside the run's cone.
func (e *Engine) lookupOutcome(id string) (event.Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outcomes[id]
	return o, ok
}

// track replaces the run's unsettled set once its cone is known.
func (e *Engine) track(r *Run, ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r.unsettled = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		r.unsettled[id] = struct{}{}
	}
}

func (e *Engine) finish(r *Run, s *event.Summary) {
	e.mu.Lock()
	if r.Epoch == e.epoch && s.State != event.Superseded {
		e.latest = s
	}
	e.fanout(event.Event{Summary: s})
	e.mu.Unlock()

	metrics.Runs.WithLabelValues(s.State.String()).Inc()
	metrics.RunDuration.Observe(float64(s.Duration().Milliseconds()))
	e.log.Info("run settled", "run", r.ID, "epoch", r.Epoch, "state", s.State,
		"nodes", len(s.Nodes), "kernel_calls", s.KernelCalls, "cache_hits", s.CacheHits,
		"failed", s.Count(event.Failed), "blocked", s.Count(event.Blocked), "duration", s.Duration())
}

// fanout must be called with e.mu held.
func (e *Engine) fanout(ev event.Event) {
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			e.log.Warn("subscriber buffer full, event dropped", "subscriber", id)
		}
	}
}

func newRunID() string { return uuid.NewString() }
