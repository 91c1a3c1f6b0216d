// Package dispatch runs node evaluations on a fixed pool of kernel sessions
// fed by a bounded FIFO queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
	"github.com/gyaneshwarpardhi/nodegraph/internal/metrics"
)

// DefaultQueueDepth is used when Config.QueueDepth is zero.
const DefaultQueueDepth = 256

// Config tunes the pool.
type Config struct {
	Sessions    int           // 0 = runtime.GOMAXPROCS(0)
	QueueDepth  int           // 0 = DefaultQueueDepth
	TaskTimeout time.Duration // 0 = no timeout
	MaxRestarts int           // consecutive restarts per slot before it is given up
	TaskRetries int           // re-executions of a timed-out or crashed task
	Logger      *slog.Logger
}

// Dispatcher owns the session slots and the task queue.
type Dispatcher struct {
	cfg     Config
	factory kernel.Factory
	log     *slog.Logger

	queue chan *Task
	slots []*slot
	group *errgroup.Group
	alive atomic.Int32

	mu     sync.RWMutex // guards closed/dead against sends on queue
	closed bool
	dead   bool
}

// New starts cfg.Sessions sessions and their workers. Workers stop when ctx
// is cancelled or Close is called.
func New(ctx context.Context, factory kernel.Factory, cfg Config) (*Dispatcher, error) {
	if cfg.Sessions <= 0 {
		cfg.Sessions = runtime.GOMAXPROCS(0)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.TaskRetries < 0 {
		cfg.TaskRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		factory: factory,
		log:     cfg.Logger,
		queue:   make(chan *Task, cfg.QueueDepth),
	}

	for i := 0; i < cfg.Sessions; i++ {
		sess, err := factory(ctx, uuid.NewString())
		if err != nil {
			for _, s := range d.slots {
				s.sess.Close()
			}
			return nil, fmt.Errorf("start kernel session %d: %w", i, err)
		}
		d.slots = append(d.slots, &slot{index: i, sess: sess})
	}
	d.alive.Store(int32(len(d.slots)))
	metrics.SessionsAlive.Set(float64(len(d.slots)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.slots {
		s := s
		g.Go(func() error { return d.work(gctx, s) })
	}
	d.group = g
	d.log.Info("dispatcher started", "sessions", cfg.Sessions, "queue_depth", cfg.QueueDepth,
		"task_timeout", cfg.TaskTimeout, "max_restarts", cfg.MaxRestarts, "task_retries", cfg.TaskRetries)
	return d, nil
}

// Submit enqueues a task without blocking. It fails with ErrBackpressure when
// the queue is full, ErrKernelUnavailable once every slot has been given up,
// and ErrClosed after Close.
func (d *Dispatcher) Submit(t *Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if d.dead {
		return ErrKernelUnavailable
	}
	select {
	case d.queue <- t:
		d.publishQueue()
		return nil
	default:
		metrics.BackpressureRejections.Inc()
		return ErrBackpressure
	}
}

// Available reports whether at least one slot is still alive.
func (d *Dispatcher) Available() bool {
	return d.alive.Load() > 0
}

// Sessions describes every slot.
func (d *Dispatcher) Sessions() []SessionInfo {
	out := make([]SessionInfo, len(d.slots))
	for i, s := range d.slots {
		out[i] = s.info()
	}
	return out
}

// QueueLen returns how many tasks are currently queued.
func (d *Dispatcher) QueueLen() int { return len(d.queue) }

// QueueCap returns the total queue capacity.
func (d *Dispatcher) QueueCap() int { return cap(d.queue) }

// Utilization returns QueueLen / QueueCap.
func (d *Dispatcher) Utilization() float64 {
	return float64(len(d.queue)) / float64(cap(d.queue))
}

// Close stops accepting tasks, lets workers finish the queued ones and shuts
// every session down.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	err := d.group.Wait()
	for t := range d.queue {
		t.finish(kernel.Result{}, ErrClosed)
	}
	for _, s := range d.slots {
		if sess := s.session(); sess != nil {
			sess.Close()
		}
	}
	metrics.QueueDepth.Set(0)
	d.log.Info("dispatcher closed")
	return err
}

func (d *Dispatcher) work(ctx context.Context, s *slot) error {
	for {
		select {
		case t, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.publishQueue()
			if !t.start() {
				// Cancelled while queued; already resolved.
				metrics.TasksCompleted.WithLabelValues(t.Request.Type, "cancelled").Inc()
				continue
			}
			d.run(ctx, s, t)
			if s.info().Dead {
				d.slotDied(s)
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// run executes t on s, restarting the session and retrying after timeouts
// and crashes.
func (d *Dispatcher) run(ctx context.Context, s *slot, t *Task) {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "kernel.execute", trace.WithAttributes(
		attribute.String("node.id", t.Request.NodeID),
		attribute.String("node.type", t.Request.Type),
		attribute.String("fingerprint", t.Fingerprint.Short()),
		attribute.Int64("epoch", int64(t.Epoch)),
	))
	defer span.End()

	s.mu.Lock()
	s.state = SlotBusy
	s.tasks++
	s.mu.Unlock()

	retries := 0
	for {
		t.attempts.Add(1)
		t.session.Store(s.session().ID())
		start := time.Now()
		res, err := s.execute(ctx, t.Request, d.cfg.TaskTimeout)
		metrics.TaskDuration.Observe(float64(time.Since(start).Milliseconds()))

		if err == nil {
			s.mu.Lock()
			s.consecutive = 0
			s.state = SlotIdle
			s.mu.Unlock()
			d.resolve(span, t, kernel.Sized(res), nil, "ok")
			return
		}

		timedOut := errors.Is(err, errAttemptTimeout)
		crashed := errors.Is(err, kernel.ErrCrashed)
		if !timedOut && !crashed {
			s.setState(SlotIdle)
			if ctx.Err() != nil {
				d.resolve(span, t, kernel.Result{}, ErrClosed, "closed")
				return
			}
			d.resolve(span, t, kernel.Result{}, &KernelError{Node: t.Request.NodeID, Err: err}, "error")
			return
		}

		cause := "crash"
		if timedOut {
			cause = "timeout"
			metrics.TaskTimeouts.Inc()
		}
		d.log.Warn("kernel session failed", "slot", s.index, "session", t.Session(),
			"node", t.Request.NodeID, "cause", cause, "attempt", t.Attempts(), "err", err)
		span.AddEvent("session."+cause, trace.WithAttributes(attribute.Int("attempt", t.Attempts())))

		if !d.restart(ctx, s) {
			d.resolve(span, t, kernel.Result{}, fmt.Errorf("%w: slot %d exceeded %d consecutive restarts",
				ErrKernelUnavailable, s.index, d.cfg.MaxRestarts), "unavailable")
			return
		}
		if retries >= d.cfg.TaskRetries {
			s.setState(SlotIdle)
			if timedOut {
				d.resolve(span, t, kernel.Result{}, fmt.Errorf("%w: node %s after %d attempts of %s",
					ErrTimeout, t.Request.NodeID, t.Attempts(), d.cfg.TaskTimeout), "timeout")
			} else {
				d.resolve(span, t, kernel.Result{}, &KernelError{Node: t.Request.NodeID, Err: err}, "crashed")
			}
			return
		}
		retries++
		s.setState(SlotBusy)
	}
}

// restart tears the slot's session down and starts a fresh one. It returns
// false once the slot has used up its consecutive restart budget.
func (d *Dispatcher) restart(ctx context.Context, s *slot) bool {
	s.mu.Lock()
	old := s.sess
	s.state = SlotCrashed
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			d.log.Debug("close crashed session", "slot", s.index, "err", err)
		}
	}

	for {
		s.mu.Lock()
		if s.consecutive >= d.cfg.MaxRestarts || ctx.Err() != nil {
			s.dead = true
			s.state = SlotCrashed
			s.mu.Unlock()
			return false
		}
		s.consecutive++
		s.restarts++
		s.state = SlotRestarting
		s.mu.Unlock()
		metrics.SessionRestarts.Inc()

		sess, err := d.factory(ctx, uuid.NewString())
		if err != nil {
			d.log.Warn("kernel session restart failed", "slot", s.index, "err", err)
			continue
		}
		s.mu.Lock()
		s.sess = sess
		s.mu.Unlock()
		d.log.Info("kernel session restarted", "slot", s.index, "session", sess.ID())
		return true
	}
}

// slotDied accounts for a slot that was given up. When the last slot goes,
// queued tasks fail and further submissions are refused.
func (d *Dispatcher) slotDied(s *slot) {
	left := d.alive.Add(-1)
	metrics.SessionsAlive.Set(float64(left))
	d.log.Error("kernel session slot given up", "slot", s.index, "alive", left)
	if left > 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dead = true
	for {
		select {
		case t, ok := <-d.queue:
			if !ok {
				return
			}
			if t.start() {
				d.resolve(nil, t, kernel.Result{}, ErrKernelUnavailable, "unavailable")
			}
		default:
			d.publishQueue()
			return
		}
	}
}

func (d *Dispatcher) resolve(span trace.Span, t *Task, res kernel.Result, err error, outcome string) {
	metrics.TasksCompleted.WithLabelValues(t.Request.Type, outcome).Inc()
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	t.finish(res, err)
}

func (d *Dispatcher) publishQueue() {
	metrics.QueueDepth.Set(float64(len(d.queue)))
	metrics.QueueUtilization.Set(d.Utilization())
}
