package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gyaneshwarpardhi/nodegraph/internal/fingerprint"
	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
)

const (
	taskQueued int32 = iota
	taskRunning
	taskCancelled
)

// Task is one kernel invocation and the future of its result.
type Task struct {
	Fingerprint fingerprint.Fingerprint
	Epoch       uint64
	Request     kernel.Request

	state    atomic.Int32
	attempts atomic.Int32
	session  atomic.Value // string

	done chan struct{}
	once sync.Once
	res  kernel.Result
	err  error
}

// NewTask creates a queued task for req.
func NewTask(fp fingerprint.Fingerprint, epoch uint64, req kernel.Request) *Task {
	return &Task{
		Fingerprint: fp,
		Epoch:       epoch,
		Request:     req,
		done:        make(chan struct{}),
	}
}

// NodeID is the node the request was built for.
func (t *Task) NodeID() string { return t.Request.NodeID }

// Cancel drops the task if it has not started. Started tasks run to
// completion. It reports whether the cancel took effect.
func (t *Task) Cancel() bool {
	if !t.state.CompareAndSwap(taskQueued, taskCancelled) {
		return false
	}
	t.finish(kernel.Result{}, ErrCancelled)
	return true
}

// Cancelled reports whether the task was dropped before it started.
func (t *Task) Cancelled() bool { return t.state.Load() == taskCancelled }

// Done is closed once the task resolves.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the outcome; meaningful after Done is closed.
func (t *Task) Result() (kernel.Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	default:
		return kernel.Result{}, nil
	}
}

// Wait blocks until the task resolves or ctx ends.
func (t *Task) Wait(ctx context.Context) (kernel.Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return kernel.Result{}, ctx.Err()
	}
}

// Attempts is the number of executions started, retries included.
func (t *Task) Attempts() int { return int(t.attempts.Load()) }

// Session returns the id of the session that ran the last attempt.
func (t *Task) Session() string {
	s, _ := t.session.Load().(string)
	return s
}

func (t *Task) start() bool {
	return t.state.CompareAndSwap(taskQueued, taskRunning)
}

func (t *Task) finish(res kernel.Result, err error) {
	t.once.Do(func() {
		t.res = res
		t.err = err
		close(t.done)
	})
}
