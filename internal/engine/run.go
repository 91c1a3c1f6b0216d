package engine

import (
	"context"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/nodegraph/internal/event"
)

// Run is one epoch's evaluation of a dirty cone.
type Run struct {
	ID    string
	Epoch uint64

	dirty     []string
	unsettled map[string]struct{} // guarded by Engine.mu
	started   time.Time

	stop     chan struct{}
	stopOnce sync.Once
	reason   event.RunState
	cause    error

	done    chan struct{}
	summary *event.Summary
	err     error
}

func newRun(epoch uint64, dirty []string) *Run {
	r := &Run{
		ID:        newRunID(),
		Epoch:     epoch,
		dirty:     dirty,
		unsettled: make(map[string]struct{}, len(dirty)),
		started:   time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, id := range dirty {
		r.unsettled[id] = struct{}{}
	}
	return r
}

// Done is closed when the run has settled, been superseded or aborted.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ends. The error is the abort cause for aborted
// runs, or ctx's error.
func (r *Run) Wait(ctx context.Context) (*event.Summary, error) {
	select {
	case <-r.done:
		return r.summary, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Summary returns the final summary, or nil while the run is in progress.
func (r *Run) Summary() *event.Summary {
	select {
	case <-r.done:
		return r.summary
	default:
		return nil
	}
}

// halt asks the coordinator to stop. The first reason wins.
func (r *Run) halt(reason event.RunState, cause error) {
	r.stopOnce.Do(func() {
		r.reason = reason
		r.cause = cause
		close(r.stop)
	})
}

func (r *Run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *Run) settle(s *event.Summary, err error) {
	r.summary = s
	r.err = err
	close(r.done)
}
