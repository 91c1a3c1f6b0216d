package cache

import (
	"context"
	"sync"

	"github.com/gyaneshwarpardhi/nodegraph/internal/fingerprint"
	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
)

// Future is the shared outcome of one reserved computation.
type Future struct {
	fp   fingerprint.Fingerprint
	done chan struct{}
	once sync.Once
	res  kernel.Result
	err  error
}

func newFuture(fp fingerprint.Fingerprint) *Future {
	return &Future{fp: fp, done: make(chan struct{})}
}

// Fingerprint returns the fingerprint being computed.
func (f *Future) Fingerprint() fingerprint.Fingerprint { return f.fp }

// Done is closed once the owner completes or fails.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (f *Future) Result() (kernel.Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	default:
		return kernel.Result{}, nil
	}
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (kernel.Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return kernel.Result{}, ctx.Err()
	}
}

func (f *Future) resolve(res kernel.Result, err error) {
	f.once.Do(func() {
		f.res = res
		f.err = err
		close(f.done)
	})
}
