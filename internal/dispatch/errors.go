package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrBackpressure is returned by Submit when the queue is full.
	ErrBackpressure = errors.New("dispatch queue full")
	// ErrTimeout fails a task whose every attempt exceeded the task timeout.
	ErrTimeout = errors.New("kernel task timed out")
	// ErrKernelUnavailable means the session restart budget is exhausted.
	ErrKernelUnavailable = errors.New("kernel unavailable")
	// ErrCancelled resolves a task cancelled before it started.
	ErrCancelled = errors.New("task cancelled")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// KernelError is a node-level failure reported by the kernel.
type KernelError struct {
	Node string
	Err  error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel error on node %s: %v", e.Node, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }
