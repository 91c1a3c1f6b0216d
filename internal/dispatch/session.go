package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
)

// SlotState is the lifecycle state of one session slot.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotBusy
	SlotCrashed // torn down; permanent once the restart budget is spent
	SlotRestarting
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotBusy:
		return "busy"
	case SlotCrashed:
		return "crashed"
	case SlotRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// SessionInfo describes a slot for introspection.
type SessionInfo struct {
	Slot     int       `json:"slot"`
	ID       string    `json:"id"`
	State    SlotState `json:"-"`
	StateStr string    `json:"state"`
	Dead     bool      `json:"dead"`
	Restarts int       `json:"restarts"`
	Tasks    int       `json:"tasks"`
}

var errAttemptTimeout = errors.New("attempt timed out")

// slot owns one kernel session and runs at most one task at a time.
type slot struct {
	index int

	mu          sync.Mutex
	sess        kernel.Session
	state       SlotState
	dead        bool
	consecutive int // restarts since the last success
	restarts    int
	tasks       int
}

func (s *slot) session() kernel.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *slot) setState(st SlotState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *slot) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ""
	if s.sess != nil {
		id = s.sess.ID()
	}
	return SessionInfo{
		Slot:     s.index,
		ID:       id,
		State:    s.state,
		StateStr: s.state.String(),
		Dead:     s.dead,
		Restarts: s.restarts,
		Tasks:    s.tasks,
	}
}

type attempt struct {
	res kernel.Result
	err error
}

// execute runs req on the slot's session, giving up after timeout. A
// timed-out call is abandoned: its goroutine ends when the session returns
// or is closed.
func (s *slot) execute(ctx context.Context, req kernel.Request, timeout time.Duration) (kernel.Result, error) {
	sess := s.session()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan attempt, 1)
	go func() {
		res, err := sess.Execute(ctx, req)
		ch <- attempt{res: res, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case a := <-ch:
		return a.res, a.err
	case <-expired:
		return kernel.Result{}, errAttemptTimeout
	case <-ctx.Done():
		return kernel.Result{}, ctx.Err()
	}
}
