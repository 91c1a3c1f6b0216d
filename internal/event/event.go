// Package event holds what the scheduler reports to its observers: per-node
// status transitions and the summary of each evaluation run.
package event

import (
	"time"

	"github.com/gyaneshwarpardhi/nodegraph/internal/fingerprint"
	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
)

// Status is a node's evaluation state within a run.
type Status int

const (
	Pending Status = iota
	Running
	Resolved
	Failed  // the node's own evaluation failed
	Blocked // an upstream node failed
	Unchanged
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case Blocked:
		return "blocked"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Settled reports whether s is final for a run.
func (s Status) Settled() bool {
	return s == Resolved || s == Failed || s == Blocked
}

// Outcome is the latest known state of one node.
type Outcome struct {
	Node        string                  `json:"node"`
	Status      Status                  `json:"status"`
	Fingerprint fingerprint.Fingerprint `json:"-"`
	Result      kernel.Result           `json:"-"`
	FromCache   bool                    `json:"from_cache,omitempty"`
	Err         error                   `json:"-"`
	BlockedBy   string                  `json:"blocked_by,omitempty"`
	Epoch       uint64                  `json:"epoch"`
}

// Transition is published each time a node changes status.
type Transition struct {
	RunID string    `json:"run_id"`
	Epoch uint64    `json:"epoch"`
	At    time.Time `json:"at"`
	Outcome
}

// RunState is the final state of a run.
type RunState int

const (
	Completed RunState = iota
	Superseded
	Aborted
)

func (s RunState) String() string {
	switch s {
	case Completed:
		return "completed"
	case Superseded:
		return "superseded"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Summary describes a settled run. Nodes holds the cone's outcomes; every
// other graph node is listed in Unchanged.
type Summary struct {
	RunID       string             `json:"run_id"`
	Epoch       uint64             `json:"epoch"`
	State       RunState           `json:"state"`
	Err         error              `json:"-"`
	Nodes       map[string]Outcome `json:"nodes"`
	Order       []string           `json:"order"`
	Unchanged   []string           `json:"unchanged"`
	KernelCalls int                `json:"kernel_calls"`
	CacheHits   int                `json:"cache_hits"`
	Joined      int                `json:"joined"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

// Count returns how many cone nodes ended in status st.
func (s *Summary) Count(st Status) int {
	n := 0
	for _, o := range s.Nodes {
		if o.Status == st {
			n++
		}
	}
	return n
}

// Event is what subscribers receive: exactly one of Transition or Summary.
type Event struct {
	Transition *Transition `json:"transition,omitempty"`
	Summary    *Summary    `json:"summary,omitempty"`
}
