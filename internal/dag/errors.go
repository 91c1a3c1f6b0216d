package dag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrDuplicateNode = errors.New("duplicate node")
	ErrUnknownType   = errors.New("unknown node type")
	ErrUnknownPort   = errors.New("unknown port")
	ErrInvalidParams = errors.New("invalid params")
	ErrCycle         = errors.New("cycle detected")
	ErrTypeMismatch  = errors.New("port type mismatch")
)

// CycleError rejects an edge From → To that would close a cycle.
// Path lists the existing route from To back to From.
type CycleError struct {
	From string
	To   string
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("%s: %s -> %s", ErrCycle, e.From, e.To)
	}
	return fmt.Sprintf("%s: %s -> %s closes %s", ErrCycle, e.From, e.To, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// TypeMismatchError rejects a binding whose output type cannot feed the input.
type TypeMismatchError struct {
	Node       string
	Port       string
	Want       cty.Type
	Source     string
	SourcePort string
	Got        cty.Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: %s.%s (%s) cannot feed %s.%s (%s)", ErrTypeMismatch,
		e.Source, e.SourcePort, e.Got.FriendlyName(), e.Node, e.Port, e.Want.FriendlyName())
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

func unknownNode(id string) error {
	return fmt.Errorf("%w: %q", ErrUnknownNode, id)
}
