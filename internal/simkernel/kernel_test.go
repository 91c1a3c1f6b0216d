package simkernel_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
	"github.com/gyaneshwarpardhi/nodegraph/internal/simkernel"
)

func execute(t *testing.T, s kernel.Session, req kernel.Request) cty.Value {
	t.Helper()
	res, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Positive(t, res.Size)
	v, ok := res.Output("out")
	require.True(t, ok)
	return v
}

func TestExecute_Arithmetic(t *testing.T) {
	k := simkernel.New()
	s, err := k.Factory()(context.Background(), "s1")
	require.NoError(t, err)
	n := cty.NumberIntVal

	tests := []struct {
		name string
		req  kernel.Request
		want cty.Value
	}{
		{"number", kernel.Request{NodeID: "a", Type: "number", Params: map[string]cty.Value{"value": n(4)}}, n(4)},
		{"add", kernel.Request{NodeID: "b", Type: "add", Inputs: map[string]cty.Value{"a": n(4), "b": n(3)}}, n(7)},
		{"scale", kernel.Request{NodeID: "c", Type: "scale",
			Params: map[string]cty.Value{"factor": cty.NumberFloatVal(0.5)}, Inputs: map[string]cty.Value{"in": n(8)}}, n(4)},
		{"sum", kernel.Request{NodeID: "d", Type: "sum",
			Params: map[string]cty.Value{"values": cty.TupleVal([]cty.Value{n(1), n(2)})}, Inputs: map[string]cty.Value{"in": n(10)}}, n(13)},
		{"string numbers convert", kernel.Request{NodeID: "e", Type: "number", Params: map[string]cty.Value{"value": cty.StringVal("12")}}, n(12)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := execute(t, s, tt.req)
			assert.True(t, got.Equals(tt.want).True(), "got %s want %s", got.GoString(), tt.want.GoString())
		})
	}
	assert.Equal(t, 1, k.Calls("a"))
	assert.Equal(t, len(tests), k.TotalCalls())
}

func TestExecute_Errors(t *testing.T) {
	k := simkernel.New()
	s, _ := k.Factory()(context.Background(), "s1")

	_, err := s.Execute(context.Background(), kernel.Request{NodeID: "x", Type: "warp"})
	assert.ErrorIs(t, err, simkernel.ErrUnknownType)

	_, err = s.Execute(context.Background(), kernel.Request{NodeID: "y", Type: "scale"})
	assert.ErrorContains(t, err, "in is not set")
}

func TestClock_Advances(t *testing.T) {
	k := simkernel.New()
	s, _ := k.Factory()(context.Background(), "s1")
	a := execute(t, s, kernel.Request{NodeID: "c", Type: "clock"})
	b := execute(t, s, kernel.Request{NodeID: "c", Type: "clock"})
	assert.False(t, a.Equals(b).True())
}

func TestHookAndClose(t *testing.T) {
	boom := errors.New("boom")
	k := simkernel.New(simkernel.WithHook(func(_ context.Context, session string, req kernel.Request) error {
		if req.NodeID == "bad" {
			return boom
		}
		return nil
	}))
	s, _ := k.Factory()(context.Background(), "s1")

	_, err := s.Execute(context.Background(), kernel.Request{NodeID: "bad", Type: "number"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, k.Calls("bad"), "hooked calls still count")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, k.SessionsCreated())
	assert.Equal(t, 1, k.SessionsClosed())

	_, err = s.Execute(context.Background(), kernel.Request{NodeID: "ok", Type: "number"})
	assert.ErrorIs(t, err, kernel.ErrCrashed)

	k.ResetCalls()
	assert.Equal(t, 0, k.TotalCalls())
}
