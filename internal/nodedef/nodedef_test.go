package nodedef_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
	"github.com/gyaneshwarpardhi/nodegraph/internal/nodedef"
	"github.com/gyaneshwarpardhi/nodegraph/internal/simkernel"
)

func TestRegistry(t *testing.T) {
	r := nodedef.NewRegistry()
	r.Register(&nodedef.Spec{Name: "b"})
	r.Register(&nodedef.Spec{Name: "a"})

	assert.Equal(t, []string{"a", "b"}, r.Types())
	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, err := r.Get("c")
	assert.ErrorContains(t, err, `"c"`)
	assert.Panics(t, func() { r.Register(&nodedef.Spec{Name: "a"}) })
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		out, in cty.Type
		want    bool
	}{
		{cty.Number, cty.Number, true},
		{cty.Number, cty.String, true},
		{cty.Bool, cty.String, true},
		{cty.String, cty.Number, false},
		{cty.Bool, cty.Number, false},
		{cty.List(cty.Number), cty.DynamicPseudoType, true},
		{cty.DynamicPseudoType, cty.Number, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nodedef.Compatible(tt.out, tt.in), "%s -> %s", tt.out.FriendlyName(), tt.in.FriendlyName())
	}
}

func TestResolveParams(t *testing.T) {
	def := &nodedef.Spec{Name: "scale", Params: map[string]cty.Value{
		"factor": cty.NumberIntVal(1),
		"mode":   cty.StringVal("fast"),
	}}
	got := nodedef.ResolveParams(def, map[string]cty.Value{"factor": cty.NumberIntVal(3)})

	want := map[string]string{"factor": "3", "mode": "fast"}
	plain := make(map[string]string, len(got))
	for k, v := range got {
		if v.Type().Equals(cty.Number) {
			plain[k] = v.AsBigFloat().Text('f', -1)
		} else {
			plain[k] = v.AsString()
		}
	}
	if diff := cmp.Diff(want, plain); diff != "" {
		t.Errorf("ResolveParams mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "1", def.Params["factor"].AsBigFloat().Text('f', -1), "defaults untouched")
}

func TestBridge_ConvertsAndChecksOutputs(t *testing.T) {
	reg := nodedef.NewRegistry()
	reg.Register(&nodedef.Spec{Name: "number", Out: []nodedef.Port{{Name: "out", Type: cty.String}}})
	reg.Register(&nodedef.Spec{Name: "clock", Out: []nodedef.Port{{Name: "missing", Type: cty.Number}}})

	k := simkernel.New()
	s, err := nodedef.Bridge(reg, k.Factory())(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID())

	res, err := s.Execute(context.Background(), kernel.Request{NodeID: "n", Type: "number",
		Params: map[string]cty.Value{"value": cty.NumberIntVal(3)}})
	require.NoError(t, err)
	out, _ := res.Output("out")
	assert.True(t, out.RawEquals(cty.StringVal("3")), out.GoString())

	_, err = s.Execute(context.Background(), kernel.Request{NodeID: "c", Type: "clock"})
	assert.ErrorContains(t, err, `missing output "missing"`)

	// Types the catalogue does not know go straight to the kernel.
	res, err = s.Execute(context.Background(), kernel.Request{NodeID: "a", Type: "add",
		Inputs: map[string]cty.Value{"a": cty.NumberIntVal(1), "b": cty.NumberIntVal(2)}})
	require.NoError(t, err)
	out, _ = res.Output("out")
	assert.True(t, out.RawEquals(cty.NumberIntVal(3)))

	require.NoError(t, s.Close())
	assert.Equal(t, 1, k.SessionsClosed())
}
