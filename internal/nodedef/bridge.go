package nodedef

import (
	"context"

	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
)

// Bridge wraps a raw kernel factory so every request is routed through the
// Definition registered for its node type.
func Bridge(cat Catalog, raw kernel.Factory) kernel.Factory {
	return func(ctx context.Context, id string) (kernel.Session, error) {
		s, err := raw(ctx, id)
		if err != nil {
			return nil, err
		}
		return &bridgeSession{cat: cat, raw: s}, nil
	}
}

type bridgeSession struct {
	cat Catalog
	raw kernel.Session
}

func (b *bridgeSession) ID() string   { return b.raw.ID() }
func (b *bridgeSession) Close() error { return b.raw.Close() }

func (b *bridgeSession) Execute(ctx context.Context, req kernel.Request) (kernel.Result, error) {
	def, ok := b.cat.Lookup(req.Type)
	if !ok {
		// Unknown to the catalogue: the raw kernel decides.
		return b.raw.Execute(ctx, req)
	}
	return def.Evaluate(ctx, b.raw, req)
}
