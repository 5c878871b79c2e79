package contacts

import (
	"context"
	"log/slog"

	"github.com/commsd/commsd/internal/protocol"
	"github.com/commsd/commsd/internal/service"
)

// Backend serves the "contacts" service over a loaded directory.
type Backend struct {
	dir *Directory
	log *slog.Logger
}

func NewBackend(dir *Directory, log *slog.Logger) *Backend {
	return &Backend{dir: dir, log: log}
}

func (b *Backend) Name() string { return "contacts" }

func (b *Backend) Health(_ context.Context) map[string]any {
	return map[string]any{"status": "ok", "contacts": b.dir.Len()}
}

func (b *Backend) Dispatch(ctx context.Context, method string, params protocol.Params) (any, error) {
	return service.DispatchTable(ctx, b.Name(), method, params, map[string]service.HandlerFunc{
		"health":  b.health,
		"resolve": b.resolve,
		"search":  b.search,
		"list":    b.list,
		"resync":  b.resync,
	})
}

func (b *Backend) health(ctx context.Context, _ protocol.Params) (any, error) {
	return b.Health(ctx), nil
}

func (b *Backend) resolve(_ context.Context, params protocol.Params) (any, error) {
	query := params.String("query")
	if query == "" {
		return nil, service.InvalidParams("resolve requires a query")
	}
	m, ok := b.dir.Resolve(query)
	if !ok {
		return nil, service.NotFound("no contact matches %q", query)
	}
	return m, nil
}

func (b *Backend) search(_ context.Context, params protocol.Params) (any, error) {
	query := params.String("query")
	if query == "" {
		return nil, service.InvalidParams("search requires a query")
	}
	return map[string]any{"contacts": b.dir.Search(query)}, nil
}

func (b *Backend) list(_ context.Context, _ protocol.Params) (any, error) {
	return map[string]any{"contacts": b.dir.All()}, nil
}

func (b *Backend) resync(_ context.Context, _ protocol.Params) (any, error) {
	if err := b.dir.Resync(); err != nil {
		return nil, err
	}
	b.log.Info("contacts resynced", "count", b.dir.Len())
	return map[string]any{"count": b.dir.Len()}, nil
}
