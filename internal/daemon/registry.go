package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/commsd/commsd/internal/protocol"
	"github.com/commsd/commsd/internal/service"
)

// Constructor builds one backend on first use.
type Constructor func() (service.Backend, error)

// Registry lazily constructs backends, once per service name. A failed
// construction is not cached so a later request can retry (e.g. after
// the user grants Full Disk Access).
type Registry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	backends     map[string]service.Backend
}

func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		backends:     make(map[string]service.Backend),
	}
}

// Register installs a constructor for a service name.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// Services returns the registered service names.
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		out = append(out, name)
	}
	return out
}

// Get returns the backend for a service, constructing it on first use.
func (r *Registry) Get(name string) (service.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[name]; ok {
		return b, nil
	}
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, &service.Error{
			Code:    protocol.CodeUnknownService,
			Message: fmt.Sprintf("unknown service %q", name),
		}
	}
	b, err := ctor()
	if err != nil {
		return nil, err
	}
	r.backends[name] = b
	return b, nil
}

// Constructed returns the backend only if it has already been built.
func (r *Registry) Constructed(name string) (service.Backend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[name]
	return b, ok
}

// HealthAll reports the status of every registered service. Backends
// never built yet report "idle" rather than being constructed just for
// a health probe.
func (r *Registry) HealthAll(ctx context.Context) map[string]any {
	r.mu.Lock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	built := make(map[string]service.Backend, len(r.backends))
	for name, b := range r.backends {
		built[name] = b
	}
	r.mu.Unlock()

	out := make(map[string]any, len(names))
	for _, name := range names {
		b, ok := built[name]
		if !ok {
			out[name] = map[string]any{"status": "idle"}
			continue
		}
		if h, ok := b.(service.Health); ok {
			out[name] = h.Health(ctx)
		} else {
			out[name] = map[string]any{"status": "ok"}
		}
	}
	return out
}
