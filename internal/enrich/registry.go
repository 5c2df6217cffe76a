package enrich

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
)

// Registry maps derived fields to the handler that fills them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Field]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Field]Handler)}
}

// Register adds a handler, replacing any previous one for the same field.
// Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Field()] = h
}

func (r *Registry) Get(field domain.Field) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[field]
	if !ok {
		return nil, fmt.Errorf("no enrichment handler for field %q", field)
	}
	return h, nil
}

// All returns every registered handler ordered by field name.
func (r *Registry) All() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field() < out[j].Field() })
	return out
}
