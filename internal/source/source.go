// Package source defines the uniform enrichment source interface, the
// registry that carries each source's criticality and cache kind, and the
// adapters that turn provider API responses into model.RawMetrics.
package source

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/resilience"
	"github.com/sells-group/area-advisor/pkg/httpx"
)

// Client fetches raw metrics for one area. Errors should be a
// *resilience.SourceError; anything else is classified by
// resilience.Classify.
type Client interface {
	ID() string
	Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error)
}

// Scoped is implemented by clients whose result depends on more than the
// area code. Scope is folded into the cache key.
type Scoped interface {
	Scope(q model.AreaQuery) string
}

// Criticality decides what a failure of the source does to its area.
type Criticality string

// Criticality levels.
const (
	Critical  Criticality = "critical"
	Important Criticality = "important"
	Optional  Criticality = "optional"
)

// ParseCriticality maps a config string to a Criticality.
func ParseCriticality(s string) (Criticality, error) {
	switch c := Criticality(strings.ToLower(strings.TrimSpace(s))); c {
	case Critical, Important, Optional:
		return c, nil
	}
	return "", eris.Errorf("source: unknown criticality %q", s)
}

// Binding registers a client with its criticality and cache kind.
type Binding struct {
	Client      Client
	Criticality Criticality
	Kind        string
}

// ID returns the client id.
func (b Binding) ID() string { return b.Client.ID() }

// CacheKey is the cache key for q against this binding.
func (b Binding) CacheKey(q model.AreaQuery) string {
	key := b.Client.ID()
	if s, ok := b.Client.(Scoped); ok {
		if scope := s.Scope(q); scope != "" {
			key += ":" + strings.ToLower(scope)
		}
	}
	return key + ":" + model.NormalizeAreaCode(q.AreaCode)
}

// Registry holds the bindings in registration order.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register adds or replaces a binding.
func (r *Registry) Register(b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := b.ID()
	if _, ok := r.bindings[id]; !ok {
		r.order = append(r.order, id)
	}
	r.bindings[id] = b
}

// Get returns the binding for id.
func (r *Registry) Get(id string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[id]
	return b, ok
}

// Bindings returns every binding in registration order.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.bindings[id])
	}
	return out
}

// Primary returns the first critical binding.
func (r *Registry) Primary() (Binding, bool) {
	for _, b := range r.Bindings() {
		if b.Criticality == Critical {
			return b, true
		}
	}
	return Binding{}, false
}

// IDs returns the registered ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// classify converts transport errors from pkg clients into SourceErrors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *resilience.SourceError
	if errors.As(err, &se) {
		return err
	}
	var status *httpx.StatusError
	if errors.As(err, &status) {
		return resilience.FromHTTPStatus(status.StatusCode, status.Header, err)
	}
	switch resilience.Classify(err) {
	case model.FailureTransient:
		return resilience.Transient(err)
	default:
		return resilience.Permanent(err)
	}
}
