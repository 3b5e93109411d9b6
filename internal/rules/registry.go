package rules

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/sigil/internal/engine"
	"github.com/rendis/sigil/internal/expressions"
	"github.com/rendis/sigil/pkg/schema"
)

// Deps carries the shared services rule factories may need.
type Deps struct {
	Engines *expressions.Engines
}

// Factory builds a rule body for one field binding from parsed parameters.
// Parameter validation happens here, once, not on every document.
type Factory func(deps Deps, params map[string]any) (engine.RuleBody, error)

// Registry is the thread-safe rule kind registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	deps      Deps
}

// NewRegistry creates a registry with the builtin rule kinds installed.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		deps:      deps,
	}
	for kind, f := range builtins {
		r.factories[kind] = f
	}
	return r
}

// Register adds a rule kind. Returns error on duplicate kind.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "rule kind is empty")
	}
	if factory == nil {
		return schema.NewError(schema.ErrCodeValidation, "rule factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "rule kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Has checks if a rule kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds returns all registered rule kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build materializes a rule body from a spec. The spec's params are decoded
// once and handed to the kind's factory.
func (r *Registry) Build(spec schema.RuleSpec) (engine.RuleBody, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown rule kind %q", spec.Kind)
	}

	params := map[string]any{}
	if len(spec.Params) > 0 {
		if err := json.Unmarshal(spec.Params, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "rule %q params: %s", spec.Kind, err.Error()).WithCause(err)
		}
	}
	return factory(r.deps, params)
}

// --- Param helpers shared by factories ---

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func requireStringParam(kind string, params map[string]any, key string) (string, error) {
	v := stringParam(params, key)
	if v == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "rule %q requires param %q", kind, key)
	}
	return v, nil
}
