package op

import (
	"fmt"
	"sort"
	"sync"
)

// Definition describes one operation type. Validate and Apply are
// table-driven: the pipeline and the server state manager never switch on
// type names themselves.
type Definition struct {
	// Type is the wire name of the operation ("node_move", ...).
	Type string
	// Excluded marks view-only operations (pan, zoom, selection, cursor,
	// hover, preview) that are never broadcast and never enter history.
	Excluded bool
	// Nodes extracts the node ids the operation will touch, for dependency
	// admission. May be nil for operations that touch no existing node.
	Nodes func(p Params) []string
	// Validate checks params and referenced-node existence. It must be
	// pure: a validation failure leaves no partial state change.
	Validate func(env *Env, p Params) error
	// Apply mutates the store, captures o.UndoData, and returns the
	// changes record. A nil/empty record signals a no-op.
	Apply func(env *Env, o *Operation) (*Changes, error)
	// Invert reverts a previously applied operation using o.UndoData.
	// Nil marks the type as non-reversible.
	Invert func(env *Env, o *Operation) error
}

// Registry maps operation type names to their definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Incomplete or duplicate definitions are
// programmer errors and fail loudly.
func (r *Registry) Register(d *Definition) error {
	if d.Type == "" {
		return fmt.Errorf("definition has no type name")
	}
	if d.Apply == nil {
		return fmt.Errorf("definition %q has no applier", d.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.Type]; ok {
		return fmt.Errorf("duplicate operation type: %s", d.Type)
	}
	r.defs[d.Type] = d
	return nil
}

// Lookup resolves a type name.
func (r *Registry) Lookup(opType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[opType]
	return d, ok
}

// Excluded reports whether the type is a view-only operation. Unknown types
// report false; the pipeline rejects them before this matters.
func (r *Registry) Excluded(opType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[opType]
	return ok && d.Excluded
}

// Types returns the registered type names, sorted for stable logs.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
