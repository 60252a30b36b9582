package op

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotoshake/imagecanvas/internal/canvas"
)

// Origin tags where an operation came from. It controls broadcast and
// undo-capture behavior: only local operations are broadcast and recorded.
type Origin string

const (
	// OriginLocal marks an operation initiated by this client.
	OriginLocal Origin = "local"
	// OriginRemote marks an operation received from a peer via broadcast.
	OriginRemote Origin = "remote"
	// OriginServer marks an operation produced by the server itself
	// (e.g. replayed from the operation log).
	OriginServer Origin = "server"
)

// ErrNotReversible is returned when undo is requested for an operation that
// never captured undo data.
var ErrNotReversible = errors.New("operation is not reversible")

// Result is the structured outcome every component boundary resolves to.
// Nothing escapes as a raw panic or unhandled error across boundaries.
type Result struct {
	Success bool
	Data    any
	Err     error
}

// Ok returns a successful result carrying optional data.
func Ok(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail returns a failure result wrapping the given error.
func Fail(err error) *Result {
	return &Result{Success: false, Err: err}
}

// Failf returns a failure result with a formatted error.
func Failf(format string, args ...any) *Result {
	return &Result{Success: false, Err: fmt.Errorf(format, args...)}
}

// Env bundles what appliers and inverters need: the node store being
// mutated and the registry resolving operation types. It is injected
// explicitly; there are no ambient references.
type Env struct {
	Store    *canvas.Store
	Registry *Registry
}

// Operation is one typed, parameterized unit of change. Once executed it is
// immutable except for bookkeeping (Executed, UndoData, Result, Touched).
type Operation struct {
	// ID is the action id stamped by the pipeline before broadcast; peers
	// use it for deduplication.
	ID string `json:"id"`
	// Type names the registered operation definition.
	Type   string `json:"type"`
	Params Params `json:"params"`
	Origin Origin `json:"origin"`
	// Source tags the gesture that produced the operation ("drag",
	// "resize-handle", "import", ...); the transaction manager keys its
	// bundling patterns on it.
	Source    string         `json:"source,omitempty"`
	UserID    string         `json:"userId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// Executed is set once the applier ran successfully.
	Executed bool `json:"-"`
	// UndoData is captured by the applier. A nil map marks the operation
	// as non-reversible.
	UndoData map[string]any `json:"-"`
	// Result is the outcome of the most recent execution.
	Result *Result `json:"-"`
	// Touched is the set of node ids the operation affected, recorded at
	// execution time for dependency admission and conflict detection.
	Touched []string `json:"-"`
}

// Entry is what a user's undo history stores: either a single Operation or
// a Bundle of them.
type Entry interface {
	// EntryID identifies the entry for global tracking maps.
	EntryID() string
	// User is the id of the user whose history owns the entry.
	User() string
	// NodeIDs is the union of node ids the entry touched.
	NodeIDs() []string
	// Reversible reports whether undo data exists for the whole entry.
	Reversible() bool
	// ContainsType reports whether the entry includes an operation of the
	// given type. Conflict validation uses it to special-case deletes.
	ContainsType(opType string) bool
	// Undo reverts the entry against the given environment.
	Undo(ctx context.Context, env *Env) error
	// Redo re-applies the entry against the given environment.
	Redo(ctx context.Context, env *Env) error
}

// EntryID implements Entry.
func (o *Operation) EntryID() string { return o.ID }

// User implements Entry.
func (o *Operation) User() string { return o.UserID }

// NodeIDs implements Entry.
func (o *Operation) NodeIDs() []string { return o.Touched }

// Reversible implements Entry.
func (o *Operation) Reversible() bool { return o.UndoData != nil }

// ContainsType implements Entry.
func (o *Operation) ContainsType(opType string) bool { return o.Type == opType }

// Undo inverts the operation using its captured undo data.
func (o *Operation) Undo(ctx context.Context, env *Env) error {
	def, ok := env.Registry.Lookup(o.Type)
	if !ok {
		return fmt.Errorf("unknown operation type: %s", o.Type)
	}
	if o.UndoData == nil {
		return fmt.Errorf("%w: %s", ErrNotReversible, o.Type)
	}
	if def.Invert == nil {
		return fmt.Errorf("%w: %s has no inverter", ErrNotReversible, o.Type)
	}
	return def.Invert(env, o)
}

// Redo re-applies the operation. The applier refreshes the undo data so a
// later undo restores the pre-redo state.
func (o *Operation) Redo(ctx context.Context, env *Env) error {
	def, ok := env.Registry.Lookup(o.Type)
	if !ok {
		return fmt.Errorf("unknown operation type: %s", o.Type)
	}
	changes, err := def.Apply(env, o)
	if err != nil {
		return err
	}
	if changes.Empty() {
		return errors.New("redo had no effect")
	}
	return nil
}
