package op

import (
	"context"
	"fmt"
	"time"
)

// Bundle is a composite operation: execute runs members forward in order,
// undo runs them in reverse order. A bundle is recorded in history as a
// single unit, so one undo reverts a whole gesture (drag, resize, import).
type Bundle struct {
	ID        string
	UserID    string
	Source    string
	Timestamp time.Time
	Ops       []*Operation
}

// EntryID implements Entry.
func (b *Bundle) EntryID() string { return b.ID }

// User implements Entry.
func (b *Bundle) User() string { return b.UserID }

// NodeIDs implements Entry. It returns the deduplicated union of member
// node ids.
func (b *Bundle) NodeIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, o := range b.Ops {
		for _, id := range o.Touched {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Reversible implements Entry: a bundle is reversible only if every member is.
func (b *Bundle) Reversible() bool {
	for _, o := range b.Ops {
		if !o.Reversible() {
			return false
		}
	}
	return len(b.Ops) > 0
}

// ContainsType implements Entry.
func (b *Bundle) ContainsType(opType string) bool {
	for _, o := range b.Ops {
		if o.Type == opType {
			return true
		}
	}
	return false
}

// Undo reverts members in reverse order. If a member fails, the members
// already reverted are re-applied so the bundle is never left half undone.
func (b *Bundle) Undo(ctx context.Context, env *Env) error {
	for i := len(b.Ops) - 1; i >= 0; i-- {
		if err := b.Ops[i].Undo(ctx, env); err != nil {
			for j := i + 1; j < len(b.Ops); j++ {
				// Roll the already-undone tail forward again.
				_ = b.Ops[j].Redo(ctx, env)
			}
			return fmt.Errorf("bundle undo failed at member %d (%s): %w", i, b.Ops[i].Type, err)
		}
	}
	return nil
}

// Redo re-applies members in forward order, rolling back on failure.
func (b *Bundle) Redo(ctx context.Context, env *Env) error {
	for i, o := range b.Ops {
		if err := o.Redo(ctx, env); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = b.Ops[j].Undo(ctx, env)
			}
			return fmt.Errorf("bundle redo failed at member %d (%s): %w", i, o.Type, err)
		}
	}
	return nil
}
