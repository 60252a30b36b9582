// Package txn groups bursts of related operations (drag, resize, rotate,
// import, text edits) into one atomic undo unit.
//
// Manual begin/commit/abort is the baseline contract. Pattern-based
// auto-bundling is an optional layer on top: operations flowing through the
// manager are matched against a table of named gesture patterns, each with
// an inactivity window that commits the bundle when the gesture goes quiet.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rotoshake/imagecanvas/internal/ctxlog"
	"github.com/rotoshake/imagecanvas/internal/op"
)

// Recorder receives committed entries; in practice the undo/redo manager.
type Recorder interface {
	Record(ctx context.Context, entry op.Entry)
}

// Pattern describes one auto-bundled gesture: a detection predicate and the
// inactivity window after which the bundle commits.
type Pattern struct {
	Name   string
	Window time.Duration
	Match  func(o *op.Operation) bool
}

// DefaultPatterns is the built-in gesture table.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:   "drag",
			Window: 50 * time.Millisecond,
			Match: func(o *op.Operation) bool {
				return o.Type == op.TypeNodeMove && o.Source == "drag"
			},
		},
		{
			Name:   "resize-handle",
			Window: 100 * time.Millisecond,
			Match: func(o *op.Operation) bool {
				return o.Type == op.TypeNodeResize && o.Source == "resize-handle"
			},
		},
		{
			Name:   "rotate-handle",
			Window: 100 * time.Millisecond,
			Match: func(o *op.Operation) bool {
				return o.Type == op.TypeNodeRotate && o.Source == "rotate-handle"
			},
		},
		{
			Name:   "text-edit",
			Window: time.Second,
			Match: func(o *op.Operation) bool {
				return o.Type == op.TypeNodePropertyUpdate && o.Source == "text-edit"
			},
		},
		{
			Name:   "import",
			Window: 200 * time.Millisecond,
			Match: func(o *op.Operation) bool {
				return o.Source == "import"
			},
		},
	}
}

// transaction is the in-flight bundle.
type transaction struct {
	source  string
	pattern *Pattern
	ops     []*op.Operation
	timer   *time.Timer
}

// Manager buffers operations into transactions and hands committed bundles
// to the recorder. At most one transaction is active at a time.
type Manager struct {
	mu       sync.Mutex
	rec      Recorder
	patterns []Pattern
	active   *transaction
}

// NewManager returns a manager forwarding committed entries to rec. A nil
// patterns slice disables auto-bundling (manual transactions only).
func NewManager(rec Recorder, patterns []Pattern) *Manager {
	return &Manager{rec: rec, patterns: patterns}
}

// BeginTransaction starts a manual transaction for the given gesture
// source. An already active transaction is committed first.
func (m *Manager) BeginTransaction(ctx context.Context, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.commitLocked(ctx)
	}
	ctxlog.FromContext(ctx).Debug("Transaction started.", "source", source)
	m.active = &transaction{source: source}
}

// CommitTransaction finalizes the active transaction, recording its
// operations as a single undo unit. A bundle of one operation degenerates
// to recording that operation directly.
func (m *Manager) CommitTransaction(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitLocked(ctx)
}

// AbortTransaction discards the buffered operations without recording any
// undo history; used when a gesture is cancelled mid-flight.
func (m *Manager) AbortTransaction(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	if m.active.timer != nil {
		m.active.timer.Stop()
	}
	ctxlog.FromContext(ctx).Debug("Transaction aborted.", "source", m.active.source, "discarded", len(m.active.ops))
	m.active = nil
}

// Active reports whether a transaction is in flight.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Record implements the pipeline's recorder contract. Operations join the
// active transaction, start an auto-bundled one when a pattern matches, or
// pass straight through to the recorder. Non-operation entries (already
// bundled) always pass through.
func (m *Manager) Record(ctx context.Context, entry op.Entry) {
	o, ok := entry.(*op.Operation)
	if !ok {
		m.rec.Record(ctx, entry)
		return
	}

	m.mu.Lock()

	if m.active != nil {
		tx := m.active
		if tx.pattern == nil || tx.pattern.Match(o) {
			tx.ops = append(tx.ops, o)
			if tx.timer != nil {
				tx.timer.Reset(tx.pattern.Window)
			}
			m.mu.Unlock()
			return
		}
		// The gesture changed: close the old bundle before opening a new one.
		m.commitLocked(ctx)
	}

	if p := m.matchPattern(o); p != nil {
		tx := &transaction{source: p.Name, pattern: p, ops: []*op.Operation{o}}
		tx.timer = time.AfterFunc(p.Window, func() { m.commitAuto(ctx, tx) })
		m.active = tx
		m.mu.Unlock()
		return
	}

	m.mu.Unlock()
	m.rec.Record(ctx, o)
}

func (m *Manager) matchPattern(o *op.Operation) *Pattern {
	for i := range m.patterns {
		if m.patterns[i].Match(o) {
			return &m.patterns[i]
		}
	}
	return nil
}

// commitAuto is the inactivity-timer callback. It commits only if the
// transaction it was armed for is still the active one.
func (m *Manager) commitAuto(ctx context.Context, tx *transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != tx {
		return
	}
	m.commitLocked(ctx)
}

// commitLocked finalizes the active transaction. Caller holds m.mu.
func (m *Manager) commitLocked(ctx context.Context) {
	tx := m.active
	if tx == nil {
		return
	}
	if tx.timer != nil {
		tx.timer.Stop()
	}
	m.active = nil

	logger := ctxlog.FromContext(ctx)
	switch len(tx.ops) {
	case 0:
		logger.Debug("Empty transaction committed.", "source", tx.source)
	case 1:
		logger.Debug("Singleton transaction recorded directly.", "source", tx.source)
		m.rec.Record(ctx, tx.ops[0])
	default:
		bundle := &op.Bundle{
			ID:        uuid.NewString(),
			UserID:    tx.ops[0].UserID,
			Source:    tx.source,
			Timestamp: tx.ops[0].Timestamp,
			Ops:       tx.ops,
		}
		logger.Debug("Transaction committed as bundle.", "source", tx.source, "ops", len(tx.ops))
		m.rec.Record(ctx, bundle)
	}
}
