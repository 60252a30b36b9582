// Package state is the server-side single source of truth for project
// canvases.
//
// Operations for one project are applied strictly sequentially against one
// in-memory state object guarded by a per-project lock; different projects
// proceed independently. Every successful application bumps the version by
// exactly one, persists the canvas, and appends an operation-log row whose
// sequence number is the new version.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rotoshake/imagecanvas/internal/canvas"
	"github.com/rotoshake/imagecanvas/internal/ctxlog"
	"github.com/rotoshake/imagecanvas/internal/history"
	"github.com/rotoshake/imagecanvas/internal/op"
	"github.com/rotoshake/imagecanvas/internal/persist"
)

// DefaultCacheSize bounds the number of project states held in memory.
// Eviction is safe: state is persisted after every successful mutation and
// reloaded lazily on the next access.
const DefaultCacheSize = 128

// seenActionLimit bounds per-project duplicate suppression. Transport is
// not exactly-once; recently applied action ids are remembered and
// re-submissions rejected.
const seenActionLimit = 1024

// ExecResult is the outcome of one authoritative operation application.
type ExecResult struct {
	Success      bool
	StateVersion int64
	Changes      *op.Changes
	Err          error
}

// Config wires a Manager.
type Config struct {
	Registry *op.Registry
	Store    persist.Store
	// CacheSize defaults to DefaultCacheSize when zero.
	CacheSize int
	// MaxHistoryPerUser defaults to history.DefaultMaxPerUser when zero.
	MaxHistoryPerUser int
}

// project is one cached authoritative canvas state.
type project struct {
	mu           sync.Mutex
	id           string
	env          *op.Env
	version      int64
	lastModified time.Time
	hist         *history.Manager

	seenActions map[string]struct{}
	seenOrder   []string
}

// Manager owns all authoritative project states.
type Manager struct {
	registry   *op.Registry
	store      persist.Store
	maxHistory int

	mu    sync.Mutex
	cache *lru.Cache[string, *project]
}

// NewManager returns a Manager backed by the given persistence store.
func NewManager(cfg Config) (*Manager, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *project](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create project cache: %w", err)
	}
	return &Manager{
		registry:   cfg.Registry,
		store:      cfg.Store,
		maxHistory: cfg.MaxHistoryPerUser,
		cache:      cache,
	}, nil
}

// getProject returns the cached state for a project, lazily loading it
// from persistence on first access.
func (m *Manager) getProject(ctx context.Context, projectID string) (*project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.cache.Get(projectID); ok {
		return p, nil
	}

	store := canvas.NewStore()
	var version int64
	data, v, err := m.store.GetCanvas(ctx, projectID)
	switch {
	case errors.Is(err, persist.ErrNotFound):
		// New project: empty canvas at version 0.
	case err != nil:
		return nil, err
	default:
		nodes, err := persist.DecodeNodes(data)
		if err != nil {
			return nil, err
		}
		store.Restore(nodes)
		version = v
	}

	env := &op.Env{Store: store, Registry: m.registry}
	p := &project{
		id:      projectID,
		env:     env,
		version: version,
		hist: history.New(env, history.Config{
			ProjectID:  projectID,
			MaxPerUser: m.maxHistory,
		}),
		seenActions: make(map[string]struct{}),
	}
	m.cache.Add(projectID, p)
	ctxlog.FromContext(ctx).Debug("Project state loaded.", "projectID", projectID, "version", version, "nodes", store.Len())
	return p, nil
}

// ExecuteOperation validates and applies one operation against the
// project's authoritative state. No idempotence is claimed for repeated
// identical submissions: each successful apply increments the version.
// Duplicate *action ids*, however, are rejected outright.
func (m *Manager) ExecuteOperation(ctx context.Context, projectID string, o *op.Operation, userID string) *ExecResult {
	logger := ctxlog.FromContext(ctx).With("projectID", projectID, "opType", o.Type, "userID", userID)

	p, err := m.getProject(ctx, projectID)
	if err != nil {
		return &ExecResult{Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if o.ID != "" {
		if _, dup := p.seenActions[o.ID]; dup {
			return &ExecResult{StateVersion: p.version, Err: fmt.Errorf("duplicate operation: %s", o.ID)}
		}
	}

	def, ok := m.registry.Lookup(o.Type)
	if !ok {
		return &ExecResult{StateVersion: p.version, Err: fmt.Errorf("unknown operation type: %s", o.Type)}
	}
	if def.Excluded {
		return &ExecResult{StateVersion: p.version, Err: fmt.Errorf("operation type %s is view-only", o.Type)}
	}
	if def.Validate != nil {
		if err := def.Validate(p.env, o.Params); err != nil {
			logger.Debug("Operation rejected by validator.", "error", err)
			return &ExecResult{StateVersion: p.version, Err: fmt.Errorf("validation failed: %w", err)}
		}
	}

	o.UserID = userID
	changes, err := def.Apply(p.env, o)
	if err != nil {
		return &ExecResult{StateVersion: p.version, Err: err}
	}
	if changes.Empty() {
		// A no-op is a rejection, not a silent success: no version bump,
		// nothing persisted or broadcast.
		return &ExecResult{StateVersion: p.version, Err: fmt.Errorf("operation %s had no effect", o.Type)}
	}
	o.Executed = true

	if err := m.commitLocked(ctx, p, userID, o.Type, o.Params); err != nil {
		// Keep memory consistent with disk: roll the application back.
		if undoErr := o.Undo(ctx, p.env); undoErr != nil {
			logger.Error("Failed to roll back after persistence failure.", "error", undoErr)
		}
		return &ExecResult{StateVersion: p.version, Err: err}
	}

	p.hist.Record(ctx, o)
	if o.ID != "" {
		p.rememberActionLocked(o.ID)
	}
	logger.Debug("Operation applied.", "version", p.version)
	return &ExecResult{Success: true, StateVersion: p.version, Changes: changes}
}

// commitLocked bumps the version, persists the snapshot, and appends the
// operation-log row. Caller holds p.mu.
func (m *Manager) commitLocked(ctx context.Context, p *project, userID, opType string, params op.Params) error {
	snapshot, err := persist.EncodeNodes(p.env.Store.Snapshot())
	if err != nil {
		return err
	}
	next := p.version + 1
	if err := m.store.UpdateCanvas(ctx, p.id, snapshot, next); err != nil {
		return err
	}
	if err := m.store.AddOperation(ctx, p.id, userID, opType, params, next); err != nil {
		return err
	}
	p.version = next
	p.lastModified = time.Now()
	return nil
}

func (p *project) rememberActionLocked(actionID string) {
	p.seenActions[actionID] = struct{}{}
	p.seenOrder = append(p.seenOrder, actionID)
	if len(p.seenOrder) > seenActionLimit {
		drop := p.seenOrder[:len(p.seenOrder)-seenActionLimit/2]
		for _, id := range drop {
			delete(p.seenActions, id)
		}
		p.seenOrder = append([]string(nil), p.seenOrder[len(drop):]...)
	}
}

// UndoResult is the outcome of a server-side undo or redo.
type UndoResult struct {
	Success      bool
	StateVersion int64
	Changes      *op.Changes
	Reason       string
}

// Undo reverts the user's most recent recorded entry against the
// authoritative state. A successful undo is itself a state mutation: the
// version bumps and an "undo" log row is appended.
func (m *Manager) Undo(ctx context.Context, projectID, userID string) (*UndoResult, error) {
	return m.revert(ctx, projectID, userID, "undo", func(p *project) *op.Result {
		return p.hist.Undo(ctx, userID)
	})
}

// Redo re-applies the user's most recently undone entry.
func (m *Manager) Redo(ctx context.Context, projectID, userID string) (*UndoResult, error) {
	return m.revert(ctx, projectID, userID, "redo", func(p *project) *op.Result {
		return p.hist.Redo(ctx, userID)
	})
}

func (m *Manager) revert(ctx context.Context, projectID, userID, verb string, apply func(*project) *op.Result) (*UndoResult, error) {
	p, err := m.getProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res := apply(p)
	if !res.Success {
		return &UndoResult{StateVersion: p.version, Reason: res.Err.Error()}, nil
	}
	entry := res.Data.(op.Entry)

	changes := p.changesForLocked(entry)
	if err := m.commitLocked(ctx, p, userID, verb, op.Params{"entryId": entry.EntryID()}); err != nil {
		// Keep memory consistent with disk: unwind the in-memory revert and
		// restore the history index.
		var unwindErr error
		if verb == "undo" {
			unwindErr = p.hist.UnwindUndo(ctx, userID)
		} else {
			unwindErr = p.hist.UnwindRedo(ctx, userID)
		}
		if unwindErr != nil {
			ctxlog.FromContext(ctx).Error("Failed to unwind after persistence failure.",
				"projectID", projectID, "verb", verb, "error", unwindErr)
		}
		return nil, err
	}
	return &UndoResult{Success: true, StateVersion: p.version, Changes: changes}, nil
}

// changesForLocked derives a changes record for the nodes an entry touched
// by inspecting their state after the revert: present nodes are reported as
// updates, absent ones as removals. Clients upsert on update, so a restored
// node travels fine as an update.
func (p *project) changesForLocked(entry op.Entry) *op.Changes {
	changes := &op.Changes{}
	for _, nodeID := range entry.NodeIDs() {
		if n := p.env.Store.GetNodeByID(nodeID); n != nil {
			changes.Updated = append(changes.Updated, n.Clone())
		} else {
			changes.Removed = append(changes.Removed, nodeID)
		}
	}
	return changes
}

// FullState returns a snapshot and version for (re)join reconciliation.
func (m *Manager) FullState(ctx context.Context, projectID string) ([]*canvas.Node, int64, error) {
	p, err := m.getProject(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.env.Store.Snapshot(), p.version, nil
}

// Version returns the project's current state version.
func (m *Manager) Version(ctx context.Context, projectID string) (int64, error) {
	p, err := m.getProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version, nil
}

// Forget drops a project from the cache; the next access reloads it from
// persistence. Used when the last participant leaves a project room.
func (m *Manager) Forget(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(projectID)
}
