// Package engine is the client-side composition root: one Engine wires the
// node store, operation pipeline, transaction manager, undo history, and
// dependency tracker into the surface a canvas UI talks to.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rotoshake/imagecanvas/internal/canvas"
	"github.com/rotoshake/imagecanvas/internal/ctxlog"
	"github.com/rotoshake/imagecanvas/internal/deptrack"
	"github.com/rotoshake/imagecanvas/internal/history"
	"github.com/rotoshake/imagecanvas/internal/notify"
	"github.com/rotoshake/imagecanvas/internal/op"
	"github.com/rotoshake/imagecanvas/internal/pipeline"
	"github.com/rotoshake/imagecanvas/internal/txn"
)

// Config wires an Engine.
type Config struct {
	UserID    string
	ProjectID string
	// Registry defaults to the built-in operation table.
	Registry *op.Registry
	// Broadcaster sends local operations to the server. Nil means offline.
	Broadcaster pipeline.Broadcaster
	// Remote delegates undo/redo to the server while connected. Nil means
	// offline-only history.
	Remote history.Remote
	// Notifier surfaces conflicts and timeouts to the user.
	Notifier notify.Notifier
	// Hooks observe pipeline execution.
	Hooks []pipeline.Hook
	// MarkDirty schedules a redraw after any state change. May be nil.
	MarkDirty func()
	// OnVersionGap fires when an authoritative version skips past the last
	// observed one, meaning at least one update was missed. Callers respond
	// by requesting a full sync and calling ResetState. May be nil.
	OnVersionGap func(have, got int64)
	// MaxHistoryPerUser defaults to history.DefaultMaxPerUser when zero.
	MaxHistoryPerUser int
}

// Engine owns one client's canvas state and its full operation machinery.
type Engine struct {
	cfg      Config
	store    *canvas.Store
	env      *op.Env
	tracker  *deptrack.Tracker
	history  *history.Manager
	txns     *txn.Manager
	pipeline *pipeline.Pipeline

	mu            sync.Mutex
	serverVersion int64
}

// New returns a running engine. Close releases its goroutines.
func New(cfg Config) *Engine {
	registry := cfg.Registry
	if registry == nil {
		registry = op.DefaultRegistry()
	}
	store := canvas.NewStore()
	env := &op.Env{Store: store, Registry: registry}
	tracker := deptrack.New()

	hist := history.New(env, history.Config{
		ProjectID:  cfg.ProjectID,
		MaxPerUser: cfg.MaxHistoryPerUser,
		Remote:     cfg.Remote,
		Notifier:   cfg.Notifier,
	})
	txns := txn.NewManager(hist, txn.DefaultPatterns())

	e := &Engine{
		cfg:     cfg,
		store:   store,
		env:     env,
		tracker: tracker,
		history: hist,
		txns:    txns,
	}
	e.pipeline = pipeline.New(pipeline.Config{
		Env:         env,
		Tracker:     tracker,
		Recorder:    txns,
		Broadcaster: cfg.Broadcaster,
		Hooks:       cfg.Hooks,
		MarkDirty:   cfg.MarkDirty,
		UserID:      cfg.UserID,
	})
	return e
}

// Close stops the pipeline. In-flight operations drain first.
func (e *Engine) Close() {
	e.pipeline.Close()
}

// Store exposes the node store for rendering. Mutation goes through Execute.
func (e *Engine) Store() *canvas.Store { return e.store }

// History exposes the undo manager for UI state (can-undo indicators).
func (e *Engine) History() *history.Manager { return e.history }

// Execute runs a local operation through the full pipeline.
func (e *Engine) Execute(ctx context.Context, opType string, params op.Params, opts pipeline.Options) *op.Result {
	return e.pipeline.Execute(ctx, opType, params, opts)
}

// Undo reverts the local user's most recent entry.
func (e *Engine) Undo(ctx context.Context) *op.Result {
	res := e.history.Undo(ctx, e.cfg.UserID)
	if res.Success && e.cfg.MarkDirty != nil {
		e.cfg.MarkDirty()
	}
	return res
}

// Redo re-applies the local user's most recently undone entry.
func (e *Engine) Redo(ctx context.Context) *op.Result {
	res := e.history.Redo(ctx, e.cfg.UserID)
	if res.Success && e.cfg.MarkDirty != nil {
		e.cfg.MarkDirty()
	}
	return res
}

// BeginTransaction opens a manual undo bundle for a gesture.
func (e *Engine) BeginTransaction(ctx context.Context, source string) {
	e.txns.BeginTransaction(ctx, source)
}

// CommitTransaction closes the open bundle into one history entry.
func (e *Engine) CommitTransaction(ctx context.Context) {
	e.txns.CommitTransaction(ctx)
}

// AbortTransaction discards the open bundle without recording history.
func (e *Engine) AbortTransaction(ctx context.Context) {
	e.txns.AbortTransaction(ctx)
}

// ApplyRemote applies a peer's broadcast operation. It never re-broadcasts
// and never enters local history, but its node touches are tracked so later
// local undo validation sees them.
func (e *Engine) ApplyRemote(ctx context.Context, o *op.Operation, stateVersion int64) *op.Result {
	res := e.pipeline.ExecuteRemote(ctx, o)
	if res.Success {
		e.history.NoteOperation(o.UserID, o.Touched, time.Now())
		e.noteServerVersion(ctx, stateVersion)
	}
	return res
}

// ApplyStateUpdate reconciles a server-computed delta (another user's undo or
// redo, or our own echoed back). The nodes are replaced wholesale; there is
// no operation to replay.
func (e *Engine) ApplyStateUpdate(ctx context.Context, userID string, changes *op.Changes, stateVersion int64) {
	if changes.Empty() {
		return
	}
	var touched []string
	for _, n := range changes.Added {
		e.upsert(n)
		touched = append(touched, n.ID)
	}
	for _, n := range changes.Updated {
		e.upsert(n)
		touched = append(touched, n.ID)
	}
	for _, id := range changes.Removed {
		e.store.RemoveNode(id)
		touched = append(touched, id)
	}

	if userID != e.cfg.UserID {
		e.history.NoteOperation(userID, touched, time.Now())
	}
	e.noteServerVersion(ctx, stateVersion)
	if e.cfg.MarkDirty != nil {
		e.cfg.MarkDirty()
	}
}

// ResetState replaces the whole canvas from a full-state sync.
func (e *Engine) ResetState(nodes []*canvas.Node, version int64) {
	e.store.Restore(nodes)
	e.mu.Lock()
	e.serverVersion = version
	e.mu.Unlock()
	if e.cfg.MarkDirty != nil {
		e.cfg.MarkDirty()
	}
}

// ServerVersion returns the last authoritative version observed.
func (e *Engine) ServerVersion() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serverVersion
}

// upsert replaces a node's state in place, or adds it when absent.
func (e *Engine) upsert(n *canvas.Node) {
	if existing := e.store.GetNodeByID(n.ID); existing != nil {
		*existing = *n.Clone()
		return
	}
	_ = e.store.Add(n.Clone())
}

// noteServerVersion records the observed version and flags gaps. A gap means
// a missed broadcast; the caller should request a full sync.
func (e *Engine) noteServerVersion(ctx context.Context, version int64) {
	if version == 0 {
		return
	}
	e.mu.Lock()
	prev := e.serverVersion
	if version > e.serverVersion {
		e.serverVersion = version
	}
	e.mu.Unlock()
	if prev != 0 && version > prev+1 {
		ctxlog.FromContext(ctx).Warn("State version gap detected, full sync needed.",
			"have", prev, "got", version)
		if e.cfg.OnVersionGap != nil {
			e.cfg.OnVersionGap(prev, version)
		}
	}
}
