// Package pipeline validates, executes, and broadcasts canvas operations.
//
// A pipeline instance executes at most one operation at a time: concurrent
// calls are queued and drained strictly FIFO, which eliminates local
// read/modify/write races on the node store. Errors thrown anywhere inside
// execution are caught and converted into failure results; the pipeline
// itself never crashes.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rotoshake/imagecanvas/internal/ctxlog"
	"github.com/rotoshake/imagecanvas/internal/deptrack"
	"github.com/rotoshake/imagecanvas/internal/op"
)

// Broadcaster sends an executed local operation to peers.
type Broadcaster interface {
	Broadcast(ctx context.Context, o *op.Operation) error
}

// Recorder receives executed, trackable operations for undo capture; in
// practice the transaction manager in front of the undo/redo manager.
type Recorder interface {
	Record(ctx context.Context, entry op.Entry)
}

// Hook observes execution. Hooks run in registration order: Before ahead of
// the applier (an error vetoes the operation), After once a result exists.
// This replaces any wrapping of the execute call itself.
type Hook interface {
	Before(ctx context.Context, o *op.Operation) error
	After(ctx context.Context, o *op.Operation, res *op.Result)
}

// Options tunes one Execute call.
type Options struct {
	// Source tags the gesture for transaction bundling.
	Source string
	// UserID overrides the pipeline's default user.
	UserID string
	// Metadata is carried on the operation untouched.
	Metadata map[string]any
	// DepTimeout overrides the dependency wait bound.
	DepTimeout time.Duration
}

// Config wires a Pipeline.
type Config struct {
	Env     *op.Env
	Tracker *deptrack.Tracker
	// Recorder may be nil (no undo capture, e.g. on the server's replay path).
	Recorder Recorder
	// Broadcaster may be nil (offline).
	Broadcaster Broadcaster
	Hooks       []Hook
	// MarkDirty is called after every executed operation so the view
	// schedules a redraw. May be nil.
	MarkDirty func()
	// UserID is the acting user for local operations.
	UserID string
}

// call is one queued execution request.
type call struct {
	ctx   context.Context
	o     *op.Operation
	reply chan *op.Result
}

// Pipeline is the single-flight command executor.
type Pipeline struct {
	env         *op.Env
	tracker     *deptrack.Tracker
	recorder    Recorder
	broadcaster Broadcaster
	hooks       []Hook
	markDirty   func()
	userID      string

	calls      chan *call
	broadcasts chan *op.Operation

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns a running pipeline. Close releases its goroutines.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		env:         cfg.Env,
		tracker:     cfg.Tracker,
		recorder:    cfg.Recorder,
		broadcaster: cfg.Broadcaster,
		hooks:       cfg.Hooks,
		markDirty:   cfg.MarkDirty,
		userID:      cfg.UserID,
		calls:       make(chan *call, 64),
		broadcasts:  make(chan *op.Operation, 64),
	}
	if p.tracker == nil {
		p.tracker = deptrack.New()
	}
	p.wg.Add(2)
	go p.drain()
	go p.retryLoop()
	return p
}

// Close stops the drain and retry loops. Pending queued calls are still
// drained; new calls fail.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.calls)
	close(p.broadcasts)
	p.mu.Unlock()
	p.wg.Wait()
}

// Execute runs a local operation of the given type through the full
// pipeline. Concurrent calls are serialized FIFO.
func (p *Pipeline) Execute(ctx context.Context, opType string, params op.Params, opts Options) *op.Result {
	userID := opts.UserID
	if userID == "" {
		userID = p.userID
	}
	o := &op.Operation{
		Type:      opType,
		Params:    params,
		Origin:    op.OriginLocal,
		Source:    opts.Source,
		UserID:    userID,
		Metadata:  opts.Metadata,
		Timestamp: time.Now(),
	}
	return p.submit(ctx, o)
}

// ExecuteRemote applies an operation received from a peer. It is never
// re-broadcast and never enters local undo history; the operation keeps the
// action id its originator stamped.
func (p *Pipeline) ExecuteRemote(ctx context.Context, o *op.Operation) *op.Result {
	o.Origin = op.OriginRemote
	return p.submit(ctx, o)
}

func (p *Pipeline) submit(ctx context.Context, o *op.Operation) *op.Result {
	c := &call{ctx: ctx, o: o, reply: make(chan *op.Result, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return op.Failf("pipeline is closed")
	}
	p.calls <- c
	p.mu.Unlock()

	select {
	case res := <-c.reply:
		return res
	case <-ctx.Done():
		// The operation may still execute when drained; the caller only
		// loses the result, mirroring a network timeout.
		return op.Fail(fmt.Errorf("canceled waiting for execution: %w", ctx.Err()))
	}
}

// drain is the single-flight execution loop.
func (p *Pipeline) drain() {
	defer p.wg.Done()
	for c := range p.calls {
		c.reply <- p.run(c.ctx, c.o)
	}
}

// run executes one operation end to end. All failure modes resolve to a
// structured result.
func (p *Pipeline) run(ctx context.Context, o *op.Operation) (res *op.Result) {
	logger := ctxlog.FromContext(ctx).With("opType", o.Type, "origin", o.Origin)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Operation execution panicked.", "panic", r)
			if o.ID != "" {
				// Unblock whatever was queued behind this operation.
				_ = p.tracker.MarkFailed(o.ID)
			}
			res = op.Failf("operation %s panicked: %v", o.Type, r)
		}
	}()

	def, ok := p.env.Registry.Lookup(o.Type)
	if !ok {
		return op.Failf("unknown operation type: %s", o.Type)
	}

	// Validation is pure: a failure here leaves no partial state change.
	if def.Validate != nil {
		if err := def.Validate(p.env, o.Params); err != nil {
			logger.Debug("Operation failed validation.", "error", err)
			return op.Fail(fmt.Errorf("validation failed: %w", err))
		}
	}

	excluded := def.Excluded
	if o.ID == "" {
		// Fresh unique action id; peers dedupe on it.
		o.ID = uuid.NewString()
	}

	var nodeIDs []string
	if def.Nodes != nil {
		nodeIDs = def.Nodes(o.Params)
	}
	if err := p.tracker.RegisterOperation(o.ID, nodeIDs); err != nil {
		return op.Fail(err)
	}
	if err := p.tracker.WaitForDependencies(ctx, o.ID, 0); err != nil {
		_ = p.tracker.MarkFailed(o.ID)
		return op.Fail(err)
	}
	_ = p.tracker.MarkExecuting(o.ID)

	for _, h := range p.hooks {
		if err := h.Before(ctx, o); err != nil {
			_ = p.tracker.MarkFailed(o.ID)
			return op.Fail(fmt.Errorf("hook rejected operation: %w", err))
		}
	}

	changes, err := def.Apply(p.env, o)
	if err != nil {
		logger.Warn("Operation execution failed.", "error", err)
		_ = p.tracker.MarkFailed(o.ID)
		res = op.Fail(err)
	} else if changes.Empty() && !excluded {
		_ = p.tracker.MarkFailed(o.ID)
		res = op.Failf("operation %s had no effect", o.Type)
	} else {
		o.Executed = true
		_ = p.tracker.MarkCompleted(o.ID)
		res = op.Ok(changes)

		if !excluded && o.Origin == op.OriginLocal {
			if p.recorder != nil {
				p.recorder.Record(ctx, o)
			}
			if p.broadcaster != nil {
				p.enqueueBroadcast(ctx, o)
			}
		}
	}
	o.Result = res

	for _, h := range p.hooks {
		h.After(ctx, o, res)
	}
	if res.Success && p.markDirty != nil {
		p.markDirty()
	}
	return res
}

// enqueueBroadcast hands the operation to the retry loop without blocking
// execution.
func (p *Pipeline) enqueueBroadcast(ctx context.Context, o *op.Operation) {
	select {
	case p.broadcasts <- o:
	default:
		ctxlog.FromContext(ctx).Warn("Broadcast queue full, dropping to retry inline.", "opID", o.ID)
		go p.broadcastWithRetry(ctx, o)
	}
}

// retryLoop sends queued broadcasts, retrying transient failures with
// exponential backoff.
func (p *Pipeline) retryLoop() {
	defer p.wg.Done()
	for o := range p.broadcasts {
		p.broadcastWithRetry(context.Background(), o)
	}
}

func (p *Pipeline) broadcastWithRetry(ctx context.Context, o *op.Operation) {
	logger := ctxlog.FromContext(ctx)
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err := backoff.Retry(func() error {
		return p.broadcaster.Broadcast(ctx, o)
	}, policy)
	if err != nil {
		logger.Error("Giving up broadcasting operation.", "opID", o.ID, "opType", o.Type, "error", err)
	}
}
