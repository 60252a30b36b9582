package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotoshake/imagecanvas/internal/op"
)

// captureRecorder collects recorded entries.
type captureRecorder struct {
	mu      sync.Mutex
	entries []op.Entry
}

func (r *captureRecorder) Record(ctx context.Context, entry op.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *captureRecorder) all() []op.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]op.Entry(nil), r.entries...)
}

func moveOp(source string) *op.Operation {
	return &op.Operation{
		ID: "m-" + source, Type: op.TypeNodeMove, Source: source, UserID: "u1",
		UndoData: map[string]any{}, Touched: []string{"n"},
	}
}

func TestManualTransactionBundles(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager(rec, nil)
	ctx := context.Background()

	m.BeginTransaction(ctx, "multi-select-drag")
	m.Record(ctx, moveOp("a"))
	m.Record(ctx, moveOp("b"))
	assert.Empty(t, rec.all(), "nothing is recorded until commit")

	m.CommitTransaction(ctx)
	entries := rec.all()
	require.Len(t, entries, 1)
	b, ok := entries[0].(*op.Bundle)
	require.True(t, ok)
	assert.Equal(t, "multi-select-drag", b.Source)
	assert.Len(t, b.Ops, 2)
	assert.False(t, m.Active())
}

func TestSingletonCommitRecordsOperationDirectly(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager(rec, nil)
	ctx := context.Background()

	m.BeginTransaction(ctx, "drag")
	m.Record(ctx, moveOp("only"))
	m.CommitTransaction(ctx)

	entries := rec.all()
	require.Len(t, entries, 1)
	_, isOp := entries[0].(*op.Operation)
	assert.True(t, isOp, "a bundle of one degenerates to the bare operation")
}

func TestAbortDiscards(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager(rec, nil)
	ctx := context.Background()

	m.BeginTransaction(ctx, "drag")
	m.Record(ctx, moveOp("a"))
	m.AbortTransaction(ctx)

	assert.Empty(t, rec.all())
	assert.False(t, m.Active())
}

func TestBeginWhileActiveCommitsOld(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager(rec, nil)
	ctx := context.Background()

	m.BeginTransaction(ctx, "first")
	m.Record(ctx, moveOp("a"))
	m.BeginTransaction(ctx, "second")

	entries := rec.all()
	require.Len(t, entries, 1, "starting a new transaction commits the old one")
	assert.True(t, m.Active())
}

func TestPatternAutoBundlingCommitsAfterInactivity(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager(rec, DefaultPatterns())
	ctx := context.Background()

	for range 3 {
		m.Record(ctx, moveOp("drag"))
	}
	assert.Empty(t, rec.all(), "bundle stays open inside the inactivity window")
	assert.True(t, m.Active())

	require.Eventually(t, func() bool { return len(rec.all()) == 1 },
		time.Second, 10*time.Millisecond, "drag window is 50ms")

	b, ok := rec.all()[0].(*op.Bundle)
	require.True(t, ok)
	assert.Equal(t, "drag", b.Source)
	assert.Len(t, b.Ops, 3)
	assert.False(t, m.Active())
}

func TestUnmatchedOperationPassesThrough(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager(rec, DefaultPatterns())
	ctx := context.Background()

	o := &op.Operation{ID: "x", Type: op.TypeNodeDelete, Source: "toolbar", UserID: "u1"}
	m.Record(ctx, o)

	entries := rec.all()
	require.Len(t, entries, 1)
	assert.Same(t, op.Entry(o), entries[0])
	assert.False(t, m.Active())
}

func TestGestureChangeClosesCurrentBundle(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager(rec, DefaultPatterns())
	ctx := context.Background()

	m.Record(ctx, moveOp("drag"))
	m.Record(ctx, moveOp("drag"))

	// A resize gesture arrives while the drag bundle is open.
	resize := &op.Operation{ID: "r", Type: op.TypeNodeResize, Source: "resize-handle", UserID: "u1"}
	m.Record(ctx, resize)

	entries := rec.all()
	require.Len(t, entries, 1, "the drag bundle commits when the gesture changes")
	b := entries[0].(*op.Bundle)
	assert.Equal(t, "drag", b.Source)
	assert.True(t, m.Active(), "the resize bundle is now open")
}
