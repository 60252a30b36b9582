package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotoshake/imagecanvas/internal/canvas"
	"github.com/rotoshake/imagecanvas/internal/op"
	"github.com/rotoshake/imagecanvas/internal/pipeline"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{UserID: "u1", ProjectID: "p1"})
	t.Cleanup(e.Close)
	return e
}

func createNode(t *testing.T, e *Engine, id string) {
	t.Helper()
	res := e.Execute(context.Background(), op.TypeNodeCreate, op.Params{
		"node": map[string]any{
			"id":   id,
			"type": "media/image",
			"pos":  []any{0.0, 0.0},
			"size": []any{100.0, 100.0},
		},
	}, pipeline.Options{})
	require.True(t, res.Success, "create failed: %v", res.Err)
}

func moveNode(t *testing.T, e *Engine, id string, x, y float64, source string) {
	t.Helper()
	res := e.Execute(context.Background(), op.TypeNodeMove, op.Params{
		"nodeIds":   []string{id},
		"positions": [][2]float64{{x, y}},
	}, pipeline.Options{Source: source})
	require.True(t, res.Success, "move failed: %v", res.Err)
}

func TestExecuteUndoRedo(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	createNode(t, e, "n1")
	moveNode(t, e, "n1", 30, 40, "")

	res := e.Undo(ctx)
	require.True(t, res.Success, res.Err)
	assert.Equal(t, [2]float64{0, 0}, e.Store().GetNodeByID("n1").Pos)

	res = e.Redo(ctx)
	require.True(t, res.Success, res.Err)
	assert.Equal(t, [2]float64{30, 40}, e.Store().GetNodeByID("n1").Pos)
}

func TestDragGestureBundlesIntoOneEntry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	createNode(t, e, "n1")
	for i := 1; i <= 4; i++ {
		moveNode(t, e, "n1", float64(10*i), 0, "drag")
	}

	// The drag bundle commits after 50ms of inactivity.
	require.Eventually(t, func() bool {
		return e.History().Len("u1") == 2
	}, time.Second, 5*time.Millisecond, "drag burst should collapse into one entry")

	res := e.Undo(ctx)
	require.True(t, res.Success, res.Err)
	assert.Equal(t, [2]float64{0, 0}, e.Store().GetNodeByID("n1").Pos,
		"undoing the gesture reverts the whole drag")
}

func TestManualTransactionBundle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	createNode(t, e, "n1")
	createNode(t, e, "n2")

	e.BeginTransaction(ctx, "align")
	moveNode(t, e, "n1", 100, 0, "")
	moveNode(t, e, "n2", 100, 50, "")
	e.CommitTransaction(ctx)

	assert.Equal(t, 3, e.History().Len("u1"))

	res := e.Undo(ctx)
	require.True(t, res.Success, res.Err)
	assert.Equal(t, [2]float64{0, 0}, e.Store().GetNodeByID("n1").Pos)
	assert.Equal(t, [2]float64{0, 0}, e.Store().GetNodeByID("n2").Pos)
}

func TestAbortedTransactionLeavesNoHistory(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	createNode(t, e, "n1")
	e.BeginTransaction(ctx, "gesture")
	moveNode(t, e, "n1", 5, 5, "")
	e.AbortTransaction(ctx)

	// The move itself happened; only its undo entry is gone.
	assert.Equal(t, [2]float64{5, 5}, e.Store().GetNodeByID("n1").Pos)
	assert.Equal(t, 1, e.History().Len("u1"))
}

func TestRemoteOperationTrackedButNotRecorded(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	createNode(t, e, "n1")
	moveNode(t, e, "n1", 10, 0, "")
	time.Sleep(2 * time.Millisecond)

	remote := &op.Operation{
		ID:     "peer-op-1",
		Type:   op.TypeNodeMove,
		UserID: "u2",
		Params: op.Params{
			"nodeIds":   []any{"n1"},
			"positions": []any{[]any{77.0, 0.0}},
		},
	}
	res := e.ApplyRemote(ctx, remote, 3)
	require.True(t, res.Success, res.Err)
	assert.Equal(t, [2]float64{77, 0}, e.Store().GetNodeByID("n1").Pos)
	assert.Equal(t, int64(3), e.ServerVersion())

	// The peer op does not enter local history...
	assert.Equal(t, 2, e.History().Len("u1"))
	// ...but it blocks undoing our own earlier touch of the same node.
	undo := e.Undo(ctx)
	assert.False(t, undo.Success)
	assert.ErrorContains(t, undo.Err, "modified by another user")
}

func TestApplyStateUpdate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	createNode(t, e, "n1")
	createNode(t, e, "n2")

	e.ApplyStateUpdate(ctx, "u2", &op.Changes{
		Updated: []*canvas.Node{{ID: "n1", Type: "media/image", Pos: [2]float64{9, 9}, Size: [2]float64{100, 100}}},
		Removed: []string{"n2"},
	}, 5)

	assert.Equal(t, [2]float64{9, 9}, e.Store().GetNodeByID("n1").Pos)
	assert.False(t, e.Store().Has("n2"))
	assert.Equal(t, int64(5), e.ServerVersion())
}

func TestVersionGapFiresResyncCallback(t *testing.T) {
	type gap struct{ have, got int64 }
	var gaps []gap
	e := New(Config{UserID: "u1", ProjectID: "p1", OnVersionGap: func(have, got int64) {
		gaps = append(gaps, gap{have, got})
	}})
	t.Cleanup(e.Close)
	ctx := context.Background()

	createNode(t, e, "n1")
	e.ApplyStateUpdate(ctx, "u2", &op.Changes{
		Updated: []*canvas.Node{{ID: "n1", Type: "media/image", Pos: [2]float64{1, 1}, Size: [2]float64{100, 100}}},
	}, 2)
	require.Empty(t, gaps, "consecutive versions are not a gap")

	// Version 5 after 2 means updates 3 and 4 were missed.
	e.ApplyStateUpdate(ctx, "u2", &op.Changes{
		Updated: []*canvas.Node{{ID: "n1", Type: "media/image", Pos: [2]float64{2, 2}, Size: [2]float64{100, 100}}},
	}, 5)
	require.Len(t, gaps, 1)
	assert.Equal(t, gap{have: 2, got: 5}, gaps[0])
	assert.Equal(t, int64(5), e.ServerVersion())
}

func TestResetState(t *testing.T) {
	e := newTestEngine(t)

	createNode(t, e, "n1")
	e.ResetState([]*canvas.Node{
		{ID: "a", Type: "shape/rect", Size: [2]float64{10, 10}},
		{ID: "b", Type: "shape/rect", Size: [2]float64{20, 20}},
	}, 12)

	assert.False(t, e.Store().Has("n1"))
	assert.Equal(t, 2, e.Store().Len())
	assert.Equal(t, int64(12), e.ServerVersion())
}
