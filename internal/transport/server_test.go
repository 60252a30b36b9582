package transport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotoshake/imagecanvas/internal/op"
	"github.com/rotoshake/imagecanvas/internal/persist"
	"github.com/rotoshake/imagecanvas/internal/state"
)

// fakeConn records everything the handlers emit so tests can assert on the
// protocol without a live socket.
type fakeConn struct {
	id        string
	emitted   []wireEvent
	broadcast []wireEvent
	rooms     []string
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Emit(event string, data any) {
	f.emitted = append(f.emitted, wireEvent{name: event, data: asMap(data)})
}

func (f *fakeConn) Broadcast(room, event string, data any) {
	f.broadcast = append(f.broadcast, wireEvent{name: event, data: asMap(data)})
}

func (f *fakeConn) Join(room string)  { f.rooms = append(f.rooms, room) }
func (f *fakeConn) Leave(room string) {}

func asMap(data any) map[string]any {
	if m, ok := data.(map[string]any); ok {
		return m
	}
	return nil
}

func (f *fakeConn) last(t *testing.T) wireEvent {
	t.Helper()
	require.NotEmpty(t, f.emitted)
	return f.emitted[len(f.emitted)-1]
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ps, err := persist.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	st, err := state.NewManager(state.Config{Registry: op.DefaultRegistry(), Store: ps})
	require.NoError(t, err)
	return &Server{state: st, sessions: make(map[string]*session)}
}

func join(t *testing.T, s *Server, c *fakeConn, projectID, userID string) {
	t.Helper()
	s.handleJoin(context.Background(), c, map[string]any{"projectId": projectID, "userId": userID})
	ev := c.last(t)
	require.Equal(t, EventProjectJoined, ev.name)
	require.Equal(t, true, ev.data["success"], "join failed: %v", ev.data["error"])
}

func opPayload(opType string, params map[string]any) map[string]any {
	return map[string]any{"operation": map[string]any{
		"id":     "a-" + opType,
		"type":   opType,
		"params": params,
	}}
}

func TestOperationRequiresJoin(t *testing.T) {
	s := newTestServer(t)
	c := &fakeConn{id: "s1"}

	s.handleOperation(context.Background(), c, opPayload(op.TypeNodeCreate, nil))

	ev := c.last(t)
	assert.Equal(t, EventOperationAck, ev.name)
	assert.Equal(t, false, ev.data["success"])
	assert.Empty(t, c.broadcast)
}

func TestOperationAckAndRoomBroadcast(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := &fakeConn{id: "s1"}
	join(t, s, c, "p1", "u1")

	s.handleOperation(ctx, c, opPayload(op.TypeNodeCreate, map[string]any{
		"node": map[string]any{"id": "n1", "type": "media/image", "pos": []any{0.0, 0.0}, "size": []any{10.0, 10.0}},
	}))

	ack := c.last(t)
	require.Equal(t, EventOperationAck, ack.name)
	assert.Equal(t, true, ack.data["success"])
	assert.Equal(t, int64(1), ack.data["stateVersion"])

	require.Len(t, c.broadcast, 1)
	assert.Equal(t, EventCanvasOperation, c.broadcast[0].name)
	assert.Equal(t, "u1", c.broadcast[0].data["userId"])
	opm, ok := c.broadcast[0].data["operation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, op.TypeNodeCreate, opm["type"])
}

func TestRejectedOperationIsNotBroadcast(t *testing.T) {
	s := newTestServer(t)
	c := &fakeConn{id: "s1"}
	join(t, s, c, "p1", "u1")

	s.handleOperation(context.Background(), c, opPayload(op.TypeNodeMove, map[string]any{
		"nodeIds":   []any{"ghost"},
		"positions": []any{[]any{1.0, 2.0}},
	}))

	ack := c.last(t)
	assert.Equal(t, false, ack.data["success"])
	assert.Contains(t, ack.data["error"], "node not found")
	assert.Empty(t, c.broadcast)
}

func TestUndoFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := &fakeConn{id: "s1"}
	join(t, s, c, "p1", "u1")

	s.handleOperation(ctx, c, opPayload(op.TypeNodeCreate, map[string]any{
		"node": map[string]any{"id": "n1", "type": "media/image", "pos": []any{0.0, 0.0}, "size": []any{10.0, 10.0}},
	}))
	c.broadcast = nil

	s.handleRevert(ctx, c, "undo")
	ev := c.last(t)
	require.Equal(t, EventUndoExecuted, ev.name)
	assert.Equal(t, int64(2), ev.data["stateVersion"])

	require.Len(t, c.broadcast, 1)
	assert.Equal(t, EventStateUpdate, c.broadcast[0].name)
	assert.Equal(t, "undo", c.broadcast[0].data["cause"])

	// Nothing left to undo.
	s.handleRevert(ctx, c, "undo")
	ev = c.last(t)
	assert.Equal(t, EventUndoFailed, ev.name)
	assert.Contains(t, ev.data["reason"], "nothing to undo")
}

func TestRedoFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := &fakeConn{id: "s1"}
	join(t, s, c, "p1", "u1")

	s.handleOperation(ctx, c, opPayload(op.TypeNodeCreate, map[string]any{
		"node": map[string]any{"id": "n1", "type": "media/image", "pos": []any{0.0, 0.0}, "size": []any{10.0, 10.0}},
	}))
	s.handleRevert(ctx, c, "undo")

	s.handleRevert(ctx, c, "redo")
	ev := c.last(t)
	require.Equal(t, EventRedoExecuted, ev.name)
	assert.Equal(t, int64(3), ev.data["stateVersion"])
}

func TestFullSync(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := &fakeConn{id: "s1"}
	join(t, s, c, "p1", "u1")

	s.handleOperation(ctx, c, opPayload(op.TypeNodeCreate, map[string]any{
		"node": map[string]any{"id": "n1", "type": "media/image", "pos": []any{5.0, 6.0}, "size": []any{10.0, 10.0}},
	}))

	s.handleFullSync(ctx, c)
	ev := c.last(t)
	require.Equal(t, EventFullStateSync, ev.name)
	assert.Equal(t, true, ev.data["success"])
	assert.Equal(t, int64(1), ev.data["version"])
}

func TestLeaveProject(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := &fakeConn{id: "s1"}
	join(t, s, c, "p1", "u1")

	s.handleLeave(ctx, c)
	ev := c.last(t)
	assert.Equal(t, EventProjectLeft, ev.name)
	assert.Equal(t, true, ev.data["success"])

	// The session is gone; further operations need a fresh join.
	s.handleOperation(ctx, c, opPayload(op.TypeNodeCreate, nil))
	assert.Equal(t, false, c.last(t).data["success"])
}
