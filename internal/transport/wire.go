package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotoshake/imagecanvas/internal/canvas"
	"github.com/rotoshake/imagecanvas/internal/op"
)

// Event names exchanged between client and server. Every request has an
// explicit response event; there are no socket.io acks in the protocol.
const (
	EventJoinProject     = "join_project"
	EventProjectJoined   = "project_joined"
	EventLeaveProject    = "leave_project"
	EventProjectLeft     = "project_left"
	EventCanvasOperation = "canvas_operation"
	EventOperationAck    = "operation_ack"
	EventUndoOperation   = "undo_operation"
	EventUndoExecuted    = "undo_executed"
	EventUndoFailed      = "undo_failed"
	EventRedoOperation   = "redo_operation"
	EventRedoExecuted    = "redo_executed"
	EventRedoFailed      = "redo_failed"
	EventRequestFullSync = "request_full_sync"
	EventFullStateSync   = "full_state_sync"
	EventStateUpdate     = "state_update"
)

// DecodeOperation turns a wire payload into an operation. Only the shape is
// checked here; semantic validation happens in the state manager.
func DecodeOperation(v any) (*op.Operation, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("operation payload: expected object, got %T", v)
	}
	opType, ok := m["type"].(string)
	if !ok || opType == "" {
		return nil, fmt.Errorf("operation payload: type is required")
	}
	o := &op.Operation{
		Type:      opType,
		Origin:    op.OriginRemote,
		Params:    op.Params{},
		Timestamp: time.Now(),
	}
	if id, ok := m["id"].(string); ok {
		o.ID = id
	}
	if params, ok := m["params"].(map[string]any); ok {
		o.Params = op.Params(params)
	}
	if source, ok := m["source"].(string); ok {
		o.Source = source
	}
	if userID, ok := m["userId"].(string); ok {
		o.UserID = userID
	}
	return o, nil
}

// EncodeOperation is the wire shape DecodeOperation accepts.
func EncodeOperation(o *op.Operation) map[string]any {
	m := map[string]any{
		"id":     o.ID,
		"type":   o.Type,
		"params": map[string]any(o.Params),
	}
	if o.Source != "" {
		m["source"] = o.Source
	}
	if o.UserID != "" {
		m["userId"] = o.UserID
	}
	return m
}

// DecodeChanges rebuilds a change record from its decoded-JSON form. A nil
// or absent payload decodes to nil.
func DecodeChanges(v any) (*op.Changes, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode changes payload: %w", err)
	}
	var c op.Changes
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode changes payload: %w", err)
	}
	return &c, nil
}

// DecodeNodes rebuilds a node list from its decoded-JSON form.
func DecodeNodes(v any) ([]*canvas.Node, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode nodes payload: %w", err)
	}
	var nodes []*canvas.Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes payload: %w", err)
	}
	return nodes, nil
}

// stringField reads an optional string out of a payload map.
func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// intField reads a number out of a payload map; JSON numbers arrive as
// float64.
func intField(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
