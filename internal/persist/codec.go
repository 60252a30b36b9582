package persist

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rotoshake/imagecanvas/internal/canvas"
	"github.com/rotoshake/imagecanvas/internal/op"
)

// EncodeNodes serializes a canvas snapshot for storage.
func EncodeNodes(nodes []*canvas.Node) ([]byte, error) {
	data, err := msgpack.Marshal(nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode canvas snapshot: %w", err)
	}
	return data, nil
}

// DecodeNodes restores a canvas snapshot.
func DecodeNodes(data []byte) ([]*canvas.Node, error) {
	var nodes []*canvas.Node
	if err := msgpack.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode canvas snapshot: %w", err)
	}
	return nodes, nil
}

// EncodeParams serializes operation params for a log row.
func EncodeParams(p op.Params) ([]byte, error) {
	data, err := msgpack.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation params: %w", err)
	}
	return data, nil
}

// DecodeParams restores operation params from a log row.
func DecodeParams(data []byte) (op.Params, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode operation params: %w", err)
	}
	return op.Params(m), nil
}
