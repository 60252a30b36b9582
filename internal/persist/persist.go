// Package persist stores authoritative canvas state and the append-only
// per-project operation log.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/rotoshake/imagecanvas/internal/op"
)

// ErrNotFound is returned when a project has no persisted canvas yet.
var ErrNotFound = errors.New("not found")

// OperationRow is one row of the append-only operation log. SequenceNumber
// equals the state version the operation produced; undo conflict detection
// and redo-from-log rely on it.
type OperationRow struct {
	ID             int64
	ProjectID      string
	UserID         string
	Type           string
	Params         op.Params
	SequenceNumber int64
	CreatedAt      time.Time
}

// Store is the persistence boundary of the server state manager.
type Store interface {
	// AddOperation appends one operation-log row.
	AddOperation(ctx context.Context, projectID, userID, opType string, params op.Params, seq int64) error
	// GetOperations returns log rows with a sequence number greater than
	// afterSeq, in sequence order.
	GetOperations(ctx context.Context, projectID string, afterSeq int64) ([]OperationRow, error)
	// UpdateCanvas upserts the canvas snapshot and version for a project.
	UpdateCanvas(ctx context.Context, projectID string, canvasData []byte, version int64) error
	// GetCanvas loads the snapshot and version; ErrNotFound when absent.
	GetCanvas(ctx context.Context, projectID string) ([]byte, int64, error)
	Close() error
}
