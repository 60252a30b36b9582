// Package deptrack serializes operations that touch the same canvas node.
//
// Each node id owns a FIFO queue of operation ids. An operation may execute
// only when it is at the head of every queue it appears in, so two
// operations racing on the same node (say a resize and a delete) can never
// interleave, while operations on disjoint node sets are admitted
// concurrently.
package deptrack

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a tracked operation.
type Status int

const (
	// StatusPending means the operation is registered but not yet admitted.
	StatusPending Status = iota
	// StatusExecuting means the operation has been admitted and is running.
	StatusExecuting
	// StatusCompleted means the operation finished successfully.
	StatusCompleted
	// StatusFailed means the operation finished with an error.
	StatusFailed
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Defaults for dependency waiting and the completed-operation audit trail.
const (
	DefaultWaitTimeout = 5 * time.Second
	pollInterval       = 10 * time.Millisecond

	completedHighWater = 100
	completedLowWater  = 50
)

// record is the bookkeeping for one registered operation.
type record struct {
	id         string
	nodeIDs    []string
	status     Status
	registered time.Time
}

// CompletedRecord is one entry of the bounded audit trail.
type CompletedRecord struct {
	ID       string
	Status   Status
	Finished time.Time
}

// Tracker is the per-node FIFO admission controller.
type Tracker struct {
	mu sync.Mutex
	// queues maps a node id to the FIFO of operation ids touching it.
	queues map[string][]string
	// records maps an operation id to its dependency record.
	records map[string]*record
	// completed is an audit trail of finished operations, trimmed from
	// completedHighWater down to completedLowWater when exceeded. It is
	// diagnostics only, never a correctness dependency.
	completed []CompletedRecord
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		queues:  make(map[string][]string),
		records: make(map[string]*record),
	}
}

// RegisterOperation enqueues an operation behind every earlier operation
// touching any of the same nodes. Operations with no node ids are always
// immediately executable.
func (t *Tracker) RegisterOperation(opID string, nodeIDs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[opID]; ok {
		return fmt.Errorf("operation already registered: %s", opID)
	}
	t.records[opID] = &record{
		id:         opID,
		nodeIDs:    append([]string(nil), nodeIDs...),
		status:     StatusPending,
		registered: time.Now(),
	}
	for _, nodeID := range nodeIDs {
		t.queues[nodeID] = append(t.queues[nodeID], opID)
	}
	return nil
}

// CanExecute reports whether the operation is at the head of every node
// queue it appears in. Unregistered operations report false.
func (t *Tracker) CanExecute(opID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canExecuteLocked(opID)
}

func (t *Tracker) canExecuteLocked(opID string) bool {
	rec, ok := t.records[opID]
	if !ok {
		return false
	}
	for _, nodeID := range rec.nodeIDs {
		q := t.queues[nodeID]
		if len(q) == 0 || q[0] != opID {
			return false
		}
	}
	return true
}

// WaitForDependencies polls until the operation can execute or the timeout
// elapses. A zero timeout means DefaultWaitTimeout. On timeout the caller
// gets an error, never a silent drop.
func (t *Tracker) WaitForDependencies(ctx context.Context, opID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if t.CanExecute(opID) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for dependencies of operation %s", timeout, opID)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("canceled while waiting for dependencies of operation %s: %w", opID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// MarkExecuting transitions the operation to executing.
func (t *Tracker) MarkExecuting(opID string) error {
	return t.setStatus(opID, StatusExecuting)
}

func (t *Tracker) setStatus(opID string, s Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[opID]
	if !ok {
		return fmt.Errorf("operation not registered: %s", opID)
	}
	rec.status = s
	return nil
}

// MarkCompleted removes the operation from every queue it occupies,
// unblocking whatever was queued behind it, and appends it to the audit
// trail.
func (t *Tracker) MarkCompleted(opID string) error {
	return t.finish(opID, StatusCompleted)
}

// MarkFailed removes the operation from every queue, exactly like
// MarkCompleted, so a failure never wedges the queues behind it.
func (t *Tracker) MarkFailed(opID string) error {
	return t.finish(opID, StatusFailed)
}

func (t *Tracker) finish(opID string, s Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[opID]
	if !ok {
		return fmt.Errorf("operation not registered: %s", opID)
	}
	delete(t.records, opID)

	for _, nodeID := range rec.nodeIDs {
		q := t.queues[nodeID]
		for i, id := range q {
			if id == opID {
				q = append(q[:i], q[i+1:]...)
				break
			}
		}
		if len(q) == 0 {
			delete(t.queues, nodeID)
		} else {
			t.queues[nodeID] = q
		}
	}

	t.completed = append(t.completed, CompletedRecord{ID: opID, Status: s, Finished: time.Now()})
	if len(t.completed) > completedHighWater {
		t.completed = append([]CompletedRecord(nil), t.completed[len(t.completed)-completedLowWater:]...)
	}
	return nil
}

// Pending returns the number of registered, unfinished operations.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// CompletedLog returns a copy of the audit trail.
func (t *Tracker) CompletedLog() []CompletedRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]CompletedRecord(nil), t.completed...)
}
