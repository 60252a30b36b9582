package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotoshake/imagecanvas/internal/ctxlog"
	"github.com/rotoshake/imagecanvas/internal/notify"
	"github.com/rotoshake/imagecanvas/internal/op"
)

// DefaultMaxPerUser bounds each user's history; the oldest entry is evicted
// FIFO when the bound is exceeded.
const DefaultMaxPerUser = 50

// RoundTripTimeout bounds a server-delegated undo/redo. On timeout the
// request is treated as a failure, never as a guess about local state: the
// server may or may not have applied the change.
const RoundTripTimeout = 5 * time.Second

// RemoteStatus is the explicit outcome of a server-delegated undo/redo
// round trip.
type RemoteStatus int

const (
	// RemoteOK means the server executed the request.
	RemoteOK RemoteStatus = iota
	// RemoteTimeout means no response arrived within the deadline.
	RemoteTimeout
	// RemoteRejected means the server refused, with a reason.
	RemoteRejected
)

// RemoteOutcome carries the round-trip result up the call chain.
type RemoteOutcome struct {
	Status RemoteStatus
	Reason string
}

// Remote is the server-backed undo executor. Connected switches the manager
// between server-authoritative and offline behavior.
type Remote interface {
	Connected() bool
	Undo(ctx context.Context, userID, projectID string) RemoteOutcome
	Redo(ctx context.Context, userID, projectID string) RemoteOutcome
}

// UndoValidation is the conflict-detection verdict for one undo candidate.
type UndoValidation struct {
	CanUndo bool
	Reason  string
}

// trackedOp is one per-node record used for conflict detection: who touched
// the node, and when.
type trackedOp struct {
	entryID string
	userID  string
	at      time.Time
}

// userHistory is one user's ordered entry list. index points at the last
// applied (undoable) entry; entries after it are redoable.
// Invariant: -1 <= index < len(entries).
type userHistory struct {
	entries []op.Entry
	index   int
}

// Config wires a Manager.
type Config struct {
	ProjectID string
	// MaxPerUser defaults to DefaultMaxPerUser when zero.
	MaxPerUser int
	// Remote enables server-authoritative mode while it reports connected.
	// Nil means offline-only.
	Remote Remote
	// Notifier surfaces conflicts and timeouts. Nil means log-only silence.
	Notifier notify.Notifier
}

// Manager owns the per-user histories and the global tracking maps. No
// other component mutates them.
type Manager struct {
	mu         sync.Mutex
	env        *op.Env
	projectID  string
	maxPerUser int
	remote     Remote
	notifier   notify.Notifier

	users map[string]*userHistory
	// owners maps entry id to the user whose history holds it.
	owners map[string]string
	// recordedAt maps entry id to its capture time.
	recordedAt map[string]time.Time
	// nodeOps maps node id to every tracked touch of that node, local and
	// remote, for conflict detection.
	nodeOps map[string][]trackedOp
}

// New returns a Manager operating against the given environment.
func New(env *op.Env, cfg Config) *Manager {
	maxPerUser := cfg.MaxPerUser
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Manager{
		env:        env,
		projectID:  cfg.ProjectID,
		maxPerUser: maxPerUser,
		remote:     cfg.Remote,
		notifier:   notifier,
		users:      make(map[string]*userHistory),
		owners:     make(map[string]string),
		recordedAt: make(map[string]time.Time),
		nodeOps:    make(map[string][]trackedOp),
	}
}

// ServerAuthoritative reports whether undo history is currently owned by
// the server.
func (m *Manager) ServerAuthoritative() bool {
	return m.remote != nil && m.remote.Connected()
}

// Record captures an executed entry into its user's history. In
// server-authoritative mode capture is skipped entirely; the server is the
// sole owner of undo history. Non-reversible entries are not recorded.
func (m *Manager) Record(ctx context.Context, entry op.Entry) {
	logger := ctxlog.FromContext(ctx)
	if m.ServerAuthoritative() {
		logger.Debug("Skipping local capture in server-authoritative mode.", "entryID", entry.EntryID())
		return
	}
	if !entry.Reversible() {
		logger.Debug("Entry has no undo data, not recording.", "entryID", entry.EntryID())
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	uh := m.users[entry.User()]
	if uh == nil {
		uh = &userHistory{index: -1}
		m.users[entry.User()] = uh
	}

	// A new entry truncates everything after the current index: the redo
	// branch is abandoned.
	for _, stale := range uh.entries[uh.index+1:] {
		m.untrackLocked(stale.EntryID())
	}
	uh.entries = append(uh.entries[:uh.index+1], entry)
	uh.index = len(uh.entries) - 1

	m.owners[entry.EntryID()] = entry.User()
	now := time.Now()
	m.recordedAt[entry.EntryID()] = now
	for _, nodeID := range entry.NodeIDs() {
		m.nodeOps[nodeID] = append(m.nodeOps[nodeID], trackedOp{
			entryID: entry.EntryID(), userID: entry.User(), at: now,
		})
	}

	if len(uh.entries) > m.maxPerUser {
		oldest := uh.entries[0]
		uh.entries = uh.entries[1:]
		uh.index--
		m.untrackLocked(oldest.EntryID())
		logger.Debug("Evicted oldest history entry.", "entryID", oldest.EntryID(), "user", entry.User())
	}
}

// NoteOperation records a touch of nodes by some user without entering any
// history, so later undo validation can see it. The engine calls it for
// every applied remote operation.
func (m *Manager) NoteOperation(userID string, nodeIDs []string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nodeID := range nodeIDs {
		m.nodeOps[nodeID] = append(m.nodeOps[nodeID], trackedOp{userID: userID, at: at})
	}
}

// untrackLocked removes an entry from the global tracking maps.
func (m *Manager) untrackLocked(entryID string) {
	delete(m.owners, entryID)
	delete(m.recordedAt, entryID)
	for nodeID, ops := range m.nodeOps {
		kept := ops[:0]
		for _, t := range ops {
			if t.entryID != entryID {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(m.nodeOps, nodeID)
		} else {
			m.nodeOps[nodeID] = kept
		}
	}
}

// Undo reverts the acting user's most recent entry. Online it delegates to
// the server; offline it validates for conflicts and inverts locally. The
// history index moves only on success.
func (m *Manager) Undo(ctx context.Context, userID string) *op.Result {
	if m.ServerAuthoritative() {
		return m.remoteRoundTrip(ctx, userID, "undo", m.remote.Undo)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	uh := m.users[userID]
	if uh == nil || uh.index < 0 {
		return op.Failf("nothing to undo")
	}
	entry := uh.entries[uh.index]

	if v := m.validateUndoLocked(entry); !v.CanUndo {
		m.notifier.Notify(notify.Notification{Type: notify.TypeWarning, Message: v.Reason})
		return op.Fail(fmt.Errorf("undo blocked: %s", v.Reason))
	}
	if err := entry.Undo(ctx, m.env); err != nil {
		return op.Fail(fmt.Errorf("undo failed: %w", err))
	}
	uh.index--
	return op.Ok(entry)
}

// Redo re-applies the entry after the current index. On failure nothing is
// left partially applied and the index is unchanged.
func (m *Manager) Redo(ctx context.Context, userID string) *op.Result {
	if m.ServerAuthoritative() {
		return m.remoteRoundTrip(ctx, userID, "redo", m.remote.Redo)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	uh := m.users[userID]
	if uh == nil || uh.index+1 >= len(uh.entries) {
		return op.Failf("nothing to redo")
	}
	entry := uh.entries[uh.index+1]
	if err := entry.Redo(ctx, m.env); err != nil {
		return op.Fail(fmt.Errorf("redo failed: %w", err))
	}
	uh.index++
	return op.Ok(entry)
}

// UnwindUndo re-applies the entry the most recent Undo reverted and moves
// the index forward again, skipping conflict validation and notifications.
// Callers use it when an undo's effects could not be committed downstream.
func (m *Manager) UnwindUndo(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	uh := m.users[userID]
	if uh == nil || uh.index+1 >= len(uh.entries) {
		return errors.New("no undone entry to unwind")
	}
	entry := uh.entries[uh.index+1]
	if err := entry.Redo(ctx, m.env); err != nil {
		return fmt.Errorf("unwind undo failed: %w", err)
	}
	uh.index++
	return nil
}

// UnwindRedo inverts the entry the most recent Redo re-applied and moves the
// index back.
func (m *Manager) UnwindRedo(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	uh := m.users[userID]
	if uh == nil || uh.index < 0 {
		return errors.New("no redone entry to unwind")
	}
	entry := uh.entries[uh.index]
	if err := entry.Undo(ctx, m.env); err != nil {
		return fmt.Errorf("unwind redo failed: %w", err)
	}
	uh.index--
	return nil
}

// remoteRoundTrip delegates one undo/redo to the server and converts the
// explicit outcome into a pipeline result.
func (m *Manager) remoteRoundTrip(ctx context.Context, userID, verb string, call func(context.Context, string, string) RemoteOutcome) *op.Result {
	rtCtx, cancel := context.WithTimeout(ctx, RoundTripTimeout)
	defer cancel()

	outcome := call(rtCtx, userID, m.projectID)
	switch outcome.Status {
	case RemoteOK:
		return op.Ok(nil)
	case RemoteTimeout:
		msg := fmt.Sprintf("%s timed out; the server may not have applied it", verb)
		m.notifier.Notify(notify.Notification{Type: notify.TypeWarning, Message: msg})
		return op.Fail(errors.New(msg))
	default:
		m.notifier.Notify(notify.Notification{Type: notify.TypeWarning, Message: outcome.Reason})
		return op.Fail(fmt.Errorf("%s rejected: %s", verb, outcome.Reason))
	}
}

// ValidateUndo applies the conflict-detection rule to the user's current
// undo candidate without mutating anything.
func (m *Manager) ValidateUndo(userID string) UndoValidation {
	m.mu.Lock()
	defer m.mu.Unlock()

	uh := m.users[userID]
	if uh == nil || uh.index < 0 {
		return UndoValidation{CanUndo: false, Reason: "nothing to undo"}
	}
	return m.validateUndoLocked(uh.entries[uh.index])
}

// validateUndoLocked blocks an undo when (a) a touched node no longer
// exists and the entry itself was not the delete, or (b) a different user
// touched one of the nodes after this entry was recorded. Detection only;
// no merge is attempted.
func (m *Manager) validateUndoLocked(entry op.Entry) UndoValidation {
	isDelete := entry.ContainsType(op.TypeNodeDelete)
	at := m.recordedAt[entry.EntryID()]
	for _, nodeID := range entry.NodeIDs() {
		if !m.env.Store.Has(nodeID) && !isDelete {
			return UndoValidation{
				CanUndo: false,
				Reason:  fmt.Sprintf("cannot undo: node %s was deleted by another user", nodeID),
			}
		}
		for _, touch := range m.nodeOps[nodeID] {
			if touch.userID != entry.User() && touch.at.After(at) {
				return UndoValidation{
					CanUndo: false,
					Reason:  fmt.Sprintf("cannot undo: node %s was modified by another user", nodeID),
				}
			}
		}
	}
	return UndoValidation{CanUndo: true}
}

// CanUndo reports whether the user has an undoable entry.
func (m *Manager) CanUndo(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	uh := m.users[userID]
	return uh != nil && uh.index >= 0
}

// CanRedo reports whether the user has a redoable entry.
func (m *Manager) CanRedo(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	uh := m.users[userID]
	return uh != nil && uh.index+1 < len(uh.entries)
}

// Len returns the length of the user's history.
func (m *Manager) Len(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uh := m.users[userID]; uh != nil {
		return len(uh.entries)
	}
	return 0
}

// Index returns the user's history index (-1 when nothing is applied).
func (m *Manager) Index(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uh := m.users[userID]; uh != nil {
		return uh.index
	}
	return -1
}

// EntryAt exposes a history entry for inspection; used by the server to
// report which entry an undo affected.
func (m *Manager) EntryAt(userID string, idx int) (op.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uh := m.users[userID]
	if uh == nil || idx < 0 || idx >= len(uh.entries) {
		return nil, false
	}
	return uh.entries[idx], true
}
