// Package history maintains one bounded undo/redo history per user.
//
// In server-authoritative mode (connected, with a server-backed remote)
// undo and redo are delegated to the server and local capture is skipped
// entirely, so history is never double-recorded. Offline, the manager
// records locally and performs invert/redo itself, validating every undo
// against conflicting operations by other users first.
package history
