package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rotoshake/imagecanvas/internal/history"
)

func TestRevertOutcomeMapping(t *testing.T) {
	t.Run("context deadline is a timeout", func(t *testing.T) {
		err := fmt.Errorf("waiting for undo_operation response: %w", context.DeadlineExceeded)
		out := revertOutcome(wireEvent{}, err, EventUndoFailed)
		assert.Equal(t, history.RemoteTimeout, out.Status)
	})

	t.Run("cancellation is a timeout", func(t *testing.T) {
		out := revertOutcome(wireEvent{}, context.Canceled, EventUndoFailed)
		assert.Equal(t, history.RemoteTimeout, out.Status)
	})

	t.Run("transport failure is a rejection with the reason", func(t *testing.T) {
		out := revertOutcome(wireEvent{}, errors.New("failed to emit undo_operation: socket closed"), EventUndoFailed)
		assert.Equal(t, history.RemoteRejected, out.Status)
		assert.Contains(t, out.Reason, "socket closed")
	})

	t.Run("fail event is a rejection with the server reason", func(t *testing.T) {
		ev := wireEvent{name: EventUndoFailed, data: map[string]any{"reason": "nothing to undo"}}
		out := revertOutcome(ev, nil, EventUndoFailed)
		assert.Equal(t, history.RemoteRejected, out.Status)
		assert.Equal(t, "nothing to undo", out.Reason)
	})

	t.Run("executed event is ok", func(t *testing.T) {
		ev := wireEvent{name: EventUndoExecuted, data: map[string]any{"stateVersion": 3}}
		out := revertOutcome(ev, nil, EventUndoFailed)
		assert.Equal(t, history.RemoteOK, out.Status)
	})
}
