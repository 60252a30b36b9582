package deptrack

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrderingOnSharedNode(t *testing.T) {
	tr := New()
	require.NoError(t, tr.RegisterOperation("o1", []string{"5"}))
	require.NoError(t, tr.RegisterOperation("o2", []string{"5", "6"}))

	assert.True(t, tr.CanExecute("o1"))
	assert.False(t, tr.CanExecute("o2"), "o2 shares node 5 and must wait for o1")

	require.NoError(t, tr.MarkExecuting("o1"))
	assert.False(t, tr.CanExecute("o2"), "executing is not completed")

	require.NoError(t, tr.MarkCompleted("o1"))
	assert.True(t, tr.CanExecute("o2"))
}

func TestDisjointNodeSetsExecuteConcurrently(t *testing.T) {
	tr := New()
	require.NoError(t, tr.RegisterOperation("o1", []string{"1"}))
	require.NoError(t, tr.RegisterOperation("o2", []string{"2"}))

	assert.True(t, tr.CanExecute("o1"))
	assert.True(t, tr.CanExecute("o2"))
}

func TestFailureUnblocksQueue(t *testing.T) {
	tr := New()
	require.NoError(t, tr.RegisterOperation("o1", []string{"n"}))
	require.NoError(t, tr.RegisterOperation("o2", []string{"n"}))

	require.NoError(t, tr.MarkFailed("o1"))
	assert.True(t, tr.CanExecute("o2"), "a failed operation must not wedge the node queue")
	assert.Equal(t, 1, tr.Pending())
}

func TestWaitForDependencies(t *testing.T) {
	t.Run("unblocks when the earlier op completes", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.RegisterOperation("o1", []string{"n"}))
		require.NoError(t, tr.RegisterOperation("o2", []string{"n"}))

		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = tr.MarkCompleted("o1")
		}()
		err := tr.WaitForDependencies(context.Background(), "o2", time.Second)
		require.NoError(t, err)
	})

	t.Run("times out with an error", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.RegisterOperation("o1", []string{"n"}))
		require.NoError(t, tr.RegisterOperation("o2", []string{"n"}))

		err := tr.WaitForDependencies(context.Background(), "o2", 50*time.Millisecond)
		assert.ErrorContains(t, err, "timed out")
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.RegisterOperation("o1", []string{"n"}))
		require.NoError(t, tr.RegisterOperation("o2", []string{"n"}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := tr.WaitForDependencies(ctx, "o2", time.Second)
		assert.ErrorContains(t, err, "canceled")
	})
}

func TestNoNodesIsImmediatelyExecutable(t *testing.T) {
	tr := New()
	require.NoError(t, tr.RegisterOperation("o1", nil))
	assert.True(t, tr.CanExecute("o1"))
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	tr := New()
	require.NoError(t, tr.RegisterOperation("o1", []string{"n"}))
	assert.Error(t, tr.RegisterOperation("o1", []string{"n"}))
}

func TestCompletedLogTrimsToNewest(t *testing.T) {
	tr := New()
	for i := 0; i < completedHighWater+1; i++ {
		id := fmt.Sprintf("op-%d", i)
		require.NoError(t, tr.RegisterOperation(id, nil))
		require.NoError(t, tr.MarkCompleted(id))
	}
	log := tr.CompletedLog()
	require.Len(t, log, completedLowWater)
	assert.Equal(t, fmt.Sprintf("op-%d", completedHighWater), log[len(log)-1].ID,
		"trim keeps the newest entries")
}
