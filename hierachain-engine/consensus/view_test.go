package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuorumSizes(t *testing.T) {
	for f := 1; f <= 5; f++ {
		vm, err := NewViewManager(testNodeIDs(3*f+1), f, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2*f+1, vm.QuorumSize(), "f=%d", f)
		assert.Equal(t, f+1, vm.WeakQuorumSize(), "f=%d", f)
		assert.Equal(t, 3*f+1, vm.N())
		assert.Equal(t, f, vm.F())
	}
}

func TestNewViewManagerRejectsSmallClusters(t *testing.T) {
	for f := 1; f <= 4; f++ {
		_, err := NewViewManager(testNodeIDs(3*f), f, time.Second)
		assert.ErrorIs(t, err, ErrInsufficientNodes, "n=%d f=%d", 3*f, f)
	}
	_, err := NewViewManager(testNodeIDs(4), 0, time.Second)
	assert.ErrorIs(t, err, ErrInsufficientNodes)

	_, err = NewViewManager([]string{"a", "b", "c", "a"}, 1, time.Second)
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestPrimaryRotation(t *testing.T) {
	vm, err := NewViewManager(testNodeIDs(4), 1, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "node-0", vm.CurrentPrimary())
	assert.True(t, vm.IsPrimary("node-0"))

	require.NoError(t, vm.CompleteViewChange(1))
	assert.Equal(t, "node-1", vm.CurrentPrimary())
	assert.False(t, vm.IsPrimary("node-0"))

	require.NoError(t, vm.CompleteViewChange(4))
	assert.Equal(t, "node-0", vm.CurrentPrimary())
	assert.Equal(t, uint64(4), vm.CurrentView())
}

func TestCompleteViewChangeIsMonotonic(t *testing.T) {
	vm, err := NewViewManager(testNodeIDs(4), 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, vm.CompleteViewChange(3))

	for _, v := range []uint64{0, 1, 2, 3} {
		assert.ErrorIs(t, vm.CompleteViewChange(v), ErrInvalidViewTransition, "v=%d", v)
	}
	assert.Equal(t, uint64(3), vm.CurrentView())
	assert.NoError(t, vm.CompleteViewChange(7))
}

func TestInactivityTimer(t *testing.T) {
	clock := newFakeClock()
	vm, err := NewViewManager(testNodeIDs(4), 1, time.Second)
	require.NoError(t, err)
	vm.SetClock(clock.Now)

	assert.False(t, vm.ShouldTriggerViewChange())
	clock.Advance(900 * time.Millisecond)
	assert.False(t, vm.ShouldTriggerViewChange())

	vm.RecordActivity()
	clock.Advance(900 * time.Millisecond)
	assert.False(t, vm.ShouldTriggerViewChange(), "activity resets the timer")

	clock.Advance(200 * time.Millisecond)
	assert.True(t, vm.ShouldTriggerViewChange())
}

func TestViewChangeLifecycle(t *testing.T) {
	vm, err := NewViewManager(testNodeIDs(4), 1, time.Second)
	require.NoError(t, err)

	assert.False(t, vm.ViewChanging())
	assert.Equal(t, uint64(1), vm.StartViewChange())
	assert.True(t, vm.ViewChanging())
	assert.Equal(t, uint64(1), vm.StartViewChange(), "restarting keeps the target")

	assert.Equal(t, uint64(2), vm.EscalateViewChange())
	assert.Equal(t, uint64(2), vm.PendingView())

	assert.False(t, vm.JoinViewChange(2))
	assert.True(t, vm.JoinViewChange(5))
	assert.Equal(t, uint64(5), vm.PendingView())

	require.NoError(t, vm.CompleteViewChange(5))
	assert.False(t, vm.ViewChanging())
	assert.Equal(t, uint64(5), vm.PendingView())
	assert.Equal(t, "node-1", vm.CurrentPrimary())
}

func TestConfigValidate(t *testing.T) {
	ids := testNodeIDs(4)

	cfg := DefaultConfig("node-0", ids)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.F)

	mismatch := DefaultConfig("node-0", ids)
	mismatch.TotalNodes = 7
	assert.ErrorIs(t, mismatch.Validate(), ErrNodeCountMismatch)

	small := DefaultConfig("node-0", ids[:3])
	small.F = 1
	assert.ErrorIs(t, small.Validate(), ErrInsufficientNodes)

	stranger := DefaultConfig("node-9", ids)
	assert.ErrorIs(t, stranger.Validate(), ErrUnknownNode)

	narrow := DefaultConfig("node-0", ids)
	narrow.WatermarkWindow = narrow.CheckpointInterval
	assert.ErrorIs(t, narrow.Validate(), ErrInvalidConfig)
}
