package fanout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchEmptySubscribersStaysInFlight(t *testing.T) {
	p := NewPool(0, 6)
	require.NoError(t, p.MarkQueued(0))

	dispatched, err := p.Dispatch(0, nil, 1)
	require.NoError(t, err)
	require.False(t, dispatched)

	b, err := p.Snapshot(0)
	require.NoError(t, err)
	require.Equal(t, InFlight, b.State)
}

func TestDispatchAndReleaseSingleSubscriber(t *testing.T) {
	p := NewPool(0, 6)
	require.NoError(t, p.MarkQueued(2))

	dispatched, err := p.Dispatch(2, []uint64{7}, 1)
	require.NoError(t, err)
	require.True(t, dispatched)

	b, err := p.Snapshot(2)
	require.NoError(t, err)
	require.Equal(t, InUse, b.State)
	require.Contains(t, b.Subscribers, uint64(7))

	requeue, absent, err := p.Release(2, 7)
	require.NoError(t, err)
	require.False(t, absent)
	require.True(t, requeue)

	b, err = p.Snapshot(2)
	require.NoError(t, err)
	require.Equal(t, InFlight, b.State)
}

func TestReleaseIdempotent(t *testing.T) {
	p := NewPool(0, 6)
	require.NoError(t, p.MarkQueued(0))
	_, err := p.Dispatch(0, []uint64{1}, 1)
	require.NoError(t, err)

	requeue, absent, err := p.Release(0, 1)
	require.NoError(t, err)
	require.False(t, absent)
	require.True(t, requeue)

	// second release of the same (slot, client) is a no-op, not a double requeue.
	requeue, absent, err = p.Release(0, 1)
	require.NoError(t, err)
	require.True(t, absent)
	require.False(t, requeue)
}

func TestReleaseRequiresAllSubscribers(t *testing.T) {
	p := NewPool(0, 6)
	require.NoError(t, p.MarkQueued(0))
	_, err := p.Dispatch(0, []uint64{1, 2}, 1)
	require.NoError(t, err)

	requeue, _, err := p.Release(0, 1)
	require.NoError(t, err)
	require.False(t, requeue, "buffer must stay InUse until every subscriber releases")

	requeue, _, err = p.Release(0, 2)
	require.NoError(t, err)
	require.True(t, requeue)
}

func TestBufferConservation(t *testing.T) {
	p := NewPool(0, 4)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.MarkQueued(i))
	}
	_, err := p.Dispatch(1, []uint64{1}, 1)
	require.NoError(t, err)

	free, inflight, inuse := 0, 0, 0
	for i := 0; i < p.Count(); i++ {
		b, err := p.Snapshot(i)
		require.NoError(t, err)
		switch b.State {
		case Free:
			free++
		case InFlight:
			inflight++
		case InUse:
			inuse++
		}
	}
	require.Equal(t, p.Count(), free+inflight+inuse)
}

func TestResetToFreeClearsAllRegardlessOfState(t *testing.T) {
	p := NewPool(0, 3)
	require.NoError(t, p.MarkQueued(0))
	_, err := p.Dispatch(0, []uint64{1}, 1)
	require.NoError(t, err)

	p.ResetToFree()

	for i := 0; i < p.Count(); i++ {
		b, err := p.Snapshot(i)
		require.NoError(t, err)
		require.Equal(t, Free, b.State)
		require.Empty(t, b.Subscribers)
	}
}

func TestReleaseAllOnDisconnect(t *testing.T) {
	p := NewPool(0, 3)
	require.NoError(t, p.MarkQueued(0))
	require.NoError(t, p.MarkQueued(1))
	_, err := p.Dispatch(0, []uint64{9}, 1)
	require.NoError(t, err)
	_, err = p.Dispatch(1, []uint64{9, 10}, 2)
	require.NoError(t, err)

	requeued := p.ReleaseAll(9)
	require.ElementsMatch(t, []int{0}, requeued, "slot 1 still has subscriber 10")

	b1, err := p.Snapshot(1)
	require.NoError(t, err)
	require.Equal(t, InUse, b1.State)
	require.NotContains(t, b1.Subscribers, uint64(9))
	require.Contains(t, b1.Subscribers, uint64(10))
}
