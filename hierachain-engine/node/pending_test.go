package node

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

func pendingEntry(i int, at time.Time) *PendingRequest {
	req := &consensus.Request{ClientID: "client", Timestamp: int64(i), Operation: []byte(fmt.Sprintf("op-%d", i))}
	return &PendingRequest{
		Digest:      consensus.RequestDigest(req),
		Request:     req,
		SubmittedAt: at,
	}
}

func TestPendingPoolAdd(t *testing.T) {
	p := NewPendingPool(2)
	base := time.Unix(1000, 0)

	require.NoError(t, p.Add(pendingEntry(1, base)))
	assert.ErrorIs(t, p.Add(pendingEntry(1, base)), ErrAlreadyPending)
	require.NoError(t, p.Add(pendingEntry(2, base)))
	assert.ErrorIs(t, p.Add(pendingEntry(3, base)), ErrPendingFull)
	assert.True(t, p.IsFull())

	assert.ErrorIs(t, p.Add(nil), ErrInvalidPending)
	assert.ErrorIs(t, p.Add(&PendingRequest{Digest: "x"}), ErrInvalidPending)
}

func TestPendingPoolComplete(t *testing.T) {
	p := NewPendingPool(10)
	base := time.Unix(1000, 0)
	entries := make([]*PendingRequest, 5)
	for i := range entries {
		entries[i] = pendingEntry(i, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, p.Add(entries[i]))
	}

	got, ok := p.Complete(entries[2].Digest)
	require.True(t, ok)
	assert.Same(t, entries[2], got)
	_, ok = p.Complete(entries[2].Digest)
	assert.False(t, ok)
	assert.False(t, p.Contains(entries[2].Digest))

	got, ok = p.Complete(entries[0].Digest)
	require.True(t, ok)
	assert.Same(t, entries[0], got)
	assert.Same(t, entries[1], p.Oldest())
	assert.Equal(t, 3, p.Size())
}

func TestPendingPoolExpireOldestFirst(t *testing.T) {
	p := NewPendingPool(10)
	base := time.Unix(1000, 0)
	for _, offset := range []int{4, 1, 3, 0, 2} {
		require.NoError(t, p.Add(pendingEntry(offset, base.Add(time.Duration(offset)*time.Second))))
	}

	expired := p.Expire(base.Add(3 * time.Second))
	require.Len(t, expired, 3)
	for i, r := range expired {
		assert.Equal(t, int64(i), r.Request.Timestamp)
	}
	assert.Equal(t, 2, p.Size())
	assert.Empty(t, p.Expire(base))
}

func TestPendingPoolStats(t *testing.T) {
	p := NewPendingPool(4)
	require.NoError(t, p.Add(pendingEntry(1, time.Time{})))
	fwd := pendingEntry(2, time.Now())
	fwd.Forwarded = true
	require.NoError(t, p.Add(fwd))

	assert.False(t, p.Get(pendingEntry(1, time.Time{}).Digest).SubmittedAt.IsZero())
	assert.Equal(t, PendingStats{Size: 2, MaxSize: 4, Available: 2, Forwarded: 1}, p.Stats())

	p.Clear()
	assert.Equal(t, 0, p.Size())
	assert.Nil(t, p.Oldest())
}

func TestPendingPoolConcurrent(t *testing.T) {
	p := NewPendingPool(1000)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e := pendingEntry(w*100+i, time.Now())
				if assert.NoError(t, p.Add(e)) && i%2 == 0 {
					_, ok := p.Complete(e.Digest)
					assert.True(t, ok)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 200, p.Size())
}
