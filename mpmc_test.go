package taskpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMPMCChannel_PushPopRoundTrip(t *testing.T) {
	c := newMPMCChannel(4)
	require.Equal(t, 4, c.n) // already a power of two

	for i := 0; i < 4; i++ {
		require.NoError(t, c.push(&Task{id: uint64(i)}))
	}
	require.Equal(t, 4, c.len())

	seen := make(map[uint64]bool)
	for i := 0; i < 4; i++ {
		task, ok, err := c.tryPop(uint64(i))
		require.NoError(t, err)
		require.True(t, ok)
		seen[task.id] = true
	}
	require.Len(t, seen, 4)

	_, ok, err := c.tryPop(0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMPMCChannel_CapacityRoundsUpToPowerOfTwo(t *testing.T) {
	c := newMPMCChannel(5)
	require.Equal(t, 8, c.n)
}

func TestMPMCChannel_CloseDrainsThenErrors(t *testing.T) {
	c := newMPMCChannel(2)
	require.NoError(t, c.push(&Task{id: 1}))
	c.close()

	_, ok, err := c.tryPop(0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.tryPop(0)
	require.ErrorIs(t, err, ErrPoolClosed)
	require.False(t, ok)

	require.ErrorIs(t, c.push(&Task{id: 2}), ErrPoolClosed)
}

func TestMPMCChannel_ConcurrentProducersConsumers(t *testing.T) {
	const n = 500
	c := newMPMCChannel(n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, c.push(&Task{id: uint64(i)}))
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, c.len())

	var mu sync.Mutex
	seen := make(map[uint64]bool, n)
	var cwg sync.WaitGroup
	for i := 0; i < 8; i++ {
		cwg.Add(1)
		go func(seed uint64) {
			defer cwg.Done()
			for {
				task, ok, err := c.tryPop(seed)
				require.NoError(t, err)
				if !ok {
					return
				}
				mu.Lock()
				seen[task.id] = true
				mu.Unlock()
			}
		}(uint64(i))
	}
	cwg.Wait()
	require.Len(t, seen, n)
}
