package taskpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStackClassAllocator_PreallocatedHotCold(t *testing.T) {
	a, err := newStackClassAllocator(StackClassConfig{
		Size: 64 * 1024, Preallocated: 3, Hot: 2, Cold: 1, MaxAllocated: 4,
	})
	require.NoError(t, err)
	defer a.destroyAll()

	require.Len(t, a.hot, 2)
	require.Len(t, a.cold, 1)
	require.Equal(t, 3, a.allocated)
}

func TestStackClassAllocator_AcquireReleaseRoundTrip(t *testing.T) {
	a, err := newStackClassAllocator(StackClassConfig{
		Size: 4096, Preallocated: 1, Hot: 1, MaxAllocated: 2,
	})
	require.NoError(t, err)
	defer a.destroyAll()

	h, err := a.acquire()
	require.NoError(t, err)
	require.NotNil(t, h.mem)
	require.Len(t, h.mem, pageRound(4096))

	a.release(h)
	require.Equal(t, 1, len(a.hot)+len(a.cold))
}

func TestStackClassAllocator_BlocksAtMaxAllocated(t *testing.T) {
	a, err := newStackClassAllocator(StackClassConfig{
		Size: 4096, Preallocated: 1, Hot: 1, MaxAllocated: 1,
	})
	require.NoError(t, err)
	defer a.destroyAll()

	h1, err := a.acquire()
	require.NoError(t, err)

	acquired := make(chan *stackHandle, 1)
	go func() {
		h, err := a.acquire()
		require.NoError(t, err)
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should have blocked while at max_allocated")
	case <-time.After(30 * time.Millisecond):
	}

	a.release(h1)

	select {
	case h2 := <-acquired:
		require.NotNil(t, h2)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire never woke after release")
	}
}
