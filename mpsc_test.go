package taskpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMPSCQueue_FIFOSingleProducer(t *testing.T) {
	q := newMPSCQueue()
	tasks := make([]*Task, 5)
	for i := range tasks {
		tasks[i] = &Task{id: uint64(i)}
		q.push(tasks[i])
	}
	require.EqualValues(t, 5, q.len())
	for i := range tasks {
		got, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, uint64(i), got.id)
	}
	_, ok := q.pop()
	require.False(t, ok)
}

func TestMPSCQueue_ConcurrentProducers(t *testing.T) {
	q := newMPSCQueue()
	const perProducer = 200
	const producers = 8

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.push(&Task{id: uint64(p*perProducer + i)})
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for {
		task, ok := q.pop()
		if !ok {
			break
		}
		require.False(t, seen[task.id], "duplicate task popped")
		seen[task.id] = true
	}
	require.Len(t, seen, perProducer*producers)
}

func TestMPSCQueue_SignalFires(t *testing.T) {
	q := newMPSCQueue()
	q.push(&Task{id: 1})
	select {
	case <-q.signal():
	default:
		t.Fatal("expected signal to be readable after push")
	}
}
