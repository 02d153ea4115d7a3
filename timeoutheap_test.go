package taskpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutQueue_OrdersByDeadline(t *testing.T) {
	q := newTimeoutQueue()
	now := time.Now()
	e1 := &timeoutEntry{deadline: now.Add(30 * time.Millisecond), task: &Task{id: 1}}
	e2 := &timeoutEntry{deadline: now.Add(10 * time.Millisecond), task: &Task{id: 2}}
	e3 := &timeoutEntry{deadline: now.Add(20 * time.Millisecond), task: &Task{id: 3}}
	q.schedule(e1)
	q.schedule(e2)
	q.schedule(e3)

	d, ok := q.nextDeadline()
	require.True(t, ok)
	require.Equal(t, e2.deadline, d)

	expired := q.popExpired(now.Add(25 * time.Millisecond))
	require.Len(t, expired, 2)
	require.Equal(t, uint64(2), expired[0].task.id)
	require.Equal(t, uint64(3), expired[1].task.id)
}

func TestTimeoutQueue_RemoveCancelsEntry(t *testing.T) {
	q := newTimeoutQueue()
	now := time.Now()
	e1 := &timeoutEntry{deadline: now.Add(10 * time.Millisecond), task: &Task{id: 1}}
	e2 := &timeoutEntry{deadline: now.Add(20 * time.Millisecond), task: &Task{id: 2}}
	q.schedule(e1)
	q.schedule(e2)

	q.remove(e1)
	expired := q.popExpired(now.Add(time.Second))
	require.Len(t, expired, 1)
	require.Equal(t, uint64(2), expired[0].task.id)
}

func TestTimeoutQueue_EmptyHasNoDeadline(t *testing.T) {
	q := newTimeoutQueue()
	_, ok := q.nextDeadline()
	require.False(t, ok)
	require.Empty(t, q.popExpired(time.Now()))
}
