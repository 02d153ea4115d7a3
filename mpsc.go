package taskpool

import "sync/atomic"

// mpscQueue is a worker's private intrusive MPSC task queue, per spec.md
// §4.3/§5: "intrusive MPSC with LIFO push reversed on pop", giving overall
// FIFO ordering within one worker's queue. Any goroutine may push (spawning
// a worker-affine task); only the owning worker goroutine may pop.
//
// Implementation is the classic Treiber-stack-plus-reversal MPSC: producers
// CAS-push onto a LIFO linked stack using Task.queueNext as the intrusive
// link; the single consumer atomically swaps the stack to nil, reverses it
// once into FIFO order, and serves from that reversed cache until drained.
type mpscQueue struct {
	head  atomic.Pointer[Task]
	cache *Task // reversed FIFO list, consumer-owned only
	count atomic.Int32

	signalCh chan struct{} // buffered(1); "maybe non-empty" wakeup
}

func newMPSCQueue() *mpscQueue {
	return &mpscQueue{signalCh: make(chan struct{}, 1)}
}

// push links t onto the queue. Safe for concurrent callers.
func (q *mpscQueue) push(t *Task) {
	for {
		old := q.head.Load()
		t.queueNext = old
		if q.head.CompareAndSwap(old, t) {
			break
		}
	}
	q.count.Add(1)
	select {
	case q.signalCh <- struct{}{}:
	default:
	}
}

// pop removes the oldest task. Must only be called by the queue's single
// owning worker goroutine.
func (q *mpscQueue) pop() (*Task, bool) {
	if q.cache != nil {
		t := q.cache
		q.cache = t.queueNext
		t.queueNext = nil
		q.count.Add(-1)
		return t, true
	}
	old := q.head.Swap(nil)
	if old == nil {
		return nil, false
	}
	var prev *Task
	cur := old
	for cur != nil {
		next := cur.queueNext
		cur.queueNext = prev
		prev = cur
		cur = next
	}
	t := prev
	q.cache = t.queueNext
	t.queueNext = nil
	q.count.Add(-1)
	return t, true
}

func (q *mpscQueue) len() int32 { return q.count.Load() }

// signal returns the channel a worker blocks on while waiting for this
// queue to become non-empty. A receive does not guarantee an item is
// present (spurious wakeups are expected, per spec.md §5); the caller must
// re-check with pop.
func (q *mpscQueue) signal() <-chan struct{} { return q.signalCh }
