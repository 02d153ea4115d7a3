package taskpool

import (
	"runtime"
	"sync/atomic"
)

// closedBit marks the global channel as closed, encoded in the root
// counter's top bit per spec.md §4.3.
const closedBit uint32 = 1 << 31

// mpmcSlot is one leaf slot of the global channel, cache-line padded to
// avoid false sharing between producer/consumer pairs landing on adjacent
// leaves, mirroring the cache-line-padding discipline the teacher applies
// to its MicrotaskRing and FastState (see ingress.go, state.go).
type mpmcSlot struct {
	value  atomic.Pointer[Task]
	filled atomic.Bool
	_      [48]byte // pad out to a 64-byte line alongside the two words above
}

// mpmcChannel is the global "any worker" task channel: a fixed-capacity,
// power-of-two array of slots indexed through a complete binary sum-tree of
// atomic counters, per spec.md §4.3. It preserves per-producer-leaf FIFO
// but not global FIFO — deliberately, since load balancing across workers
// matters more than global ordering for independent tasks.
type mpmcChannel struct {
	n     int // leaf count, power of two
	slots []mpmcSlot
	tree  []atomic.Uint32 // size 2n-1; tree[0] is the root and carries closedBit

	signalCh chan struct{} // buffered(1); woken when the root transitions 0->1
	seedGen  atomic.Uint64
}

// newMPMCChannel creates a channel with capacity n, rounded up to the next
// power of two per spec.md §4.3 ("rounded up to a power of two").
func newMPMCChannel(capacity int) *mpmcChannel {
	n := 1
	for n < capacity {
		n <<= 1
	}
	if n == 0 {
		n = 1
	}
	c := &mpmcChannel{
		n:        n,
		slots:    make([]mpmcSlot, n),
		tree:     make([]atomic.Uint32, 2*n-1),
		signalCh: make(chan struct{}, 1),
	}
	return c
}

func (c *mpmcChannel) isLeaf(idx int) bool { return idx >= c.n-1 }

// push inserts task into the channel, returning ErrPoolClosed if Close has
// already been called.
func (c *mpmcChannel) push(task *Task) error {
	root := c.tree[0].Load()
	if root&closedBit != 0 {
		return ErrPoolClosed
	}

	idx := 0
	for !c.isLeaf(idx) {
		left := 2*idx + 1
		right := 2*idx + 2
		childLeaves := c.leavesUnder(left)
		if int(c.tree[left].Load()&^closedBit) < childLeaves {
			idx = left
		} else {
			idx = right
		}
	}

	slot := &c.slots[idx-(c.n-1)]
	for slot.filled.Load() {
		runtime.Gosched()
	}
	slot.value.Store(task)
	slot.filled.Store(true)

	for i := idx; ; i = (i - 1) / 2 {
		prev := c.tree[i].Add(1) - 1
		if i == 0 && prev&^closedBit == 0 {
			c.wake()
		}
		if i == 0 {
			break
		}
	}
	return nil
}

// leavesUnder returns how many leaf slots live under the subtree rooted at
// idx, used to decide subtree fullness while descending.
func (c *mpmcChannel) leavesUnder(idx int) int {
	// The tree is complete and balanced: depth of idx determines leaf span.
	depth := 0
	for i := idx; i > 0; i = (i - 1) / 2 {
		depth++
	}
	total := 0
	for d := 0; (1 << d) <= c.n; d++ {
		total = d
	}
	return 1 << (total - depth)
}

// tryPop attempts a non-blocking dequeue, using seed to choose a descent
// path per spec.md §4.3's Pop(seed). It returns (task, true, nil) on
// success, (nil, false, nil) if empty, or (nil, false, ErrPoolClosed) once
// the channel is closed and fully drained.
func (c *mpmcChannel) tryPop(seed uint64) (*Task, bool, error) {
	for {
		root := c.tree[0].Load()
		count := root &^ closedBit
		if count == 0 {
			if root&closedBit != 0 {
				return nil, false, ErrPoolClosed
			}
			return nil, false, nil
		}
		if c.tree[0].CompareAndSwap(root, root-1) {
			break
		}
	}

	idx := 0
	for !c.isLeaf(idx) {
		left := 2*idx + 1
		right := 2*idx + 2
		preferLeft := seed&1 == 0
		seed >>= 1

		primary, secondary := left, right
		if !preferLeft {
			primary, secondary = right, left
		}
		if c.decrementIfNonZero(primary) {
			idx = primary
		} else {
			for !c.decrementIfNonZero(secondary) {
				// A producer may insert between our parent decrement and
				// this check; spin until it lands, per spec.md §4.3.
				runtime.Gosched()
			}
			idx = secondary
		}
	}

	slot := &c.slots[idx-(c.n-1)]
	for !slot.filled.Load() {
		runtime.Gosched()
	}
	t := slot.value.Load()
	slot.value.Store(nil)
	slot.filled.Store(false)
	return t, true, nil
}

func (c *mpmcChannel) decrementIfNonZero(idx int) bool {
	for {
		v := c.tree[idx].Load()
		if v == 0 {
			return false
		}
		if c.tree[idx].CompareAndSwap(v, v-1) {
			return true
		}
	}
}

// nextSeed returns a pseudo-random descent seed for Pop, rotating across
// callers so successive pops from the same worker tend to spread across
// leaves.
func (c *mpmcChannel) nextSeed() uint64 {
	return c.seedGen.Add(0x9e3779b97f4a7c15)
}

// len returns a snapshot message count (masking the closed bit out).
func (c *mpmcChannel) len() int {
	return int(c.tree[0].Load() &^ closedBit)
}

// close marks the channel closed and wakes every waiter.
func (c *mpmcChannel) close() {
	for {
		v := c.tree[0].Load()
		if v&closedBit != 0 {
			return
		}
		if c.tree[0].CompareAndSwap(v, v|closedBit) {
			break
		}
	}
	c.wakeAll()
}

func (c *mpmcChannel) wake() {
	select {
	case c.signalCh <- struct{}{}:
	default:
	}
}

// wakeAll drains then refills the signal so every blocked receiver's next
// select observes a ready channel; workers re-check state in a loop so a
// single signal fanned out over time is sufficient (each consumer that
// wakes re-arms its own select before the next would-be waiter blocks).
func (c *mpmcChannel) wakeAll() {
	for i := 0; i < 64; i++ {
		c.wake()
	}
}

func (c *mpmcChannel) signal() <-chan struct{} { return c.signalCh }
