package taskpool

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// stackHandle is an allocated, guard-paged memory block handed out by a
// stackClassAllocator. Go task goroutines do not actually execute on this
// memory (the Go runtime manages goroutine stacks itself); it exists so the
// allocator's accounting, free-list, and backpressure semantics from
// spec.md §4.1 have a real resource behind them, grounded on
// ehrlich-b-go-ublk's mmap-backed buffer pool (internal/queue/runner.go,
// internal/uring/minimal.go).
type stackHandle struct {
	class *stackClassAllocator
	mem   []byte // usable region, guard pages excluded
	raw   []byte // full mmap including guard pages, for munmap
}

// stackClassAllocator manages one size class of stacks: a hot free-list
// (recently freed, assumed page-resident), a cold free-list (decommitted
// via madvise, cheap to keep around but costs a fault on reuse), and a hard
// cap on concurrently allocated blocks enforced by blocking allocators on a
// FIFO waiter list, per spec.md §4.1/§6's StackClassConfig semantics.
type stackClassAllocator struct {
	size         int
	preallocated int
	hotCap       int
	coldCap      int
	maxAllocated int

	mu          sync.Mutex
	hot         []*stackHandle
	cold        []*stackHandle
	allocated   int
	waiters     []chan *stackHandle   // blocking acquire() waiters
	callbacks   []func(*stackHandle) // non-blocking tryAcquire() waiters (e.g. the pool event loop)
}

func newStackClassAllocator(cfg StackClassConfig) (*stackClassAllocator, error) {
	a := &stackClassAllocator{
		size:         cfg.Size,
		preallocated: cfg.Preallocated,
		hotCap:       cfg.Hot,
		coldCap:      cfg.Cold,
		maxAllocated: cfg.MaxAllocated,
	}
	for i := 0; i < cfg.Preallocated; i++ {
		h, err := a.mmapOne()
		if err != nil {
			a.destroyAll()
			return nil, err
		}
		a.allocated++
		if len(a.hot) < a.hotCap {
			a.hot = append(a.hot, h)
		} else {
			_ = unix.Madvise(h.mem, unix.MADV_DONTNEED)
			a.cold = append(a.cold, h)
		}
	}
	return a, nil
}

// pageRound rounds n up to a multiple of the 4 KiB page size.
func pageRound(n int) int {
	const pageSize = 4096
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// mmapOne allocates a fresh guard-paged stack region: a leading PROT_NONE
// guard page, the usable region, and a trailing PROT_NONE guard page, per
// spec.md §4.1's overflow-detection requirement.
func (a *stackClassAllocator) mmapOne() (*stackHandle, error) {
	usable := pageRound(a.size)
	total := usable + 2*pageRound(1)

	raw, err := unix.Mmap(-1, 0, total, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("taskpool: mmap stack (size=%d): %w", a.size, err)
	}
	guardLen := pageRound(1)
	mem := raw[guardLen : guardLen+usable]
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = unix.Munmap(raw)
		return nil, fmt.Errorf("taskpool: mprotect stack (size=%d): %w", a.size, err)
	}
	return &stackHandle{class: a, mem: mem, raw: raw}, nil
}

// acquire returns a stack handle, blocking until one becomes available if
// the class is at maxAllocated and both free-lists are empty.
func (a *stackClassAllocator) acquire() (*stackHandle, error) {
	a.mu.Lock()
	if h := a.popFree(); h != nil {
		a.mu.Unlock()
		return h, nil
	}
	if a.maxAllocated <= 0 || a.allocated < a.maxAllocated {
		a.allocated++
		a.mu.Unlock()
		h, err := a.mmapOne()
		if err != nil {
			a.mu.Lock()
			a.allocated--
			a.mu.Unlock()
			return nil, err
		}
		return h, nil
	}

	ch := make(chan *stackHandle, 1)
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()
	h := <-ch
	if h == nil {
		return nil, ErrOutOfMemory
	}
	return h, nil
}

// tryAcquire is the non-blocking counterpart of acquire, used by the pool
// event loop (which must never block on external resource availability,
// per spec.md §4.6's "allocate() -> Stack | Block | OOM"). If no stack is
// immediately available, ok is false and the caller is responsible for
// calling addWaiter to be notified once one frees up.
func (a *stackClassAllocator) tryAcquire() (h *stackHandle, ok bool) {
	a.mu.Lock()
	if h := a.popFree(); h != nil {
		a.mu.Unlock()
		return h, true
	}
	if a.maxAllocated <= 0 || a.allocated < a.maxAllocated {
		a.allocated++
		a.mu.Unlock()
		h, err := a.mmapOne()
		if err != nil {
			a.mu.Lock()
			a.allocated--
			a.mu.Unlock()
			return nil, false
		}
		return h, true
	}
	a.mu.Unlock()
	return nil, false
}

// addWaiter registers cb to be invoked exactly once, synchronously from
// within release, the next time a stack of this class becomes available.
// Used by the pool event loop's stepEnqueueTask/Block path (spec.md §4.1's
// "the caller must call wait(buffer) which appends the buffer to the
// waiter list").
func (a *stackClassAllocator) addWaiter(cb func(*stackHandle)) {
	a.mu.Lock()
	a.callbacks = append(a.callbacks, cb)
	a.mu.Unlock()
}

// popFree returns a free handle preferring hot over cold, the caller must
// hold a.mu.
func (a *stackClassAllocator) popFree() *stackHandle {
	if n := len(a.hot); n > 0 {
		h := a.hot[n-1]
		a.hot = a.hot[:n-1]
		return h
	}
	if n := len(a.cold); n > 0 {
		h := a.cold[n-1]
		a.cold = a.cold[:n-1]
		_ = unix.Madvise(h.mem, unix.MADV_WILLNEED)
		return h
	}
	return nil
}

// release returns h to the class's free lists, handing it directly to a
// waiter if one is queued. Hot capacity is filled first; overflow moves to
// cold (decommitted via madvise) up to coldCap; beyond that the block is
// unmapped entirely.
func (a *stackClassAllocator) release(h *stackHandle) {
	a.mu.Lock()
	if n := len(a.callbacks); n > 0 {
		cb := a.callbacks[0]
		a.callbacks = a.callbacks[1:]
		a.mu.Unlock()
		cb(h)
		return
	}
	if n := len(a.waiters); n > 0 {
		ch := a.waiters[0]
		a.waiters = a.waiters[1:]
		a.mu.Unlock()
		ch <- h
		return
	}
	defer a.mu.Unlock()
	if len(a.hot) < a.hotCap {
		a.hot = append(a.hot, h)
		return
	}
	if len(a.cold) < a.coldCap {
		_ = unix.Madvise(h.mem, unix.MADV_DONTNEED)
		a.cold = append(a.cold, h)
		return
	}
	a.allocated--
	_ = unix.Munmap(h.raw)
}

func (a *stackClassAllocator) destroyAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, h := range a.hot {
		_ = unix.Munmap(h.raw)
	}
	for _, h := range a.cold {
		_ = unix.Munmap(h.raw)
	}
	for _, w := range a.waiters {
		close(w)
	}
	a.hot, a.cold, a.waiters, a.callbacks = nil, nil, nil, nil
}

// stackAllocator is the pool-wide allocator spanning every configured size
// class, per spec.md §4.1/§6.
type stackAllocator struct {
	classes      []*stackClassAllocator
	defaultIndex int
}

func newStackAllocator(v validated) (*stackAllocator, error) {
	sa := &stackAllocator{defaultIndex: v.defaultStackIndex}
	for _, sc := range v.stacks {
		a, err := newStackClassAllocator(sc)
		if err != nil {
			sa.closeAll()
			return nil, err
		}
		sa.classes = append(sa.classes, a)
	}
	return sa, nil
}

// acquireFor returns a stack handle whose class is the smallest configured
// size >= minSize, or the default class if minSize is zero.
func (sa *stackAllocator) acquireFor(minSize int) (*stackHandle, error) {
	idx := sa.defaultIndex
	if minSize > 0 {
		idx = -1
		// classes are in decreasing size order; scan from the smallest.
		for i := len(sa.classes) - 1; i >= 0; i-- {
			if sa.classes[i].size >= minSize {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, ErrInvalidConfig
		}
	}
	return sa.classes[idx].acquire()
}

// classFor resolves the allocator class for minSize, per the same
// ceiling-match rule as acquireFor.
func (sa *stackAllocator) classFor(minSize int) (*stackClassAllocator, error) {
	idx := sa.defaultIndex
	if minSize > 0 {
		idx = -1
		for i := len(sa.classes) - 1; i >= 0; i-- {
			if sa.classes[i].size >= minSize {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, ErrInvalidConfig
		}
	}
	return sa.classes[idx], nil
}

// tryAcquireFor is the non-blocking counterpart of acquireFor, used from
// the pool event loop.
func (sa *stackAllocator) tryAcquireFor(minSize int) (*stackHandle, bool, error) {
	c, err := sa.classFor(minSize)
	if err != nil {
		return nil, false, err
	}
	h, ok := c.tryAcquire()
	return h, ok, nil
}

func (sa *stackAllocator) closeAll() {
	for _, c := range sa.classes {
		c.destroyAll()
	}
}
