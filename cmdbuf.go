package taskpool

import (
	"sync"
	"sync/atomic"
)

// entryKind tags a CommandBuffer entry's variant, replacing the upcasting
// pattern spec.md's original describes with a tagged union, per REDESIGN
// FLAGS.
type entryKind uint8

const (
	entrySetAbortOnError entryKind = iota
	entrySetMinStackSize
	entrySelectWorker
	entrySelectAnyWorker
	entryEnqueueTask
	entryWaitOnBarrier
	entryWaitOnCommandIndirect
	entryWaitOnCommandBuffer
	entryEnqueueCommandBuffer
)

// entryStatus is one entry slot's processing state, per spec.md §4.6.
type entryStatus uint8

const (
	statusNotProcessed entryStatus = iota
	statusRunningTask
	statusRunningSubbuffer
	statusProcessed
)

// Entry is one instruction of a CommandBuffer's program, built with the
// With* constructors below.
type Entry struct {
	kind entryKind

	abortOnError bool
	minStackSize int
	worker       int

	task     TaskDescriptor
	batchLen int

	indirectOffset int
	subBuffer      *CommandBufferHandle
	subEntries     []Entry // enqueue_command_buffer: program for the nested buffer

	status entryStatus
	tasks  []*Task // live tasks spawned by an enqueue_task entry, for progress tracking
}

func WithSetAbortOnError(v bool) Entry { return Entry{kind: entrySetAbortOnError, abortOnError: v} }
func WithSetMinStackSize(n int) Entry  { return Entry{kind: entrySetMinStackSize, minStackSize: n} }
func WithSelectWorker(i int) Entry     { return Entry{kind: entrySelectWorker, worker: i} }
func WithSelectAnyWorker() Entry       { return Entry{kind: entrySelectAnyWorker} }
func WithEnqueueTask(fn taskFn, batchLen int) Entry {
	return Entry{kind: entryEnqueueTask, task: TaskDescriptor{Fn: fn}, batchLen: batchLen}
}
func WithWaitOnBarrier() Entry { return Entry{kind: entryWaitOnBarrier} }
func WithWaitOnCommandIndirect(offset int) Entry {
	return Entry{kind: entryWaitOnCommandIndirect, indirectOffset: offset}
}
func WithWaitOnCommandBuffer(h *CommandBufferHandle) Entry {
	return Entry{kind: entryWaitOnCommandBuffer, subBuffer: h}
}

// WithEnqueueCommandBuffer spawns entries as a nested CommandBuffer on the
// same pool and blocks the parent entry until the child reaches a terminal
// state, per spec.md §4.6's enqueue_command_buffer(sub).
func WithEnqueueCommandBuffer(entries []Entry) Entry {
	return Entry{kind: entryEnqueueCommandBuffer, subEntries: entries}
}

// CompletionStatus is the terminal outcome a CommandBuffer handle's wait_on
// reports, per spec.md §6.
type CompletionStatus uint8

const (
	StatusPending CompletionStatus = iota
	StatusCompleted
	StatusAborted
)

// enqueueStatus tracks a buffer's membership in the pool's process list.
type enqueueStatus uint8

const (
	esWillProcess enqueueStatus = iota
	esBlocked
	esDequeued
)

// commandBuffer is the pool-owned record for one enqueued program, per
// spec.md §4.6's field list.
type commandBuffer struct {
	pool *Pool
	id   uint64

	entries        []Entry
	cursor         int
	completedIndex int

	selectedWorker    int // -1 == any
	stackClassMinSize int
	abortOnError      bool
	hasError          bool

	refCount atomic.Int32

	mu        sync.Mutex
	status    CompletionStatus
	waiters   []*commandBuffer // other buffers blocked on this one via wait_on_command_buffer
	waitChans []chan CompletionStatus

	next *commandBuffer // process-list intrusive link

	enqueue enqueueStatus

	spawnHead *Task // spawn list: tasks spawned by this buffer not yet processed
}

func newCommandBuffer(p *Pool, id uint64, entries []Entry) *commandBuffer {
	cb := &commandBuffer{
		pool:           p,
		id:             id,
		entries:        entries,
		selectedWorker: -1,
		enqueue:        esWillProcess,
	}
	cb.refCount.Store(1)
	return cb
}

func (cb *commandBuffer) ref()   { cb.refCount.Add(1) }
func (cb *commandBuffer) unref() { cb.refCount.Add(-1) }

// step advances the processor by one entry, returning true if the buffer
// should remain on the pool's process list (more work to do, not blocked),
// or false if it either blocked (waiting on something external) or ran off
// the end of its program. Called only from the pool's single event-loop
// goroutine.
func (cb *commandBuffer) step() (more bool) {
	if cb.cursor >= len(cb.entries) {
		if cb.spawnHead != nil {
			// Every entry has been issued, but spawned tasks are still live;
			// onTaskDone requeues the buffer as they finish.
			cb.block()
			return false
		}
		cb.finish()
		return false
	}

	e := &cb.entries[cb.cursor]
	if e.status == statusProcessed {
		cb.cursor++
		return true
	}

	switch e.kind {
	case entrySetAbortOnError:
		cb.abortOnError = e.abortOnError
		e.status = statusProcessed
		cb.cursor++
		return true

	case entrySetMinStackSize:
		cb.stackClassMinSize = e.minStackSize
		e.status = statusProcessed
		cb.cursor++
		return true

	case entrySelectWorker:
		cb.selectedWorker = e.worker
		e.status = statusProcessed
		cb.cursor++
		return true

	case entrySelectAnyWorker:
		cb.selectedWorker = -1
		e.status = statusProcessed
		cb.cursor++
		return true

	case entryEnqueueTask:
		return cb.stepEnqueueTask(e)

	case entryWaitOnBarrier:
		if cb.spawnHead != nil {
			cb.block()
			return false
		}
		e.status = statusProcessed
		cb.cursor++
		return true

	case entryWaitOnCommandIndirect:
		target := cb.cursor - e.indirectOffset
		if target < 0 || target >= len(cb.entries) {
			cb.abortEntry(e, &InvalidEntryError{EntryIndex: cb.cursor, Reason: "wait_on_command_indirect offset out of bounds"})
			cb.cursor++
			return true
		}
		if cb.entries[target].status != statusProcessed {
			cb.block()
			return false
		}
		e.status = statusProcessed
		cb.cursor++
		return true

	case entryWaitOnCommandBuffer:
		return cb.stepWaitOnBuffer(e)

	case entryEnqueueCommandBuffer:
		return cb.stepEnqueueCommandBuffer(e)

	default:
		cb.abortEntry(e, &InvalidEntryError{EntryIndex: cb.cursor, Reason: "unknown entry kind"})
		cb.cursor++
		return true
	}
}

func (cb *commandBuffer) stepEnqueueTask(e *Entry) (more bool) {
	if e.status == statusNotProcessed {
		e.tasks = make([]*Task, 0, e.batchLen)
	}

	for len(e.tasks) < e.batchLen {
		stack, ok, err := cb.pool.stacks.tryAcquireFor(cb.stackClassMinSize)
		if err != nil {
			cb.abortEntry(e, &InvalidEntryError{EntryIndex: cb.cursor, Reason: "stack size class out of range", Cause: err})
			cb.cursor++
			return true
		}
		if !ok {
			// No stack is immediately available: never block the single
			// event-loop goroutine (spec.md §4.6's allocate() -> Block path).
			// Register to be notified and pulled back onto the process list
			// once one frees, instead.
			cb.registerStackWaiter(e)
			cb.block()
			return false
		}
		cb.spawnTaskWithStack(e, len(e.tasks), stack)
	}

	cb.cursor++
	return true
}

// spawnTaskWithStack creates and schedules one task of batch index idx,
// backed by an already-acquired stack handle.
func (cb *commandBuffer) spawnTaskWithStack(e *Entry, idx int, stack *stackHandle) {
	t := newTask(cb, cb.cursor, idx, e.task)
	t.stack = stack
	e.status = statusRunningTask
	e.tasks = append(e.tasks, t)
	cb.spawnPush(t)

	if cb.selectedWorker >= 0 && cb.selectedWorker < len(cb.pool.workers) {
		w := cb.pool.workers[cb.selectedWorker]
		t.bindWorker(w)
		w.local.push(t)
		w.wake()
	} else {
		_ = cb.pool.global.push(t)
	}
}

// registerStackWaiter arranges for this buffer's enqueue_task entry to
// receive the next stack of its class as soon as one is released, spawning
// the waiting batch slot and re-joining the process list so the remaining
// batch entries (if any) get their turn on the next tick.
func (cb *commandBuffer) registerStackWaiter(e *Entry) {
	class, err := cb.pool.stacks.classFor(cb.stackClassMinSize)
	if err != nil {
		return
	}
	idx := len(e.tasks)
	class.addWaiter(func(h *stackHandle) {
		cb.spawnTaskWithStack(e, idx, h)
		if cb.enqueue == esBlocked {
			cb.enqueue = esWillProcess
			cb.pool.requeue(cb)
		}
	})
}

func (cb *commandBuffer) stepWaitOnBuffer(e *Entry) (more bool) {
	h := e.subBuffer
	if h == nil || h.pool != cb.pool {
		cb.abortEntry(e, &InvalidEntryError{EntryIndex: cb.cursor, Reason: "wait_on_command_buffer handle owner mismatch"})
		cb.cursor++
		return true
	}
	target := h.buf
	target.mu.Lock()
	if target.status != StatusPending {
		st := target.status
		target.mu.Unlock()
		if st == StatusAborted {
			cb.hasError = true
		}
		e.status = statusProcessed
		cb.cursor++
		return true
	}
	target.waiters = append(target.waiters, cb)
	target.mu.Unlock()
	cb.block()
	return false
}

// stepEnqueueCommandBuffer spawns e.subEntries as a nested CommandBuffer on
// this buffer's pool and blocks the parent until it completes, per
// spec.md §4.6's enqueue_command_buffer(sub): the parent resumes only once
// the child reaches a terminal state.
//
// pushProcess is called directly rather than going through the pool's
// enqueue channel: step is already running on the pool's single event-loop
// goroutine, and sending to a channel only that same goroutine drains would
// deadlock if the channel were ever full.
func (cb *commandBuffer) stepEnqueueCommandBuffer(e *Entry) (more bool) {
	if e.status == statusNotProcessed {
		sub := newCommandBuffer(cb.pool, nextPoolID.Add(1), e.subEntries)
		e.subBuffer = &CommandBufferHandle{pool: cb.pool, buf: sub}
		e.status = statusRunningSubbuffer

		sub.mu.Lock()
		sub.waiters = append(sub.waiters, cb)
		sub.mu.Unlock()

		cb.pool.pushProcess(sub)
		cb.block()
		return false
	}

	sub := e.subBuffer.buf
	sub.mu.Lock()
	aborted := sub.status == StatusAborted
	sub.mu.Unlock()
	if aborted {
		cb.hasError = true
		if cb.abortOnError {
			cb.propagateAbort(cb.cursor)
		}
	}
	e.status = statusProcessed
	cb.cursor++
	return true
}

// spawnPush links t onto this buffer's spawn list.
func (cb *commandBuffer) spawnPush(t *Task) {
	t.spawnNext = cb.spawnHead
	cb.spawnHead = t
}

// spawnRemove unlinks t from the spawn list once it completes.
func (cb *commandBuffer) spawnRemove(t *Task) {
	if cb.spawnHead == t {
		cb.spawnHead = t.spawnNext
		t.spawnNext = nil
		return
	}
	for cur := cb.spawnHead; cur != nil; cur = cur.spawnNext {
		if cur.spawnNext == t {
			cur.spawnNext = t.spawnNext
			t.spawnNext = nil
			return
		}
	}
}

// onTaskDone is called by the pool event loop when a task completes or
// aborts. It releases the task's stack, unlinks it from the spawn list,
// and, if the owning enqueue_task entry's every task is now done, marks
// the entry processed and drives abort propagation / progressCompleted.
func (cb *commandBuffer) onTaskDone(t *Task) {
	if t.stack != nil {
		t.stack.class.release(t.stack)
		t.stack = nil
	}
	cb.spawnRemove(t)
	t.clearLocals()

	e := &cb.entries[t.entryIndex]

	if t.aborted || t.errValue != nil {
		cb.hasError = true
		if cb.abortOnError {
			cb.propagateAbort(t.entryIndex)
		}
	}

	if cb.entryTasksComplete(e) {
		e.status = statusProcessed
	}

	cb.progressCompleted()

	if cb.enqueue == esBlocked {
		cb.enqueue = esWillProcess
		cb.pool.requeue(cb)
	}
}

func (cb *commandBuffer) entryTasksComplete(e *Entry) bool {
	if len(e.tasks) < e.batchLen {
		return false
	}
	for _, t := range e.tasks {
		if !cb.taskFinished(t) {
			return false
		}
	}
	return true
}

func (cb *commandBuffer) taskFinished(t *Task) bool {
	for cur := cb.spawnHead; cur != nil; cur = cur.spawnNext {
		if cur == t {
			return false
		}
	}
	return true
}

// propagateAbort implements spec.md §4.6's abort propagation: every entry
// after fromIdx is marked processed (so the processor skips it) until a
// set_abort_on_error(false) entry is reached or the list ends.
func (cb *commandBuffer) propagateAbort(fromIdx int) {
	for i := fromIdx + 1; i < len(cb.entries); i++ {
		e := &cb.entries[i]
		if e.kind == entrySetAbortOnError && !e.abortOnError {
			return
		}
		if e.status == statusProcessed {
			continue
		}
		e.status = statusProcessed
	}
}

// progressCompleted advances completedIndex as far as consecutive
// processed slots allow, per spec.md §4.6.
func (cb *commandBuffer) progressCompleted() {
	for cb.completedIndex < len(cb.entries) && cb.entries[cb.completedIndex].status == statusProcessed {
		cb.completedIndex++
	}
}

func (cb *commandBuffer) abortEntry(e *Entry, err error) {
	e.status = statusProcessed
	cb.hasError = true
	_ = err
	if cb.abortOnError {
		cb.propagateAbort(cb.cursor)
	}
	cb.progressCompleted()
}

func (cb *commandBuffer) block() {
	cb.enqueue = esBlocked
}

func (cb *commandBuffer) finish() {
	cb.mu.Lock()
	if cb.hasError {
		cb.status = StatusAborted
	} else {
		cb.status = StatusCompleted
	}
	waiters := cb.waiters
	cb.waiters = nil
	waitChans := cb.waitChans
	cb.waitChans = nil
	final := cb.status
	cb.mu.Unlock()

	for _, ch := range waitChans {
		ch <- final
		close(ch)
	}
	for _, w := range waiters {
		cb.pool.requeue(w)
	}
	cb.enqueue = esDequeued
	cb.unref()
}

// CommandBufferHandle is the external, reference-counted handle a caller
// holds for an enqueued buffer, per spec.md §6's CommandBuffer handle API.
type CommandBufferHandle struct {
	pool *Pool
	buf  *commandBuffer
}

// Ref increments the handle's reference count.
func (h *CommandBufferHandle) Ref() { h.buf.ref() }

// Unref decrements the handle's reference count.
func (h *CommandBufferHandle) Unref() { h.buf.unref() }

// OwnerPool returns the pool that accepted this buffer.
func (h *CommandBufferHandle) OwnerPool() *Pool { return h.pool }

// WaitOn blocks the calling goroutine until the buffer reaches a terminal
// state, returning StatusCompleted or StatusAborted.
func (h *CommandBufferHandle) WaitOn() CompletionStatus {
	cb := h.buf
	cb.mu.Lock()
	if cb.status != StatusPending {
		st := cb.status
		cb.mu.Unlock()
		return st
	}
	ch := make(chan CompletionStatus, 1)
	cb.waitChans = append(cb.waitChans, ch)
	cb.mu.Unlock()
	return <-ch
}
