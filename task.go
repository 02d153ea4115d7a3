package taskpool

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// maxTaskLocals is the fixed capacity of a task's local-value table, per
// spec.md §3 ("128 slots keyed by pointer identity").
const maxTaskLocals = 128

// taskLocalSlot is one entry of a task's open-addressed local-value table.
type taskLocalSlot struct {
	key   unsafe.Pointer
	value any
	dtor  func(any)
}

// taskFn is a user task's entry point. It receives a TaskContext bound to
// the task currently executing on the calling goroutine.
type taskFn func(tc *TaskContext)

// TaskDescriptor is the function + data pair a command buffer's
// enqueue_task entry spawns, per spec.md §3.
type TaskDescriptor struct {
	Fn taskFn
}

var nextTaskID atomic.Uint64

// Task is the scheduler's record for one user-space fiber. It is owned by
// its CommandBuffer; see spec.md §3 for field-by-field invariants.
type Task struct {
	id uint64

	buffer     *commandBuffer
	entryIndex int
	batchIndex int

	spawnedAt time.Time

	descriptor TaskDescriptor

	stack *stackHandle

	// worker transitions None -> Some(w) exactly once, never back, per the
	// Task invariant in spec.md §3. A nil value means "any worker" / unbound.
	worker atomic.Pointer[Worker]

	ctx *fiberContext

	// wait state, populated when the task is parked via Wait.
	waitAddr    unsafe.Pointer
	waitExpect  uint32
	waitTimeout bool
	hasDeadline bool
	deadline    time.Time

	locals [maxTaskLocals]taskLocalSlot

	// spawnNext links this task into its command buffer's spawn list (the
	// set of live tasks spawned but not yet completed) as a plain intrusive
	// pointer.
	spawnNext *Task

	// queueNext is the intrusive link used by a worker's mpscQueue while it
	// holds this task. The pool's mpmcChannel stores tasks in its slots and
	// does not use this field.
	queueNext *Task

	errValue error
	aborted  bool
}

func newTask(buf *commandBuffer, entryIndex, batchIndex int, desc TaskDescriptor) *Task {
	return &Task{
		id:         nextTaskID.Add(1),
		buffer:     buf,
		entryIndex: entryIndex,
		batchIndex: batchIndex,
		spawnedAt:  time.Now(),
		descriptor: desc,
	}
}

// bindWorker performs the sticky None->Some(w) transition. It returns false
// if the task was already bound to a different worker (a caller bug; tasks
// never migrate once bound).
func (t *Task) bindWorker(w *Worker) bool {
	return t.worker.CompareAndSwap(nil, w)
}

func (t *Task) boundWorker() *Worker {
	return t.worker.Load()
}

// localIndex hashes a pointer key into the open-addressed table's starting
// probe position.
func localIndex(key unsafe.Pointer) int {
	h := uintptr(key)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return int(h % maxTaskLocals)
}

// TaskContext is the handle passed to a running task's user function,
// exposing the "Runtime task API" from spec.md §6: yield, abort, sleep,
// and task-local storage.
type TaskContext struct {
	task *Task
	xfer transfer
}

// abortSignal is the panic value used to implement Abort's "no return"
// control transfer: the goroutine wrapper in worker.go recovers exactly
// this sentinel and treats it as a task abort, letting any other panic
// propagate as a genuine task error.
type abortSignal struct{}

// Yield suspends the task, returning control to its worker, and resumes
// execution once the worker schedules it again.
func (tc *TaskContext) Yield() {
	tc.xfer = tc.xfer.yieldTo(workerMsg{kind: msgYield})
}

// Sleep suspends the task for at least d before it is eligible to resume.
func (tc *TaskContext) Sleep(d time.Duration) {
	tc.xfer = tc.xfer.yieldTo(workerMsg{kind: msgSleep, sleepFor: d})
}

// Abort unwinds the task immediately; it never returns. Per spec.md §8
// (Abort monotonicity), the owning command buffer's abort-on-error policy
// then governs any subsequent entries.
func (tc *TaskContext) Abort() {
	panic(abortSignal{})
}

// Wait blocks the task until value, if it still equals expect, is
// subsequently changed and woken via Wake, or until timeout elapses (zero
// timeout means no deadline). It returns false if the wait timed out.
func (tc *TaskContext) Wait(value *uint32, expect uint32, timeout time.Duration) bool {
	msg := workerMsg{kind: msgWait, waitAddr: unsafe.Pointer(value), waitExpect: expect}
	if timeout > 0 {
		msg.hasTimeout = true
		msg.timeout = timeout
	}
	tc.xfer = tc.xfer.yieldTo(msg)
	resp, _ := tc.xfer.Data().(resumeMsg)
	return !resp.timedOut
}

// SetLocal stores a value under key, invoking the previous occupant's
// destructor (if any) when overwriting. It returns false if the table (128
// fixed slots) is full and key was not already present.
func (tc *TaskContext) SetLocal(key unsafe.Pointer, value any, dtor func(any)) bool {
	t := tc.task
	start := localIndex(key)
	var firstFree = -1
	for i := 0; i < maxTaskLocals; i++ {
		idx := (start + i) % maxTaskLocals
		slot := &t.locals[idx]
		if slot.key == key {
			if slot.dtor != nil {
				slot.dtor(slot.value)
			}
			slot.value = value
			slot.dtor = dtor
			return true
		}
		if slot.key == nil && firstFree == -1 {
			firstFree = idx
		}
	}
	if firstFree == -1 {
		return false
	}
	slot := &t.locals[firstFree]
	slot.key = key
	slot.value = value
	slot.dtor = dtor
	return true
}

// GetLocal returns the value stored under key, if any.
func (tc *TaskContext) GetLocal(key unsafe.Pointer) (any, bool) {
	t := tc.task
	start := localIndex(key)
	for i := 0; i < maxTaskLocals; i++ {
		slot := &t.locals[(start+i)%maxTaskLocals]
		if slot.key == key {
			return slot.value, true
		}
		if slot.key == nil {
			return nil, false
		}
	}
	return nil, false
}

// ClearLocal removes the value stored under key, invoking its destructor.
//
// Deletion uses backward-shift: since the table has no tombstones, simply
// zeroing the slot would break the probe sequence of any later key that
// collided into it, making it unreachable by GetLocal. Instead each later
// entry of the cluster whose probe path covers the hole is moved into it,
// leaving a new hole behind, until the cluster's terminating empty slot is
// reached.
func (tc *TaskContext) ClearLocal(key unsafe.Pointer) {
	t := tc.task
	start := localIndex(key)
	hole := -1
	for i := 0; i < maxTaskLocals; i++ {
		idx := (start + i) % maxTaskLocals
		slot := &t.locals[idx]
		if slot.key == key {
			hole = idx
			if slot.dtor != nil {
				slot.dtor(slot.value)
			}
			*slot = taskLocalSlot{}
			break
		}
		if slot.key == nil {
			return
		}
	}
	if hole == -1 {
		return
	}
	i := hole
	for {
		next := (i + 1) % maxTaskLocals
		slot := &t.locals[next]
		if slot.key == nil {
			return
		}
		home := localIndex(slot.key)
		if !probeCovers(home, next, hole) {
			i = next
			continue
		}
		t.locals[hole] = *slot
		*slot = taskLocalSlot{}
		hole = next
		i = next
	}
}

// probeCovers reports whether hole lies on the circular probe path an entry
// with natural start home takes to reach its current slot cur, i.e. whether
// moving that entry back into hole keeps it reachable by linear probing.
func probeCovers(home, cur, hole int) bool {
	if home <= cur {
		return home <= hole && hole < cur
	}
	return hole >= home || hole < cur
}

func (t *Task) clearLocals() {
	for i := range t.locals {
		slot := &t.locals[i]
		if slot.key != nil && slot.dtor != nil {
			slot.dtor(slot.value)
		}
		*slot = taskLocalSlot{}
	}
}
