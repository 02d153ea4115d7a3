package taskpool

import (
	"time"
	"unsafe"
)

// workerMsgKind tags the variant of a workerMsg, replacing the upcasting
// (@fieldParentPtr-style) pattern spec.md's original describes with a plain
// tagged union, per REDESIGN FLAGS.
type workerMsgKind uint8

const (
	msgYield workerMsgKind = iota
	msgSleep
	msgWait
	msgDone
)

// workerMsg is a task -> worker control transfer: what the task wants the
// worker to do with it next (reschedule immediately, sleep, park on an
// address, or that it has finished running).
type workerMsg struct {
	kind workerMsgKind

	sleepFor time.Duration

	waitAddr   unsafe.Pointer
	waitExpect uint32
	hasTimeout bool
	timeout    time.Duration

	// set only for msgDone
	err     error
	aborted bool
}

// resumeMsg is the worker -> task control transfer handed back across a
// yieldTo boundary once the task becomes runnable again.
type resumeMsg struct {
	timedOut bool
}

// poolMsgKind tags the variant of a poolMsg.
type poolMsgKind uint8

const (
	pmComplete poolMsgKind = iota
	pmSleep
	pmWait
	pmWake
)

// poolMsg is a worker -> pool private-channel message, per spec.md §5's
// event loop description: workers never mutate pool state directly, they
// report it through this channel for the pool's single-threaded loop to
// apply.
type poolMsg struct {
	kind poolMsgKind

	task *Task // pmComplete, pmSleep, pmWait

	wakeAt time.Duration // pmSleep: relative sleep duration, resolved to an absolute deadline by the pool

	waitAddr   unsafe.Pointer // pmWait
	waitExpect uint32
	hasTimeout bool
	timeout    time.Duration

	wakeAddr   unsafe.Pointer // pmWake
	maxWaiters int            // <=0 means "wake all", per spec.md §4.5's wake(addr, max_waiters)
}

// Worker is one OS-thread-backed execution unit: a goroutine that pulls
// tasks from its local queue (first) or the pool's global queue, steps them
// across their fiberContext, and reports transitions back to the pool.
//
// Grounded on the teacher's single-goroutine-per-loop design (loop.go) and
// its FastState lifecycle (state.go), generalized from "one event loop per
// JS-like runtime" to "one loop per worker thread, N workers per pool".
type Worker struct {
	pool *Pool
	id   int

	local *mpscQueue

	active *Task

	wakeCh chan struct{}
	done   chan struct{}
}

func newWorker(p *Pool, id int) *Worker {
	return &Worker{
		pool:   p,
		id:     id,
		local:  newMPSCQueue(),
		wakeCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// run is the worker's goroutine body, launched once by the pool.
func (w *Worker) run() {
	defer close(w.done)
	for {
		task, ok := w.fetchTask()
		if !ok {
			return // pool closed and drained
		}
		w.execute(task)
	}
}

// fetchTask implements the local-first-vs-global-first preference
// heuristic from spec.md §4.4: a worker drains its own queue before
// stealing from the global channel, but periodically checks the global
// channel first to bound starvation of "any worker" tasks under sustained
// local-affine load.
func (w *Worker) fetchTask() (*Task, bool) {
	const globalPreferenceEvery = 61 // prime, per spec's anti-starvation note

	var iter uint64
	for {
		iter++
		if iter%globalPreferenceEvery == 0 {
			if t, ok, err := w.pool.global.tryPop(w.pool.global.nextSeed()); err == nil && ok {
				return t, true
			} else if err != nil {
				return w.drainLocalOnClose()
			}
		}

		if t, ok := w.local.pop(); ok {
			return t, true
		}
		if t, ok, err := w.pool.global.tryPop(w.pool.global.nextSeed()); err == nil && ok {
			return t, true
		} else if err != nil {
			return w.drainLocalOnClose()
		}

		select {
		case <-w.local.signal():
		case <-w.pool.global.signal():
		case <-w.wakeCh:
		case <-w.pool.closing:
			return w.drainLocalOnClose()
		}
	}
}

// drainLocalOnClose services remaining local-queue work after the pool has
// begun closing, so tasks already affine to this worker still complete
// before the worker exits.
func (w *Worker) drainLocalOnClose() (*Task, bool) {
	if t, ok := w.local.pop(); ok {
		return t, true
	}
	return nil, false
}

// execute runs one scheduling quantum for task: it resumes (or starts) the
// task's fiberContext, then acts on the workerMsg the task yields back.
func (w *Worker) execute(t *Task) {
	w.active = t
	defer func() { w.active = nil }()

	if t.ctx == nil {
		t.ctx = newFiberContext(func(xfer transfer) {
			tc := &TaskContext{task: t, xfer: xfer}
			var msg workerMsg
			func() {
				defer func() {
					if r := recover(); r != nil {
						if _, ok := r.(abortSignal); ok {
							msg = workerMsg{kind: msgDone, aborted: true}
							return
						}
						if err, ok := r.(error); ok {
							msg = workerMsg{kind: msgDone, err: err}
							return
						}
						msg = workerMsg{kind: msgDone, err: &InvalidEntryError{EntryIndex: t.entryIndex, Reason: "task panic"}}
					}
				}()
				t.descriptor.Fn(tc)
				msg = workerMsg{kind: msgDone}
			}()
			tc.xfer.yieldTo(msg)
		})
	}

	xfer := t.ctx.yieldTo(resumeMsg{})
	msg, _ := xfer.Data().(workerMsg)

	switch msg.kind {
	case msgYield:
		w.local.push(t)
	case msgSleep:
		w.pool.private <- poolMsg{kind: pmSleep, task: t, wakeAt: msg.sleepFor}
	case msgWait:
		w.pool.private <- poolMsg{
			kind:       pmWait,
			task:       t,
			waitAddr:   msg.waitAddr,
			waitExpect: msg.waitExpect,
			hasTimeout: msg.hasTimeout,
			timeout:    msg.timeout,
		}
	case msgDone:
		t.errValue = msg.err
		t.aborted = msg.aborted
		w.pool.private <- poolMsg{kind: pmComplete, task: t}
	}
}

// wake asks the worker to re-check its queues, used after pushing a task
// onto its local queue from another goroutine when the signal channel may
// already be full.
func (w *Worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}
