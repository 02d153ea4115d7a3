package taskpool

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/go-catrate"
)

// unsafePtr converts a typed pointer into the unsafe.Pointer identity used
// as a wait-address key throughout the parking lot / task Wait-Wake API.
func unsafePtr(p *uint32) unsafe.Pointer { return unsafe.Pointer(p) }

var nextPoolID atomic.Uint64

// Pool is a scheduling domain: a fixed set of workers sharing a global task
// channel, a stack allocator, and a single-threaded event loop that
// sequences CommandBuffer processing, grounded directly on the teacher's
// Loop (loop.go) and FastState (state.go) — generalized from "one loop
// driving I/O callbacks" to "one loop driving command-buffer entries".
type Pool struct {
	id    uint64
	label string
	cfg   Config

	workers []*Worker
	global  *mpmcChannel
	stacks  *stackAllocator
	parking *parkingLot
	timeouts *timeoutQueue

	private chan poolMsg     // worker -> pool reports
	enqueue chan *commandBuffer // external enqueue requests
	closing chan struct{}

	metrics *poolMetrics

	overloadLimiter *catrate.Limiter

	logger Logger

	processHead *commandBuffer // process-list intrusive singly-linked list
	processTail *commandBuffer

	runLoopDone chan struct{}
	closeOnce   sync.Once
}

// NewPool validates cfg and starts a running Pool with its worker
// goroutines and event loop.
func NewPool(cfg Config) (*Pool, error) {
	v, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = getGlobalLogger()
	}

	stacks, err := newStackAllocator(v)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		id:       nextPoolID.Add(1),
		label:    cfg.Label,
		cfg:      cfg,
		global:   newMPMCChannel(v.workerCount * 4),
		stacks:   stacks,
		parking:  newParkingLot(),
		timeouts: newTimeoutQueue(),
		private:  make(chan poolMsg, v.workerCount*4),
		enqueue:  make(chan *commandBuffer, 64),
		closing:  make(chan struct{}),
		metrics:  newPoolMetrics(),
		// one overload warning permitted per second, grounded on
		// go-catrate's category rate limiter, giving the teacher's declared
		// dependency a concrete home guarding OnOverload-style log spam.
		overloadLimiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
		logger:          logger,
		runLoopDone:     make(chan struct{}),
	}

	p.workers = make([]*Worker, v.workerCount)
	for i := range p.workers {
		p.workers[i] = newWorker(p, i)
	}
	for _, w := range p.workers {
		go w.run()
	}
	go p.run()

	logf(p.logger, LevelInfo, "pool", p.id, "pool started", nil, map[string]any{"workers": v.workerCount})
	return p, nil
}

// Submit enqueues a new CommandBuffer program and returns a handle the
// caller can Ref/Unref/WaitOn, per spec.md §6.
func (p *Pool) Submit(entries []Entry) (*CommandBufferHandle, error) {
	select {
	case <-p.closing:
		return nil, ErrPoolClosed
	default:
	}
	cb := newCommandBuffer(p, nextPoolID.Add(1), entries)
	select {
	case p.enqueue <- cb:
		return &CommandBufferHandle{pool: p, buf: cb}, nil
	case <-p.closing:
		return nil, ErrPoolClosed
	}
}

// requeue re-adds a previously blocked buffer to the process list; called
// from within the event loop goroutine only.
func (p *Pool) requeue(cb *commandBuffer) {
	cb.enqueue = esWillProcess
	p.pushProcess(cb)
}

func (p *Pool) pushProcess(cb *commandBuffer) {
	cb.next = nil
	if p.processTail == nil {
		p.processHead = cb
		p.processTail = cb
		return
	}
	p.processTail.next = cb
	p.processTail = cb
}

func (p *Pool) popProcess() *commandBuffer {
	if p.processHead == nil {
		return nil
	}
	cb := p.processHead
	p.processHead = cb.next
	if p.processHead == nil {
		p.processTail = nil
	}
	cb.next = nil
	return cb
}

// run is the pool's single event-loop goroutine: it drains newly enqueued
// buffers, advances the process list one entry per buffer per tick, drains
// worker reports, and services expired timeouts, mirroring the teacher's
// Loop.Run tick structure (loop.go).
func (p *Pool) run() {
	defer close(p.runLoopDone)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		p.drainEnqueue()
		p.drainPrivate()
		p.serviceTimeouts()
		p.tickProcessList()

		if p.isDrained() {
			select {
			case <-p.closing:
				return
			default:
			}
		}

		select {
		case cb := <-p.enqueue:
			p.pushProcess(cb)
		case m := <-p.private:
			p.handlePrivate(m)
		case <-ticker.C:
		case <-p.closing:
			if p.isDrained() {
				return
			}
		}
	}
}

func (p *Pool) isDrained() bool {
	return p.processHead == nil
}

func (p *Pool) drainEnqueue() {
	for {
		select {
		case cb := <-p.enqueue:
			p.pushProcess(cb)
		default:
			return
		}
	}
}

func (p *Pool) drainPrivate() {
	for {
		select {
		case m := <-p.private:
			p.handlePrivate(m)
		default:
			return
		}
	}
}

func (p *Pool) handlePrivate(m poolMsg) {
	switch m.kind {
	case pmComplete:
		p.metrics.recordCompletion()
		if !m.task.spawnedAt.IsZero() {
			p.metrics.recordLatency(time.Since(m.task.spawnedAt))
		}
		m.task.buffer.onTaskDone(m.task)

	case pmSleep:
		e := &timeoutEntry{deadline: time.Now().Add(m.wakeAt), task: m.task, isWait: false}
		p.timeouts.schedule(e)

	case pmWait:
		m.task.waitAddr = m.waitAddr
		if atomic.LoadUint32((*uint32)(m.waitAddr)) != m.waitExpect {
			p.resumeTask(m.task, resumeMsg{timedOut: false})
			return
		}
		e := &timeoutEntry{task: m.task, isWait: true}
		if m.hasTimeout {
			e.deadline = time.Now().Add(m.timeout)
			p.timeouts.schedule(e)
		}
		p.parking.park(m.waitAddr, m.task, e)

	case pmWake:
		woken := p.parking.unparkMax(m.wakeAddr, m.maxWaiters)
		for _, w := range woken {
			if w.expire != nil {
				p.timeouts.remove(w.expire)
			}
			p.resumeTask(w.task, resumeMsg{timedOut: false})
		}
	}
}

func (p *Pool) serviceTimeouts() {
	expired := p.timeouts.popExpired(time.Now())
	for _, e := range expired {
		if e.isWait {
			p.parking.removeWaiter(e.task.waitAddr, e.task)
			p.resumeTask(e.task, resumeMsg{timedOut: true})
		} else {
			p.resumeTask(e.task, resumeMsg{})
		}
	}
}

// resumeTask hands the task back to its bound (or any) worker's local
// queue so it runs again.
func (p *Pool) resumeTask(t *Task, _ resumeMsg) {
	if w := t.boundWorker(); w != nil {
		w.local.push(t)
		w.wake()
		return
	}
	_ = p.global.push(t)
}

// tickProcessList advances every buffer currently on the process list by
// one entry each, per spec.md §4.6's "driver: each tick... pops a buffer
// from the process list and advances its cursor entry-by-entry".
func (p *Pool) tickProcessList() {
	n := 0
	for cb := p.processHead; cb != nil; {
		n++
		cb = cb.next
	}
	if n == 0 {
		return
	}
	if n > p.cfg.overloadThreshold() {
		if _, ok := p.overloadLimiter.Allow("process-list-depth"); ok {
			logf(p.logger, LevelWarn, "pool", p.id, "process list overloaded", nil, map[string]any{"depth": n})
		}
	}

	var carry *commandBuffer
	var carryTail *commandBuffer
	for {
		cb := p.popProcess()
		if cb == nil {
			break
		}
		more := cb.step()
		if more {
			if carryTail == nil {
				carry, carryTail = cb, cb
			} else {
				carryTail.next = cb
				carryTail = cb
			}
		}
	}
	if carry != nil {
		carryTail.next = p.processHead
		p.processHead = carry
		if p.processTail == nil {
			p.processTail = carryTail
		}
	}
}

// Wake implements spec.md §4.5's wake(addr, max_waiters) from outside a
// task: it asks the event loop to unpark up to max waiters parked on addr
// (<=0 meaning "all").
func (p *Pool) Wake(addr *uint32, maxWaiters int) {
	select {
	case p.private <- poolMsg{kind: pmWake, wakeAddr: unsafePtr(addr), maxWaiters: maxWaiters}:
	case <-p.closing:
	}
}

// Close begins graceful shutdown: no further Submit calls are accepted,
// workers drain their local queues and exit, and the event loop exits once
// the process list empties.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)
	})
	for _, w := range p.workers {
		<-w.done
	}
	<-p.runLoopDone
	p.global.close()
	p.stacks.closeAll()
	logf(p.logger, LevelInfo, "pool", p.id, "pool closed", nil, nil)
	return nil
}

// ID returns the pool's unique identifier, stable for its lifetime.
func (p *Pool) ID() uint64 { return p.id }

// Metrics returns a snapshot of the pool's throughput and latency
// counters.
func (p *Pool) Metrics() MetricsSnapshot { return p.metrics.snapshot() }
