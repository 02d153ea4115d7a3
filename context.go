package taskpool

// context.go is the Go-native substitute for the out-of-scope assembly
// fcontext primitive described in spec.md §4.2 and called for by the
// REDESIGN NOTES ("Assembly fcontext: treated as an external primitive...
// Implementers should rely on a vetted portable context-switching
// primitive"). Rather than hand-rolled stack-switching assembly (which Go
// cannot express portably without cgo), a task's user function runs on its
// own goroutine and control transfer is a blocking channel handoff: at any
// instant exactly one side of the pair is runnable, mirroring a real
// fcontext jump's "switches between two stacks atomically" contract without
// needing one.

// transfer is the Go equivalent of the spec's Transfer{context, data}: the
// payload handed across a yieldTo boundary. data is deliberately `any`
// rather than a fixed-width word — Go has no register-width data path to
// preserve, and the real payloads here are worker/task control messages.
type transfer struct {
	ctx  *fiberContext
	data any
}

// Data returns the payload carried by this transfer.
func (t transfer) Data() any { return t.data }

// fiberContext is an opaque, switchable execution context bound to a
// goroutine (standing in for a stack). Exactly one of {worker, task} holds
// the baton at a time, enforced by the two unbuffered channels: whichever
// side is not currently blocked reading is, by construction, not running.
type fiberContext struct {
	toTask   chan any // worker -> task (resume)
	toWorker chan any // task -> worker (yield)
}

// newFiberContext creates a context whose first resumption (the worker's
// first call to yieldTo) invokes entry(transfer) on a fresh goroutine, per
// spec's init(stack, entry).
//
// entry MUST eventually call transfer.yieldTo at least once before
// returning (to hand a final message, e.g. task completion, back to the
// worker) and MUST NOT touch ctx after returning.
func newFiberContext(entry func(t transfer)) *fiberContext {
	ctx := &fiberContext{
		toTask:   make(chan any),
		toWorker: make(chan any),
	}
	go func() {
		first := <-ctx.toTask
		entry(transfer{ctx: ctx, data: first})
	}()
	return ctx
}

// yieldTo is called by the worker side to resume the task with data,
// blocking until the task yields control back (or completes, which is
// modeled as a final yieldTo from inside entry). It returns the peer's
// transfer, exactly as the spec's yield_to(ctx, data) -> transfer.
func (c *fiberContext) yieldTo(data any) transfer {
	c.toTask <- data
	d := <-c.toWorker
	return transfer{ctx: c, data: d}
}

// yieldTo, called from inside the task's entry function (i.e. on the
// transfer received from the worker), hands control back to the worker
// with data and blocks until the worker resumes it again.
func (t transfer) yieldTo(data any) transfer {
	t.ctx.toWorker <- data
	d := <-t.ctx.toTask
	return transfer{ctx: t.ctx, data: d}
}
