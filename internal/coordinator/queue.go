package coordinator

import "context"

// task is one mutating operation submitted to the coordinator's single
// writer goroutine, per spec.md section 5: "All kernel-state mutations
// execute on the coordinator thread; there is no concurrent kernel
// mutation." Operations from different callers interleave in submission
// order (FIFO); there is no further reordering or batching.
type task struct {
	ctx    context.Context
	fn     func(context.Context) (interface{}, error)
	result chan taskResult
}

type taskResult struct {
	val interface{}
	err error
}

// submit enqueues fn and blocks until it has run (or ctx is cancelled
// first). A cancellation that lands before fn begins running is honored
// without ever invoking fn, per spec.md section 5's cancellation rule;
// once fn has begun, cancellation has no effect on it and submit simply
// waits for the in-flight result.
func (c *Coordinator) submit(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	t := task{ctx: ctx, fn: fn, result: make(chan taskResult, 1)}

	select {
	case c.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, context.Canceled
	}

	select {
	case r := <-t.result:
		return r.val, r.err
	case <-c.stopped:
		return nil, context.Canceled
	}
}

// run is the single coordinator task: it drains tasks in FIFO order,
// executing each to completion before looking at the next.
func (c *Coordinator) run() {
	defer close(c.stopped)
	for t := range c.tasks {
		select {
		case <-t.ctx.Done():
			t.result <- taskResult{nil, t.ctx.Err()}
			continue
		default:
		}
		val, err := t.fn(t.ctx)
		t.result <- taskResult{val, err}
	}
}

// Close stops accepting new operations and waits for the coordinator task
// to drain whatever was already queued.
func (c *Coordinator) Close() {
	close(c.tasks)
	<-c.stopped
}
