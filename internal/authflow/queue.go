package authflow

import (
	"context"
	"sync"
)

// taskQueue runs posted tasks one at a time, in posting order, on a single
// goroutine. Tasks never run nested inside the caller of post.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func(context.Context)
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// post enqueues fn. It reports false once the queue has stopped.
func (q *taskQueue) post(fn func(context.Context)) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// run drains the queue until ctx ends. Pending tasks are discarded on exit.
func (q *taskQueue) run(ctx context.Context) {
	defer close(q.done)
	defer func() {
		q.mu.Lock()
		q.closed = true
		q.tasks = nil
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}
}
