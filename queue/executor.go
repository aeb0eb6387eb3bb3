package queue

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor is a single-writer task queue: a weight-1 semaphore guarantees
// tasks submitted against a given queue run one at a time and in order,
// matching the spec's "the queue's executor is single-threaded" assumption
// that ProceedDeliver's wire writes never interleave within a queue.
type Executor struct {
	sem   *semaphore.Weighted
	tasks chan func()
	done  chan struct{}
}

// NewExecutor builds a single-writer Executor and starts its drain loop.
func NewExecutor() *Executor {
	e := &Executor{
		sem:   semaphore.NewWeighted(1),
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit implements consumer.Executor. Tasks are queued in submission order
// and run on the executor's own goroutine; Submit never blocks on task
// completion.
func (e *Executor) Submit(task func()) {
	select {
	case e.tasks <- task:
	case <-e.done:
	}
}

func (e *Executor) run() {
	ctx := context.Background()
	for task := range e.tasks {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		func() {
			defer e.sem.Release(1)
			task()
		}()
	}
}

// Close stops accepting new tasks and lets the drain loop exit once the
// queue empties.
func (e *Executor) Close() {
	close(e.done)
	close(e.tasks)
}
