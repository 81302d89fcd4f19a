package memory

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool runs background memory jobs (compression, semantic indexing) on a
// fixed set of workers with a bounded queue. Submission never blocks the
// caller: when the queue is full the job is rejected and the caller decides
// how to degrade.
type Pool struct {
	workers int
	jobs    chan func(context.Context)

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	group     errgroup.Group
}

// NewPool creates a pool with the given worker count and queue capacity.
// Non-positive values fall back to 4 workers and a queue of 32.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan func(context.Context), queueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the workers. Jobs receive a context that is cancelled when
// ctx is cancelled or the pool is closed. Start is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		go func() {
			<-p.done
			cancel()
		}()
		for i := 0; i < p.workers; i++ {
			p.group.Go(func() error {
				for {
					select {
					case job := <-p.jobs:
						job(runCtx)
					case <-runCtx.Done():
						return nil
					}
				}
			})
		}
	})
}

// Submit queues a job. It reports false when the pool is full or closed;
// the job is then never run.
func (p *Pool) Submit(job func(context.Context)) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops accepting jobs, cancels the worker context, and waits for
// in-flight jobs to return. Jobs still queued when Close is called are
// dropped; compression markers re-trigger on the next append after restart.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.group.Wait()
	})
}
