package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

type poolJob struct {
	ctx context.Context
	fn  func(ctx context.Context) error
}

// WorkerPool runs stage work on a fixed set of worker goroutines fed from a
// queue. Submit enqueues and returns immediately, so a worker finishing one
// stage can enqueue the successor stage of its execution without tying up
// its own slot waiting for a free one.
type WorkerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []poolJob
	active  int
	closed  bool
	workers sync.WaitGroup
	metrics PoolMetrics
}

// NewWorkerPool starts a pool with the given number of workers.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{}
	p.cond = sync.NewCond(&p.mu)
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

// Submit enqueues work; it never waits for a worker. A cancelled submit
// context or a shut-down pool rejects the job without queueing it.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}
	p.queue = append(p.queue, poolJob{ctx: ctx, fn: fn})
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.cond.Broadcast()
	return nil
}

func (p *WorkerPool) work() {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		atomic.AddInt64(&p.metrics.Queued, -1)
		atomic.AddInt64(&p.metrics.Active, 1)
		p.run(job)
		atomic.AddInt64(&p.metrics.Active, -1)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.cond.Broadcast()
	}
}

func (p *WorkerPool) run(job poolJob) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
		}
	}()
	if err := job.fn(job.ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
	} else {
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
}

// Wait blocks until the queue drains and no job is executing.
func (p *WorkerPool) Wait() {
	p.mu.Lock()
	for len(p.queue) > 0 || p.active > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// Shutdown stops the workers after their current job and discards anything
// still queued; undispatched tasks stay pending in the store.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dropped := int64(len(p.queue))
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	atomic.AddInt64(&p.metrics.Queued, -dropped)
	p.workers.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
