// Package workerpool runs inbound message handlers off the delivering goroutine
// with a bounded number of workers.
package workerpool

import (
	"sync"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// JobFunc is a function that can be enqueued in a worker pool.
type JobFunc func() error

// Pool is a pool of workers that can execute jobs concurrently.
type Pool struct {
	mu      sync.RWMutex
	workers int
	jobs    chan JobFunc
	wg      sync.WaitGroup
	quit    chan struct{}
	closed  bool
	onError func(error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler receives the errors returned by jobs. Without it errors are dropped.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pool) { p.onError = fn }
}

// New creates a pool with the given number of workers (at least one).
func New(workers int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}

	pool := &Pool{
		workers: workers,
		jobs:    make(chan JobFunc, workers),
		// buffer quit to allow multiple resize signals without blocking immediately
		quit: make(chan struct{}, workers),
	}

	for _, opt := range opts {
		opt(pool)
	}

	pool.start()

	return pool
}

// Enqueue adds a job to the pool. It blocks while the queue is full and fails once
// the pool is shut down.
func (pool *Pool) Enqueue(job JobFunc) error {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	if pool.closed {
		return sentinel.ErrClosed
	}

	pool.wg.Add(1)

	pool.jobs <- job

	return nil
}

// Shutdown waits for every enqueued job to finish and stops the workers.
func (pool *Pool) Shutdown() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()

		return
	}

	pool.closed = true
	pool.mu.Unlock()

	pool.wg.Wait()
	close(pool.jobs)
}

// Workers returns the current number of workers.
func (pool *Pool) Workers() int {
	pool.mu.RLock()
	defer pool.mu.RUnlock()

	return pool.workers
}

// Resize changes the number of workers.
func (pool *Pool) Resize(newSize int) {
	if newSize < 1 {
		return
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.closed {
		return
	}

	diff := newSize - pool.workers
	if diff == 0 {
		return
	}

	pool.workers = newSize

	if diff > 0 {
		for range diff {
			go pool.worker()
		}

		return
	}

	for range -diff {
		pool.quit <- struct{}{}
	}
}

// start starts the worker pool.
func (pool *Pool) start() {
	for range pool.workers {
		go pool.worker()
	}
}

// worker is the main loop executed by each worker goroutine.
func (pool *Pool) worker() {
	for {
		select {
		case job, ok := <-pool.jobs:
			if !ok {
				return
			}

			pool.run(job)
		case <-pool.quit:
			return
		}
	}
}

func (pool *Pool) run(job JobFunc) {
	defer pool.wg.Done()

	err := job()
	if err != nil && pool.onError != nil {
		pool.onError(err)
	}
}
