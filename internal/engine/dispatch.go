package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("dispatch pool is shut down")

// DispatchPool bounds the number of handler invocations running at once.
// Within a round the scheduler submits one task per matched handler; the
// pool keeps a slow round from fanning out unboundedly when many handlers
// are registered.
type DispatchPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewDispatchPool creates a pool with the given max concurrency.
func NewDispatchPool(size int) *DispatchPool {
	if size <= 0 {
		size = 1
	}
	return &DispatchPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit enqueues work into the pool. It blocks while the pool is at
// capacity and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *DispatchPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add(1) must happen under the lock to not race Shutdown's wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn(ctx)
	}()

	return nil
}

// Shutdown prevents new submissions and waits for active work to finish.
func (p *DispatchPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}
