package dispatch

import (
	"sync"
)

const (
	minSendWorkers = 1
	maxSendWorkers = 32
)

// sendPool runs transient sends on a fixed set of goroutines so that
// send latency never reaches the dispatching caller. The pool is
// bounded on both workers and queued work: a transport outage makes
// submissions fail instead of exhausting memory.
type sendPool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newSendPool(workers int) *sendPool {
	if workers < minSendWorkers {
		workers = minSendWorkers
	}
	if workers > maxSendWorkers {
		workers = maxSendWorkers
	}

	p := &sendPool{
		jobs: make(chan func(), workers*64),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}

	return p
}

// submit queues a send without blocking. It returns false when the
// pool is saturated or closed. The mutex makes the closed check and
// the channel send atomic with respect to close, so a concurrent
// Dispatch can never hit a closed jobs channel.
func (p *sendPool) submit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// close stops accepting work and waits for queued sends to finish.
// Safe to call more than once.
func (p *sendPool) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
