package dispatch

import (
	"context"
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// DefaultWorkers sizes the pool from the host: min(2*cores, 16).
func DefaultWorkers() int {
	return min(2*runtime.NumCPU(), 16)
}

// workerPool runs handed-off items on a fixed number of goroutines.
type workerPool struct {
	size    int
	jobs    chan *Item
	handle  func(ctx context.Context, item *Item)
	wg      sync.WaitGroup
	busy    atomic.Int32
	closeMu sync.Once
}

func newWorkerPool(size int, handle func(ctx context.Context, item *Item)) *workerPool {
	if size <= 0 {
		size = DefaultWorkers()
	}
	return &workerPool{
		size:   size,
		jobs:   make(chan *Item),
		handle: handle,
	}
}

func (p *workerPool) start(ctx context.Context) {
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go func(workerID int) {
			defer p.wg.Done()
			for item := range p.jobs {
				p.run(ctx, workerID, item)
			}
		}(i)
	}
}

func (p *workerPool) run(ctx context.Context, workerID int, item *Item) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker=%d panic user=%s tier=%s: %v\n%s",
				workerID, item.UserID, item.Tier, r, debug.Stack())
		}
	}()
	p.handle(ctx, item)
}

// submit hands item to an idle worker, blocking while all are busy. jobs is
// unbuffered so nothing sits between the queue and a worker on shutdown.
func (p *workerPool) submit(ctx context.Context, item *Item) bool {
	select {
	case p.jobs <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// close stops accepting work and waits for in-flight items.
func (p *workerPool) close() {
	p.closeMu.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

func (p *workerPool) utilization() float64 {
	return float64(p.busy.Load()) / float64(p.size)
}
