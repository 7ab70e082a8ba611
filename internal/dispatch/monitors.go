package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Start launches the drain loop, the worker pool, and the periodic monitors.
// Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if e.running.Load() {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// in-flight items finish even after the loops are cancelled
	e.pool.start(context.WithoutCancel(ctx))

	logger := cron.PrintfLogger(log.Default())
	e.cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	e.cron.Schedule(cron.Every(e.opts.ReapInterval), cron.FuncJob(func() { e.ReapSessions() }))
	e.cron.Schedule(cron.Every(e.opts.SweepInterval), cron.FuncJob(func() { e.SweepCache() }))
	e.cron.Schedule(cron.Every(e.opts.MetricsInterval), cron.FuncJob(e.AggregateMetrics))
	e.cron.Schedule(cron.Every(e.opts.LoadInterval), cron.FuncJob(func() { e.ObserveLoad() }))
	e.cron.Start()

	e.loops.Add(1)
	go e.drain(loopCtx)

	e.running.Store(true)
	log.Printf("dispatch: engine started workers=%d queue_max=%d max_sessions=%d",
		e.opts.Workers, e.queue.maxSize, e.sessions.max)
	return nil
}

// Stop halts the loops, waits up to the shutdown timeout for them, then
// closes the worker pool and waits for in-flight items. Items still in the
// queue are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.stopped.Store(true)
	e.cancel()
	cronDone := e.cron.Stop()

	select {
	case <-cronDone.Done():
	case <-time.After(e.opts.ShutdownTimeout):
		log.Printf("dispatch: monitors did not stop within %s, continuing shutdown", e.opts.ShutdownTimeout)
	}

	// the drain loop returns as soon as it sees the cancellation; it must be
	// gone before the pool's job channel is closed
	e.loops.Wait()
	e.pool.close()
	e.bg.Wait()
	log.Printf("dispatch: engine stopped processed=%d failed=%d undispatched=%d",
		e.processed.Load(), e.failed.Load(), e.queue.Len())
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

// drain pops items and hands them to the pool, idling briefly when empty.
func (e *Engine) drain(ctx context.Context) {
	defer e.loops.Done()

	idle := time.NewTimer(e.opts.IdleSleep)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		item := e.queue.Get()
		if item == nil {
			idle.Reset(e.opts.IdleSleep)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}
		if !e.pool.submit(ctx, item) {
			return
		}
	}
}

// ReapSessions removes idle sessions and archives them.
func (e *Engine) ReapSessions() int {
	reaped := e.sessions.Reap()
	if len(reaped) > 0 {
		log.Printf("reaper: removed sessions=%d active=%d", len(reaped), e.sessions.Len())
		e.archive(reaped)
	}
	return len(reaped)
}

// SweepCache removes expired context cache entries.
func (e *Engine) SweepCache() int {
	n := e.cache.Sweep()
	if n > 0 {
		log.Printf("sweeper: expired entries=%d size=%d", n, e.cache.Len())
	}
	return n
}

// AggregateMetrics recomputes messages per second from the processed counter.
func (e *Engine) AggregateMetrics() {
	now := e.opts.Now()
	processed := e.processed.Load()

	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()

	elapsed := now.Sub(e.lastMetricsAt).Seconds()
	if elapsed > 0 {
		e.mps = float64(processed-e.lastProcessed) / elapsed
	}
	e.lastProcessed = processed
	e.lastMetricsAt = now
}

// ObserveLoad logs a warning when the queue or latency is over threshold.
// It reports whether a warning was logged; it takes no corrective action.
func (e *Engine) ObserveLoad() bool {
	depth := e.queue.Len()
	mean, _ := e.latency.Mean()
	if depth <= e.opts.DepthWarn && mean <= e.opts.LatencyWarn {
		return false
	}
	log.Printf("load: high load depth=%d avg_latency=%s worker_utilization=%.2f",
		depth, mean, e.pool.utilization())
	return true
}
