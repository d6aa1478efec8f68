// Package workerpool implements C7: a fixed-size worker pool with a
// bounded FIFO queue that blocks the enqueuer on overflow rather than
// dropping work, plus TimerWheel, a set of per-transaction timers for
// Diameter transaction timeouts (C5).
//
// The worker loop here is adapted from the teacher framework's
// TaskWorkerPool: goroutines pulling from a shared queue, panic recovery
// around each unit of work so one bad task never takes down a worker, and
// atomic active-worker tracking for lifecycle management.
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/homestead/hsscache/core"
	"github.com/homestead/hsscache/stats"
)

// WorkItem is a unit of work submitted to the pool. Name identifies it in
// latency reporting (spec §4.7: "duration is reported to §4.8 on both
// success and failure").
type WorkItem struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config configures a Pool.
type Config struct {
	// Workers is the fixed number of worker goroutines.
	Workers int

	// QueueSize bounds the FIFO; Submit blocks once it is full rather than
	// dropping work, per spec §4.7 and §5.
	QueueSize int

	Logger   core.Logger
	Recorder *stats.Recorder
}

// DefaultConfig returns sizing matching Config.WorkerThreads/MaxQueue
// defaults (§6.4).
func DefaultConfig() Config {
	return Config{Workers: 10, QueueSize: 1000}
}

// Pool is a fixed-size worker pool draining a bounded, blocking FIFO.
type Pool struct {
	cfg   Config
	queue chan WorkItem

	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Bool
	active  atomic.Int32
}

// New creates a Pool. Workers do not start until Start is called.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	if cal, ok := cfg.Logger.(core.ComponentAwareLogger); ok {
		cfg.Logger = cal.WithComponent("runtime/pool")
	}
	return &Pool{
		cfg:   cfg,
		queue: make(chan WorkItem, cfg.QueueSize),
	}
}

// Start launches the worker goroutines. It returns immediately; call Stop
// to shut the pool down.
func (p *Pool) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return fmt.Errorf("worker pool already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.cfg.Logger.Info("starting worker pool", map[string]interface{}{
		"workers":    p.cfg.Workers,
		"queue_size": p.cfg.QueueSize,
	})

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(workerCtx, i)
	}
	return nil
}

// Stop cancels outstanding work and waits for workers to drain, up to
// shutdownTimeout.
func (p *Pool) Stop(shutdownTimeout time.Duration) error {
	if !p.running.Swap(false) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("worker pool shutdown timed out after %v", shutdownTimeout)
	}
}

// Submit enqueues a work item, blocking if the queue is full (spec §4.7:
// "overflow behavior: block the enqueuer, never drop a store op"). It
// returns only ctx.Err() if ctx is cancelled before the item is accepted.
func (p *Pool) Submit(ctx context.Context, item WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		if p.cfg.Recorder != nil {
			p.cfg.Recorder.RejectedOverload(context.Background(), item.Name)
		}
		return ctx.Err()
	}
}

// ActiveWorkers reports the number of workers currently executing a task.
func (p *Pool) ActiveWorkers() int32 {
	return p.active.Load()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.active.Add(1)
			p.runItem(ctx, item)
			p.active.Add(-1)
		}
	}
}

// runItem executes item with panic recovery and timing, per spec §4.7: "a
// worker exception must not terminate the worker" and "duration is
// reported on both success and failure".
func (p *Pool) runItem(ctx context.Context, item WorkItem) {
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("work item %q panicked: %v\n%s", item.Name, r, debug.Stack())
			}
		}()
		return item.Run(ctx)
	}()

	duration := time.Since(start)
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.LatencyUs(ctx, item.Name, float64(duration.Microseconds()))
	}

	if err != nil {
		p.cfg.Logger.ErrorWithContext(ctx, "work item failed", map[string]interface{}{
			"item":        item.Name,
			"duration_us": duration.Microseconds(),
			"error":       err.Error(),
		})
		return
	}
	p.cfg.Logger.DebugWithContext(ctx, "work item completed", map[string]interface{}{
		"item":        item.Name,
		"duration_us": duration.Microseconds(),
	})
}
