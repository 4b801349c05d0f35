package parallel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aryankumar/testfleet/internal/executor"
	"github.com/aryankumar/testfleet/internal/util"
)

// stopKind is the kind of stop an operator requested
type stopKind int

const (
	stopAbort stopKind = iota
	stopCancel
)

// loopEvent is posted to the completion loop. A nil reply marks a stop
// notification rather than a worker completion.
type loopEvent[W any, R any] struct {
	worker  W
	outcome executor.Outcome[R]
	reply   chan bool
}

// hooks bind a coordinator to one kind of operation
type hooks[W any, H any, L any, R any] struct {
	// call hands a workload to an initialized worker
	call func(ctx context.Context, worker W, handler H, work L) error

	// fail reports a failed worker call through the worker's handler
	fail func(handler H, work L, err error)

	// stop aborts or cancels a single worker
	stop func(ctx context.Context, worker W, kind stopKind) error

	// aggregate folds one completion into the operation's result
	aggregate func(worker W, work L, outcome executor.Outcome[R])

	// finalize sends the merged completion when no worker will
	finalize func()

	// release disposes of a worker that was replaced
	release func(worker W)
}

// coordinator runs the completion loop of one operation. Completions are
// posted as events and consumed by a single goroutine, which alone decides
// when the operation is complete and what each freed worker does next.
type coordinator[W comparable, H any, L any, R any] struct {
	pool   *executor.Pool[W, H, L]
	hooks  hooks[W, H, L, R]
	logger *slog.Logger

	mu              sync.Mutex
	started         bool
	looping         bool
	abortRequested  bool
	cancelRequested bool
	total           int
	completed       int
	inflight        map[W]L

	events   chan loopEvent[W, R]
	loopDone chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newCoordinator[W comparable, H any, L any, R any](pool *executor.Pool[W, H, L], h hooks[W, H, L, R], logger *slog.Logger) *coordinator[W, H, L, R] {
	return &coordinator[W, H, L, R]{
		pool:     pool,
		hooks:    h,
		logger:   logger,
		inflight: make(map[W]L),
		events:   make(chan loopEvent[W, R]),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start dispatches the initial workloads, then runs the completion loop.
// With nothing to dispatch, or a stop already requested, the final event
// is sent right away. Completions posted during dispatch wait for the
// loop, and a stop requested during dispatch is replayed to it.
func (c *coordinator[W, H, L, R]) start(ctx context.Context, workloads []executor.Workload[L], shared H, handlerFor executor.HandlerFunc[W, H], initialize executor.InitializeFunc[W, H, L]) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return util.ErrAlreadyStarted
	}
	c.started = true
	c.total = len(workloads)
	stopped := c.abortRequested || c.cancelRequested
	c.mu.Unlock()

	if len(workloads) == 0 || stopped {
		c.logger.Info("nothing to dispatch, completing", "workloads", len(workloads), "stopped", stopped)
		close(c.loopDone)
		c.hooks.finalize()
		return nil
	}

	if err := c.pool.StartWork(ctx, workloads, shared, handlerFor, initialize, c.run); err != nil {
		close(c.loopDone)
		return err
	}

	c.mu.Lock()
	c.looping = true
	stopped = c.abortRequested || c.cancelRequested
	c.mu.Unlock()

	go c.loop(ctx)

	if stopped {
		c.notifyStop()
	}
	return nil
}

// run is the pool's RunFunc. The worker call happens on its own goroutine.
func (c *coordinator[W, H, L, R]) run(ctx context.Context, worker W, handler H, work L, initErr error) {
	c.mu.Lock()
	c.inflight[worker] = work
	c.mu.Unlock()

	go func() {
		err := initErr
		if err == nil {
			err = c.safeCall(ctx, worker, handler, work)
		}
		if err != nil {
			c.hooks.fail(handler, work, err)
			return
		}

		// A worker dispatched while a stop was being requested may have
		// missed the broadcast, so it is stopped here.
		if kind, stopping := c.stopRequested(); stopping {
			if err := c.hooks.stop(ctx, worker, kind); err != nil {
				c.logger.Warn("failed to stop late worker", "error", err)
			}
		}
	}()
}

func (c *coordinator[W, H, L, R]) safeCall(ctx context.Context, worker W, handler H, work L) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = util.PanicError(r)
		}
	}()
	return c.hooks.call(ctx, worker, handler, work)
}

// post hands a completion to the loop and returns whether it was the last
// outstanding one
func (c *coordinator[W, H, L, R]) post(worker W, outcome executor.Outcome[R]) bool {
	ev := loopEvent[W, R]{worker: worker, outcome: outcome, reply: make(chan bool, 1)}

	select {
	case c.events <- ev:
	case <-c.loopDone:
		c.logger.Warn("completion received after the operation completed")
		return false
	}
	return <-ev.reply
}

// requestStop records an abort or cancel request and lets the loop check
// whether anything is still in flight. It returns false if the request
// was already made.
func (c *coordinator[W, H, L, R]) requestStop(kind stopKind) bool {
	c.mu.Lock()
	already := c.abortRequested || c.cancelRequested
	if kind == stopAbort {
		c.abortRequested = true
	} else {
		c.cancelRequested = true
	}
	looping := c.looping
	c.mu.Unlock()

	if looping {
		c.notifyStop()
	}
	return !already
}

// notifyStop lets the loop check whether anything is still in flight
func (c *coordinator[W, H, L, R]) notifyStop() {
	select {
	case c.events <- loopEvent[W, R]{}:
	case <-c.loopDone:
	}
}

// stopRequested returns the kind of the pending stop request, if any
func (c *coordinator[W, H, L, R]) stopRequested() (stopKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.abortRequested:
		return stopAbort, true
	case c.cancelRequested:
		return stopCancel, true
	default:
		return stopAbort, false
	}
}

func (c *coordinator[W, H, L, R]) isAbortRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortRequested
}

func (c *coordinator[W, H, L, R]) isCancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRequested
}

func (c *coordinator[W, H, L, R]) loop(ctx context.Context) {
	defer close(c.loopDone)

	for ev := range c.events {
		if ev.reply == nil {
			if c.idle() {
				c.logger.Debug("stop requested with nothing in flight, completing")
				c.hooks.finalize()
				return
			}
			continue
		}

		last := c.complete(ctx, ev)
		ev.reply <- last
		if last {
			return
		}
	}
}

// complete applies one worker completion and decides what happens next
func (c *coordinator[W, H, L, R]) complete(ctx context.Context, ev loopEvent[W, R]) bool {
	c.mu.Lock()
	c.completed++
	completed := c.completed
	work, known := c.inflight[ev.worker]
	delete(c.inflight, ev.worker)
	c.mu.Unlock()

	if !known {
		c.logger.Warn("completion from a worker with no workload")
	}

	c.hooks.aggregate(ev.worker, work, ev.outcome)

	_, stopping := c.stopRequested()
	if stopping {
		if completed == c.pool.DispatchedCount() {
			return true
		}
	} else if completed == c.total {
		return true
	}

	worker := ev.worker
	if ev.outcome.IsAborted() && !stopping {
		replacement, err := c.pool.ReplaceWorker(worker)
		if err != nil {
			c.logger.Error("failed to replace aborted worker", "error", err)
		} else {
			go c.hooks.release(worker)
			worker = replacement
		}
	}

	if _, stopping := c.stopRequested(); stopping {
		return false
	}

	if _, err := c.pool.RunNextWork(ctx, worker); err != nil {
		c.logger.Error("failed to dispatch next workload", "error", err)
	}
	return false
}

// idle reports whether every dispatched workload has completed
func (c *coordinator[W, H, L, R]) idle() bool {
	c.mu.Lock()
	completed := c.completed
	c.mu.Unlock()
	return completed == c.pool.DispatchedCount()
}

func (c *coordinator[W, H, L, R]) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
