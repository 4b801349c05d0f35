package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aryankumar/testfleet/internal/util"
	"golang.org/x/sync/errgroup"
)

// Workload is a unit of work to be dispatched to a worker
// Provider pins the workload to workers of one provider; empty means any worker
type Workload[L any] struct {
	Provider string
	Work     L
}

// HandlerFunc builds the per-worker handler from the shared handler
type HandlerFunc[W any, H any] func(shared H, worker W) H

// InitializeFunc prepares a worker for a workload. It may block (e.g. while
// a worker process starts).
type InitializeFunc[W any, H any, L any] func(ctx context.Context, worker W, handler H, work L) error

// RunFunc dispatches a workload to an initialized worker. It receives the
// error returned by the initialize step, if any, and should return as soon
// as the work is issued; completion is reported out of band.
type RunFunc[W any, H any, L any] func(ctx context.Context, worker W, handler H, work L, initErr error)

// slot is one concurrency unit bound to a worker
type slot[W any, H any] struct {
	index    int
	worker   W
	handler  H
	provider string
	occupied bool
}

// Pool manages a fixed number of worker slots
// It creates workers on demand, hands queued workloads to free slots, and
// only advances when told a worker is free via RunNextWork
type Pool[W comparable, H any, L any] struct {
	// maxParallelism is the upper bound on concurrently running workloads
	maxParallelism int

	// newWorker creates a worker for a provider
	newWorker func(provider string) W

	// mu protects everything below
	mu sync.Mutex

	// slots holds one entry per concurrently running workload
	slots []*slot[W, H]

	// queue holds workloads not yet dispatched
	queue []Workload[L]

	// workers holds every worker created so far, in creation order
	workers []W

	// providers records the provider each worker was created for
	providers map[W]string

	// idle holds workers created by InitializeWorkers and not yet bound to a slot
	idle []W

	dispatched int
	started    bool

	shared     H
	handlerFor HandlerFunc[W, H]
	initialize InitializeFunc[W, H, L]
	run        RunFunc[W, H, L]

	// logger for structured logging
	logger *slog.Logger
}

// NewPool creates a new pool with the specified maximum parallelism
// maxParallelism must be > 0, otherwise it defaults to 1
func NewPool[W comparable, H any, L any](maxParallelism int, newWorker func(provider string) W, logger *slog.Logger) *Pool[W, H, L] {
	if maxParallelism <= 0 {
		maxParallelism = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Pool[W, H, L]{
		maxParallelism: maxParallelism,
		newWorker:      newWorker,
		providers:      make(map[W]string),
		logger:         logger,
	}
}

// StartWork fills min(maxParallelism, len(workloads)) slots with the first
// workloads and queues the rest
// Each initial workload is initialized and run synchronously, in order
func (p *Pool[W, H, L]) StartWork(
	ctx context.Context,
	workloads []Workload[L],
	shared H,
	handlerFor HandlerFunc[W, H],
	initialize InitializeFunc[W, H, L],
	run RunFunc[W, H, L],
) error {
	if run == nil {
		return fmt.Errorf("pool needs a run function")
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return util.ErrAlreadyStarted
	}
	p.started = true
	p.shared = shared
	p.handlerFor = handlerFor
	p.initialize = initialize
	p.run = run

	slotCount := min(p.maxParallelism, len(workloads))
	p.queue = append([]Workload[L](nil), workloads[slotCount:]...)

	type assignment struct {
		s    *slot[W, H]
		work L
	}
	assignments := make([]assignment, 0, slotCount)

	for i := 0; i < slotCount; i++ {
		wl := workloads[i]
		worker := p.takeWorkerLocked(wl.Provider)
		s := &slot[W, H]{
			index:    i,
			worker:   worker,
			handler:  p.handlerForLocked(worker),
			provider: p.providers[worker],
			occupied: true,
		}
		p.slots = append(p.slots, s)
		p.dispatched++
		assignments = append(assignments, assignment{s: s, work: wl.Work})
	}
	p.mu.Unlock()

	p.logger.Info("starting parallel work",
		"slots", slotCount,
		"max_parallelism", p.maxParallelism,
		"workloads", len(workloads))

	for _, a := range assignments {
		p.dispatch(ctx, a.s.index, a.s.worker, a.s.handler, a.work)
	}

	return nil
}

// RunNextWork signals that worker finished its workload
// If work is pending, the next workload is dispatched on the same slot and
// true is returned; otherwise the slot becomes available and false is returned
func (p *Pool[W, H, L]) RunNextWork(ctx context.Context, worker W) (bool, error) {
	p.mu.Lock()
	s := p.slotOfLocked(worker)
	if s == nil {
		p.mu.Unlock()
		return false, fmt.Errorf("%w: %v", util.ErrUnknownWorker, worker)
	}
	s.occupied = false

	if len(p.queue) == 0 {
		p.mu.Unlock()
		p.logger.Debug("no pending work, slot released", "slot", s.index)
		return false, nil
	}

	next := p.queue[0]
	p.queue = p.queue[1:]

	if next.Provider != "" && next.Provider != s.provider {
		// The slot's worker cannot serve this provider, so the slot gets a new one
		nw := p.createWorkerLocked(next.Provider)
		s.worker = nw
		s.provider = next.Provider
		s.handler = p.handlerForLocked(nw)
	}
	s.occupied = true
	p.dispatched++
	index, w, h := s.index, s.worker, s.handler
	pending := len(p.queue)
	p.mu.Unlock()

	p.logger.Debug("dispatching next workload", "slot", index, "pending", pending)
	p.dispatch(ctx, index, w, h, next.Work)

	return true, nil
}

// ReplaceWorker swaps old for a fresh worker of the same provider, keeping
// the slot. The replacement is returned so the caller can hand it to
// RunNextWork.
func (p *Pool[W, H, L]) ReplaceWorker(old W) (W, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.slotOfLocked(old)
	if s == nil {
		var zero W
		return zero, fmt.Errorf("%w: %v", util.ErrUnknownWorker, old)
	}

	nw := p.createWorkerLocked(s.provider)
	s.worker = nw
	s.handler = p.handlerForLocked(nw)

	p.logger.Debug("replaced worker", "slot", s.index, "provider", s.provider)
	return nw, nil
}

// InitializeWorkers eagerly creates n idle workers for provider and
// initializes them in parallel. Idle workers are bound to slots first when
// work starts.
func (p *Pool[W, H, L]) InitializeWorkers(ctx context.Context, n int, provider string, init func(ctx context.Context, worker W) error) error {
	p.mu.Lock()
	created := make([]W, 0, n)
	for i := 0; i < n; i++ {
		w := p.createWorkerLocked(provider)
		p.idle = append(p.idle, w)
		created = append(created, w)
	}
	p.mu.Unlock()

	if init == nil {
		return nil
	}

	var g errgroup.Group
	for _, w := range created {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = util.PanicError(r)
				}
			}()
			return init(ctx, w)
		})
	}
	return g.Wait()
}

// DoActionOnAllManagers applies action to every worker created so far,
// including workers whose work already finished
// Failures are logged and collected, never propagated as panics
func (p *Pool[W, H, L]) DoActionOnAllManagers(ctx context.Context, action func(ctx context.Context, worker W) error, parallel bool) error {
	workers := p.Workers()
	if len(workers) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs util.AggregateError
	)

	apply := func(w W) {
		err := p.safeAction(ctx, action, w)
		if err != nil {
			p.logger.Warn("action on worker failed", "error", err)
			mu.Lock()
			errs.Add(err)
			mu.Unlock()
		}
	}

	if !parallel {
		for _, w := range workers {
			apply(w)
		}
		return errs.ErrorOrNil()
	}

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			apply(w)
			return nil
		})
	}
	_ = g.Wait()

	return errs.ErrorOrNil()
}

// OccupiedSlotCount returns the number of slots running a workload
func (p *Pool[W, H, L]) OccupiedSlotCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, s := range p.slots {
		if s.occupied {
			count++
		}
	}
	return count
}

// AvailableSlotCount returns the number of slots not running a workload
func (p *Pool[W, H, L]) AvailableSlotCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := 0
	for _, s := range p.slots {
		if !s.occupied {
			available++
		}
	}
	return available
}

// SlotCount returns the number of slots allocated by StartWork
func (p *Pool[W, H, L]) SlotCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// DispatchedCount returns how many workloads were handed to workers
func (p *Pool[W, H, L]) DispatchedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dispatched
}

// PendingCount returns how many workloads wait in the queue
func (p *Pool[W, H, L]) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Workers returns every worker created so far, in creation order
func (p *Pool[W, H, L]) Workers() []W {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]W(nil), p.workers...)
}

// MaxParallelism returns the configured upper bound of concurrent workloads
func (p *Pool[W, H, L]) MaxParallelism() int {
	return p.maxParallelism
}

// dispatch runs initialize then run for one workload
func (p *Pool[W, H, L]) dispatch(ctx context.Context, index int, worker W, handler H, work L) {
	var initErr error
	if p.initialize != nil {
		initErr = p.safeInitialize(ctx, worker, handler, work)
		if initErr != nil {
			p.logger.Warn("worker initialization failed", "slot", index, "error", initErr)
		}
	}
	p.run(ctx, worker, handler, work, initErr)
}

func (p *Pool[W, H, L]) safeInitialize(ctx context.Context, worker W, handler H, work L) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = util.PanicError(r)
		}
	}()
	return p.initialize(ctx, worker, handler, work)
}

func (p *Pool[W, H, L]) safeAction(ctx context.Context, action func(ctx context.Context, worker W) error, worker W) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = util.PanicError(r)
		}
	}()
	return action(ctx, worker)
}

// takeWorkerLocked returns an idle worker matching provider, or a new one
func (p *Pool[W, H, L]) takeWorkerLocked(provider string) W {
	for i, w := range p.idle {
		if provider == "" || p.providers[w] == provider {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return w
		}
	}
	return p.createWorkerLocked(provider)
}

func (p *Pool[W, H, L]) createWorkerLocked(provider string) W {
	w := p.newWorker(provider)
	p.workers = append(p.workers, w)
	p.providers[w] = provider
	return w
}

func (p *Pool[W, H, L]) handlerForLocked(worker W) H {
	if p.handlerFor == nil {
		return p.shared
	}
	return p.handlerFor(p.shared, worker)
}

func (p *Pool[W, H, L]) slotOfLocked(worker W) *slot[W, H] {
	for _, s := range p.slots {
		if s.worker == worker {
			return s
		}
	}
	return nil
}
