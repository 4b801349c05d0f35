package parallel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aryankumar/testfleet/internal/aggregate"
	"github.com/aryankumar/testfleet/internal/executor"
	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/sourcestate"
)

// discoveryResult is what one discovery worker reports on completion
type discoveryResult struct {
	totalTests int64
	lastChunk  []protocol.TestCase
}

type discoveryPool = executor.Pool[protocol.DiscoveryWorker, protocol.DiscoveryEventsHandler, discoveryWork]

// DiscoveryManager runs one discovery operation across a bounded number
// of workers and reports a single merged completion to the caller
type DiscoveryManager struct {
	id          string
	requestData *metrics.RequestData
	logger      *slog.Logger

	pool       *discoveryPool
	aggregator *aggregate.Discovery
	coord      *coordinator[protocol.DiscoveryWorker, protocol.DiscoveryEventsHandler, discoveryWork, discoveryResult]

	mu                  sync.Mutex
	caller              protocol.DiscoveryEventsHandler
	criteria            protocol.DiscoveryCriteria
	skipDefaultAdapters bool
	handlers            map[protocol.DiscoveryWorker]*discoveryHandler
}

// NewDiscoveryManager creates a manager for one discovery operation.
// newWorker is called whenever a slot needs a worker for a provider.
func NewDiscoveryManager(parallelism int, newWorker func(provider string) protocol.DiscoveryWorker, requestData *metrics.RequestData, logger *slog.Logger) *DiscoveryManager {
	if logger == nil {
		logger = slog.Default()
	}
	if requestData == nil {
		requestData = metrics.NewRequestData(false)
	}

	id := uuid.NewString()
	logger = logger.With("operation_id", id, "operation", "discovery")

	m := &DiscoveryManager{
		id:          id,
		requestData: requestData,
		logger:      logger,
		aggregator:  aggregate.NewDiscovery(logger),
		handlers:    make(map[protocol.DiscoveryWorker]*discoveryHandler),
	}
	m.pool = executor.NewPool[protocol.DiscoveryWorker, protocol.DiscoveryEventsHandler, discoveryWork](max(parallelism, 1), newWorker, logger)
	m.coord = newCoordinator(m.pool, hooks[protocol.DiscoveryWorker, protocol.DiscoveryEventsHandler, discoveryWork, discoveryResult]{
		call:      m.discoverOn,
		fail:      m.reportFailure,
		stop:      m.stopWorker,
		aggregate: m.aggregate,
		finalize:  m.sendFinal,
		release:   releaseWorker[protocol.DiscoveryWorker](logger),
	}, logger)
	return m
}

// ID returns the operation ID used in logs
func (m *DiscoveryManager) ID() string {
	return m.id
}

// Initialize eagerly starts one worker per slot
func (m *DiscoveryManager) Initialize(ctx context.Context, skipDefaultAdapters bool) error {
	m.mu.Lock()
	m.skipDefaultAdapters = skipDefaultAdapters
	m.mu.Unlock()

	m.logger.Info("initializing workers", "count", m.pool.MaxParallelism())
	return m.pool.InitializeWorkers(ctx, m.pool.MaxParallelism(), "", func(ctx context.Context, w protocol.DiscoveryWorker) error {
		return w.Initialize(ctx, skipDefaultAdapters)
	})
}

// Discover starts discovery of criteria.Sources. It returns once the
// first workloads are dispatched; handler receives exactly one
// HandleDiscoveryComplete when the whole operation finishes.
func (m *DiscoveryManager) Discover(ctx context.Context, criteria protocol.DiscoveryCriteria, handler protocol.DiscoveryEventsHandler) error {
	if handler == nil {
		return fmt.Errorf("discovery needs an events handler")
	}

	m.mu.Lock()
	if m.caller != nil {
		m.mu.Unlock()
		return fmt.Errorf("discovery %s: already started", m.id)
	}
	m.caller = handler
	m.criteria = criteria
	m.mu.Unlock()

	m.aggregator.MarkSourcesWithStatus(criteria.Sources, sourcestate.NotDiscovered)

	workloads := discoveryWorkloads(criteria)
	m.logger.Info("starting discovery",
		"sources", len(criteria.Sources),
		"workloads", len(workloads),
		"parallelism", m.pool.MaxParallelism())

	return m.coord.start(ctx, workloads, handler, m.handlerFor, m.initialize)
}

// HandlePartialDiscoveryComplete records that worker finished its workload
// and reports whether it was the last outstanding one
func (m *DiscoveryManager) HandlePartialDiscoveryComplete(worker protocol.DiscoveryWorker, totalTests int64, lastChunk []protocol.TestCase, isAborted bool) bool {
	result := discoveryResult{totalTests: totalTests, lastChunk: lastChunk}
	if isAborted {
		return m.coord.post(worker, executor.Aborted(result))
	}
	return m.coord.post(worker, executor.Completed(result))
}

// Abort stops dispatching and aborts every worker created so far
func (m *DiscoveryManager) Abort(ctx context.Context, handler protocol.DiscoveryEventsHandler) {
	m.stop(ctx, stopAbort, handler)
}

// Cancel stops dispatching and cancels every worker created so far.
// Discovery has no canceled state, so the operation completes as aborted.
func (m *DiscoveryManager) Cancel(ctx context.Context, handler protocol.DiscoveryEventsHandler) {
	m.stop(ctx, stopCancel, handler)
}

// Close closes every worker created so far
func (m *DiscoveryManager) Close() error {
	return m.pool.DoActionOnAllManagers(context.Background(), func(ctx context.Context, w protocol.DiscoveryWorker) error {
		return w.Close()
	}, true)
}

// Done is closed after the merged completion was sent to the caller
func (m *DiscoveryManager) Done() <-chan struct{} {
	return m.coord.done
}

// SourceStatuses returns the discovery status of every source
func (m *DiscoveryManager) SourceStatuses() map[string]sourcestate.Status {
	return m.aggregator.Snapshot()
}

func (m *DiscoveryManager) stop(ctx context.Context, kind stopKind, handler protocol.DiscoveryEventsHandler) {
	if !m.coord.requestStop(kind) {
		m.logger.Debug("stop already requested")
	}
	m.logger.Info("stopping discovery", "kind", kindName(kind))

	err := m.pool.DoActionOnAllManagers(ctx, func(ctx context.Context, w protocol.DiscoveryWorker) error {
		return m.stopWorkerWith(ctx, w, kind, handler)
	}, true)
	if err != nil {
		m.logger.Warn("some workers failed to stop", "error", err)
	}
}

func (m *DiscoveryManager) stopWorker(ctx context.Context, w protocol.DiscoveryWorker, kind stopKind) error {
	return m.stopWorkerWith(ctx, w, kind, nil)
}

// stopWorkerWith routes the worker's stop through its own handler when
// it has one, so late completions are still aggregated
func (m *DiscoveryManager) stopWorkerWith(ctx context.Context, w protocol.DiscoveryWorker, kind stopKind, fallback protocol.DiscoveryEventsHandler) error {
	var handler protocol.DiscoveryEventsHandler = fallback
	m.mu.Lock()
	if h, ok := m.handlers[w]; ok {
		handler = h
	} else if handler == nil {
		handler = m.caller
	}
	m.mu.Unlock()

	if kind == stopCancel {
		return w.Cancel(ctx, handler)
	}
	return w.Abort(ctx, handler)
}

func (m *DiscoveryManager) handlerFor(shared protocol.DiscoveryEventsHandler, w protocol.DiscoveryWorker) protocol.DiscoveryEventsHandler {
	h := newDiscoveryHandler(m, w, shared)

	m.mu.Lock()
	m.handlers[w] = h
	m.mu.Unlock()
	return h
}

func (m *DiscoveryManager) initialize(ctx context.Context, w protocol.DiscoveryWorker, _ protocol.DiscoveryEventsHandler, _ discoveryWork) error {
	m.mu.Lock()
	skip := m.skipDefaultAdapters
	m.mu.Unlock()
	return w.Initialize(ctx, skip)
}

func (m *DiscoveryManager) discoverOn(ctx context.Context, w protocol.DiscoveryWorker, h protocol.DiscoveryEventsHandler, work discoveryWork) error {
	m.mu.Lock()
	criteria := m.criteria
	m.mu.Unlock()

	criteria.Sources = work.sources
	return w.Discover(ctx, criteria, h)
}

// reportFailure tells the caller about a failed worker call and completes
// the workload as aborted
func (m *DiscoveryManager) reportFailure(h protocol.DiscoveryEventsHandler, work discoveryWork, err error) {
	m.logger.Error("discovery worker failed", "sources", work.sources, "error", err)

	h.HandleLogMessage(protocol.LevelError, fmt.Sprintf("Discovery failed for %v: %v", work.sources, err))
	h.HandleDiscoveryComplete(protocol.DiscoveryCompleteArgs{TotalCount: -1, IsAborted: true}, nil)
}

func (m *DiscoveryManager) aggregate(_ protocol.DiscoveryWorker, work discoveryWork, outcome executor.Outcome[discoveryResult]) {
	r := outcome.Value()
	m.aggregator.Aggregate(r.totalTests, outcome.IsAborted())

	if !outcome.IsAborted() {
		m.aggregator.MarkSourcesWithStatus(work.sources, sourcestate.FullyDiscovered)
	}

	m.logger.Debug("discovery workload completed",
		"sources", work.sources,
		"tests", r.totalTests,
		"outcome", outcome.String())
}

// sendFinal sends the merged completion to the caller, once
func (m *DiscoveryManager) sendFinal() {
	if !m.aggregator.TryMarkFinalSent() {
		return
	}
	defer m.coord.markDone()

	if _, stopped := m.coord.stopRequested(); stopped {
		m.aggregator.Aggregate(0, true)
	}

	args := protocol.DiscoveryCompleteArgs{
		TotalCount:                 m.aggregator.TotalTests(),
		IsAborted:                  m.aggregator.IsAborted(),
		FullyDiscoveredSources:     m.aggregator.SortedSourcesWithStatus(sourcestate.FullyDiscovered),
		PartiallyDiscoveredSources: m.aggregator.SortedSourcesWithStatus(sourcestate.PartiallyDiscovered),
		NotDiscoveredSources:       m.aggregator.SortedSourcesWithStatus(sourcestate.NotDiscovered),
	}

	m.requestData.Metrics.Add(metrics.DiscoveryState, metrics.StateOf(args.IsAborted, false))
	if m.requestData.TelemetryOptedIn {
		args.Metrics = m.aggregator.Metrics()
		args.Metrics[metrics.DiscoveryParallelWorkers] = m.pool.SlotCount()
		args.Metrics[metrics.DiscoveryTotalTests] = args.TotalCount
		for k, v := range args.Metrics {
			m.requestData.Metrics.Add(k, v)
		}
	}

	m.mu.Lock()
	caller := m.caller
	m.mu.Unlock()

	raw, err := protocol.NewRawMessage(protocol.MessageDiscoveryComplete, protocol.DiscoveryCompletePayload{
		TotalTests:                 args.TotalCount,
		IsAborted:                  args.IsAborted,
		FullyDiscoveredSources:     args.FullyDiscoveredSources,
		PartiallyDiscoveredSources: args.PartiallyDiscoveredSources,
		NotDiscoveredSources:       args.NotDiscoveredSources,
		Metrics:                    args.Metrics,
	})
	if err != nil {
		m.logger.Error("failed to encode discovery completion", "error", err)
	} else {
		caller.HandleRawMessage(raw)
	}

	m.logger.Info("discovery complete",
		"total_tests", args.TotalCount,
		"aborted", args.IsAborted,
		"workers", len(m.pool.Workers()))

	caller.HandleDiscoveryComplete(args, nil)
}

func kindName(kind stopKind) string {
	if kind == stopCancel {
		return "cancel"
	}
	return "abort"
}

// releaseWorker closes a replaced worker
func releaseWorker[W interface{ Close() error }](logger *slog.Logger) func(W) {
	return func(w W) {
		if err := w.Close(); err != nil {
			logger.Debug("failed to close replaced worker", "error", err)
		}
	}
}
