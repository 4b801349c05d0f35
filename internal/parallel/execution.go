package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aryankumar/testfleet/internal/aggregate"
	"github.com/aryankumar/testfleet/internal/executor"
	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/util"
)

type executionPool = executor.Pool[protocol.ExecutionWorker, protocol.RunEventsHandler, executionWork]

// ExecutionManager runs one test run across a bounded number of workers
// and reports a single merged completion to the caller
type ExecutionManager struct {
	id          string
	requestData *metrics.RequestData
	logger      *slog.Logger

	pool       *executionPool
	aggregator *aggregate.Execution
	coord      *coordinator[protocol.ExecutionWorker, protocol.RunEventsHandler, executionWork, aggregate.Contribution]

	mu                  sync.Mutex
	caller              protocol.RunEventsHandler
	criteria            protocol.RunCriteria
	skipDefaultAdapters bool
	handlers            map[protocol.ExecutionWorker]*executionHandler
}

// NewExecutionManager creates a manager for one test run.
// newWorker is called whenever a slot needs a worker for a provider.
func NewExecutionManager(parallelism int, newWorker func(provider string) protocol.ExecutionWorker, requestData *metrics.RequestData, logger *slog.Logger) *ExecutionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if requestData == nil {
		requestData = metrics.NewRequestData(false)
	}

	id := uuid.NewString()
	logger = logger.With("operation_id", id, "operation", "execution")

	m := &ExecutionManager{
		id:          id,
		requestData: requestData,
		logger:      logger,
		aggregator:  aggregate.NewExecution(logger),
		handlers:    make(map[protocol.ExecutionWorker]*executionHandler),
	}
	m.pool = executor.NewPool[protocol.ExecutionWorker, protocol.RunEventsHandler, executionWork](max(parallelism, 1), newWorker, logger)
	m.coord = newCoordinator(m.pool, hooks[protocol.ExecutionWorker, protocol.RunEventsHandler, executionWork, aggregate.Contribution]{
		call:      m.runOn,
		fail:      m.reportFailure,
		stop:      m.stopWorker,
		aggregate: m.aggregate,
		finalize:  m.sendFinal,
		release:   releaseWorker[protocol.ExecutionWorker](logger),
	}, logger)
	return m
}

// ID returns the operation ID used in logs
func (m *ExecutionManager) ID() string {
	return m.id
}

// Initialize eagerly starts one worker per slot
func (m *ExecutionManager) Initialize(ctx context.Context, skipDefaultAdapters bool) error {
	m.mu.Lock()
	m.skipDefaultAdapters = skipDefaultAdapters
	m.mu.Unlock()

	m.logger.Info("initializing workers", "count", m.pool.MaxParallelism())
	return m.pool.InitializeWorkers(ctx, m.pool.MaxParallelism(), "", func(ctx context.Context, w protocol.ExecutionWorker) error {
		return w.Initialize(ctx, skipDefaultAdapters)
	})
}

// StartTestRun starts running criteria. It returns once the first
// workloads are dispatched; handler receives exactly one
// HandleTestRunComplete when the whole run finishes.
func (m *ExecutionManager) StartTestRun(ctx context.Context, criteria protocol.RunCriteria, handler protocol.RunEventsHandler) error {
	if handler == nil {
		return fmt.Errorf("test run needs an events handler")
	}

	m.mu.Lock()
	if m.caller != nil {
		m.mu.Unlock()
		return fmt.Errorf("test run %s: already started", m.id)
	}
	m.caller = handler
	m.criteria = criteria
	m.mu.Unlock()

	workloads := executionWorkloads(criteria, m.pool.MaxParallelism())
	m.logger.Info("starting test run",
		"sources", len(criteria.Sources),
		"tests", len(criteria.Tests),
		"workloads", len(workloads),
		"parallelism", m.pool.MaxParallelism())

	return m.coord.start(ctx, workloads, handler, m.handlerFor, m.initialize)
}

// HandlePartialRunComplete records that worker finished its workload and
// reports whether it was the last outstanding one
func (m *ExecutionManager) HandlePartialRunComplete(worker protocol.ExecutionWorker, c aggregate.Contribution) bool {
	if c.IsAborted {
		return m.coord.post(worker, executor.Aborted(c))
	}
	return m.coord.post(worker, executor.Completed(c))
}

// Abort stops dispatching and aborts every worker created so far
func (m *ExecutionManager) Abort(ctx context.Context, handler protocol.RunEventsHandler) {
	m.stop(ctx, stopAbort, handler)
}

// Cancel stops dispatching and cancels every worker created so far
func (m *ExecutionManager) Cancel(ctx context.Context, handler protocol.RunEventsHandler) {
	m.stop(ctx, stopCancel, handler)
}

// Close closes every worker created so far
func (m *ExecutionManager) Close() error {
	return m.pool.DoActionOnAllManagers(context.Background(), func(ctx context.Context, w protocol.ExecutionWorker) error {
		return w.Close()
	}, true)
}

// Done is closed after the merged completion was sent to the caller
func (m *ExecutionManager) Done() <-chan struct{} {
	return m.coord.done
}

// WorkerElapsedPercentile returns the q-th percentile of worker elapsed times
func (m *ExecutionManager) WorkerElapsedPercentile(q float64) time.Duration {
	return m.aggregator.WorkerElapsedPercentile(q)
}

func (m *ExecutionManager) stop(ctx context.Context, kind stopKind, handler protocol.RunEventsHandler) {
	if !m.coord.requestStop(kind) {
		m.logger.Debug("stop already requested")
	}
	m.logger.Info("stopping test run", "kind", kindName(kind))

	err := m.pool.DoActionOnAllManagers(ctx, func(ctx context.Context, w protocol.ExecutionWorker) error {
		return m.stopWorkerWith(ctx, w, kind, handler)
	}, true)
	if err != nil {
		m.logger.Warn("some workers failed to stop", "error", err)
	}
}

func (m *ExecutionManager) stopWorker(ctx context.Context, w protocol.ExecutionWorker, kind stopKind) error {
	return m.stopWorkerWith(ctx, w, kind, nil)
}

func (m *ExecutionManager) stopWorkerWith(ctx context.Context, w protocol.ExecutionWorker, kind stopKind, fallback protocol.RunEventsHandler) error {
	var handler protocol.RunEventsHandler = fallback
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

func (m *ExecutionManager) handlerFor(shared protocol.RunEventsHandler, w protocol.ExecutionWorker) protocol.RunEventsHandler {
	h := newExecutionHandler(m, w, shared)

	m.mu.Lock()
	m.handlers[w] = h
	m.mu.Unlock()
	return h
}

func (m *ExecutionManager) initialize(ctx context.Context, w protocol.ExecutionWorker, _ protocol.RunEventsHandler, _ executionWork) error {
	m.mu.Lock()
	skip := m.skipDefaultAdapters
	m.mu.Unlock()
	return w.Initialize(ctx, skip)
}

func (m *ExecutionManager) runOn(ctx context.Context, w protocol.ExecutionWorker, h protocol.RunEventsHandler, work executionWork) error {
	m.mu.Lock()
	criteria := m.criteria
	m.mu.Unlock()

	criteria.Sources = work.sources
	criteria.Tests = work.tests
	return w.StartTestRun(ctx, criteria, h)
}

// reportFailure tells the caller about a failed worker call and completes
// the workload as aborted
func (m *ExecutionManager) reportFailure(h protocol.RunEventsHandler, work executionWork, err error) {
	m.logger.Error("execution worker failed", "items", work.items(), "error", err)

	h.HandleLogMessage(protocol.LevelError, fmt.Sprintf("Test run failed for %v: %v", work.items(), err))
	h.HandleTestRunComplete(protocol.RunCompleteArgs{
		Stats:     &protocol.RunStats{},
		IsAborted: true,
		Err:       errors.Join(util.ErrWorkerAborted, err),
	}, nil, nil, nil)
}

func (m *ExecutionManager) aggregate(_ protocol.ExecutionWorker, work executionWork, outcome executor.Outcome[aggregate.Contribution]) {
	c := outcome.Value()
	m.aggregator.Aggregate(c)

	var executed int64
	if c.Stats != nil {
		executed = c.Stats.ExecutedTests
	}
	m.logger.Debug("execution workload completed",
		"items", len(work.items()),
		"executed", executed,
		"outcome", outcome.String())
}

// sendFinal sends the merged completion to the caller, once
func (m *ExecutionManager) sendFinal() {
	if !m.aggregator.TryMarkFinalSent() {
		return
	}
	defer m.coord.markDone()

	args := protocol.RunCompleteArgs{
		Stats:                 m.aggregator.RunStats(),
		IsAborted:             m.aggregator.IsAborted() || m.coord.isAbortRequested(),
		IsCanceled:            m.aggregator.IsCanceled() || m.coord.isCancelRequested(),
		Err:                   m.aggregator.AggregatedError(),
		Attachments:           m.aggregator.Attachments(),
		InvokedDataCollectors: m.aggregator.InvokedDataCollectors(),
		ElapsedTime:           m.aggregator.ElapsedTime(),
	}
	runContextAttachments := m.aggregator.RunContextAttachments()
	executorURIs := m.aggregator.ExecutorURIs()

	m.requestData.Metrics.Add(metrics.ExecutionState, metrics.StateOf(args.IsAborted, args.IsCanceled))
	if m.requestData.TelemetryOptedIn {
		args.Metrics = m.aggregator.Metrics()
		args.Metrics[metrics.ExecutionParallelWorkers] = m.pool.SlotCount()
		args.Metrics[metrics.ExecutionTotalTests] = args.Stats.ExecutedTests
		for k, v := range args.Metrics {
			m.requestData.Metrics.Add(k, v)
		}
	}

	m.mu.Lock()
	caller := m.caller
	m.mu.Unlock()

	payload := protocol.RunCompletePayload{
		Stats:                 args.Stats,
		IsCanceled:            args.IsCanceled,
		IsAborted:             args.IsAborted,
		ElapsedTime:           args.ElapsedTime,
		Attachments:           args.Attachments,
		RunContextAttachments: runContextAttachments,
		ExecutorURIs:          executorURIs,
		Metrics:               args.Metrics,
	}
	if args.Err != nil {
		payload.Error = args.Err.Error()
	}

	raw, err := protocol.NewRawMessage(protocol.MessageExecutionComplete, payload)
	if err != nil {
		m.logger.Error("failed to encode run completion", "error", err)
	} else {
		caller.HandleRawMessage(raw)
	}

	m.logger.Info("test run complete",
		"executed", args.Stats.ExecutedTests,
		"aborted", args.IsAborted,
		"canceled", args.IsCanceled,
		"elapsed", args.ElapsedTime,
		"workers", len(m.pool.Workers()))

	caller.HandleTestRunComplete(args, nil, runContextAttachments, executorURIs)
}
