package parallel

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aryankumar/testfleet/internal/aggregate"
	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/util"
)

// isCompletionMessage reports whether raw is a per-worker completion
// message, which must not reach the caller: only the merged completion does
func isCompletionMessage(raw string) bool {
	messageType, err := protocol.MessageTypeOf(raw)
	if err != nil {
		return false
	}
	return messageType == protocol.MessageDiscoveryComplete || messageType == protocol.MessageExecutionComplete
}

// discoveryHandler routes the events of one discovery worker
type discoveryHandler struct {
	id      string
	manager *DiscoveryManager
	worker  protocol.DiscoveryWorker
	caller  protocol.DiscoveryEventsHandler
	logger  *slog.Logger

	mu             sync.Mutex
	previousSource string
}

func newDiscoveryHandler(m *DiscoveryManager, w protocol.DiscoveryWorker, caller protocol.DiscoveryEventsHandler) *discoveryHandler {
	id := uuid.NewString()
	return &discoveryHandler{
		id:      id,
		manager: m,
		worker:  w,
		caller:  caller,
		logger:  m.logger.With("worker", id),
	}
}

func (h *discoveryHandler) HandleRawMessage(raw string) {
	if isCompletionMessage(raw) {
		return
	}
	h.caller.HandleRawMessage(raw)
}

func (h *discoveryHandler) HandleLogMessage(level protocol.LogLevel, message string) {
	h.caller.HandleLogMessage(level, message)
}

func (h *discoveryHandler) HandleDiscoveredTests(tests []protocol.TestCase) {
	h.mu.Lock()
	h.manager.aggregator.MarkSourcesBasedOnDiscoveredTestCases(tests, false, &h.previousSource)
	h.mu.Unlock()

	h.caller.HandleDiscoveredTests(tests)
}

func (h *discoveryHandler) HandleDiscoveryComplete(args protocol.DiscoveryCompleteArgs, lastChunk []protocol.TestCase) {
	if len(lastChunk) > 0 {
		raw, err := protocol.NewRawMessage(protocol.MessageTestCasesFound, lastChunk)
		if err != nil {
			h.logger.Warn("failed to encode last chunk", "error", err)
		} else {
			h.caller.HandleRawMessage(raw)
		}
		h.caller.HandleDiscoveredTests(lastChunk)
	}

	h.mu.Lock()
	h.manager.aggregator.MarkSourcesBasedOnDiscoveredTestCases(lastChunk, !args.IsAborted, &h.previousSource)
	h.previousSource = ""
	h.mu.Unlock()

	h.manager.requestData.Metrics.Add(metrics.DiscoveryWorkerState, metrics.StateOf(args.IsAborted, false))
	if h.manager.requestData.TelemetryOptedIn {
		h.manager.aggregator.AggregateMetrics(args.Metrics)
	}

	h.logger.Debug("worker completed discovery", "tests", args.TotalCount, "aborted", args.IsAborted)

	if h.manager.HandlePartialDiscoveryComplete(h.worker, args.TotalCount, lastChunk, args.IsAborted) {
		h.manager.sendFinal()
	}
}

// executionHandler routes the events of one execution worker
type executionHandler struct {
	id      string
	manager *ExecutionManager
	worker  protocol.ExecutionWorker
	caller  protocol.RunEventsHandler
	logger  *slog.Logger
}

func newExecutionHandler(m *ExecutionManager, w protocol.ExecutionWorker, caller protocol.RunEventsHandler) *executionHandler {
	id := uuid.NewString()
	return &executionHandler{
		id:      id,
		manager: m,
		worker:  w,
		caller:  caller,
		logger:  m.logger.With("worker", id),
	}
}

func (h *executionHandler) HandleRawMessage(raw string) {
	if isCompletionMessage(raw) {
		return
	}
	h.caller.HandleRawMessage(raw)
}

func (h *executionHandler) HandleLogMessage(level protocol.LogLevel, message string) {
	h.caller.HandleLogMessage(level, message)
}

func (h *executionHandler) HandleTestRunStatsChange(args protocol.RunChangedArgs) {
	h.caller.HandleTestRunStatsChange(args)
}

func (h *executionHandler) HandleTestRunComplete(args protocol.RunCompleteArgs, lastChunk *protocol.RunChangedArgs, runContextAttachments []protocol.AttachmentSet, executorURIs []string) {
	if lastChunk != nil {
		raw, err := protocol.NewRawMessage(protocol.MessageTestRunStatsChange, lastChunk)
		if err != nil {
			h.logger.Warn("failed to encode last chunk", "error", err)
		} else {
			h.caller.HandleRawMessage(raw)
		}
		h.caller.HandleTestRunStatsChange(*lastChunk)
	}

	h.manager.requestData.Metrics.Add(metrics.ExecutionWorkerState, metrics.StateOf(args.IsAborted, args.IsCanceled))
	if h.manager.requestData.TelemetryOptedIn {
		h.manager.aggregator.AggregateMetrics(args.Metrics)
	}

	h.logger.Debug("worker completed run",
		"aborted", args.IsAborted,
		"canceled", args.IsCanceled,
		"elapsed", args.ElapsedTime)

	contribution := aggregate.Contribution{
		Stats:                 args.Stats,
		ExecutorURIs:          executorURIs,
		Err:                   util.WrapWorkerError(h.id, "", args.Err),
		ElapsedTime:           args.ElapsedTime,
		IsAborted:             args.IsAborted,
		IsCanceled:            args.IsCanceled,
		RunContextAttachments: runContextAttachments,
		Attachments:           args.Attachments,
		InvokedDataCollectors: args.InvokedDataCollectors,
	}

	if h.manager.HandlePartialRunComplete(h.worker, contribution) {
		h.manager.sendFinal()
	}
}
