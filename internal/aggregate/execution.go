package aggregate

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/util"
)

// Elapsed times are recorded in milliseconds, up to one day
const (
	histogramMin     = 1
	histogramMax     = int64(24 * time.Hour / time.Millisecond)
	histogramSigFigs = 3
)

// Contribution is what one execution worker reports when it completes
type Contribution struct {
	Stats                 *protocol.RunStats
	ExecutorURIs          []string
	Err                   error
	ElapsedTime           time.Duration
	IsAborted             bool
	IsCanceled            bool
	RunContextAttachments []protocol.AttachmentSet
	Attachments           []protocol.AttachmentSet
	InvokedDataCollectors []protocol.DataCollector
}

// Execution merges the partial results of execution workers
type Execution struct {
	mu sync.Mutex

	executedTests int64
	stats         map[protocol.Outcome]int64
	aborted       bool
	canceled      bool
	elapsed       time.Duration

	errs                  util.AggregateError
	executorURIs          []string
	attachments           []protocol.AttachmentSet
	runContextAttachments []protocol.AttachmentSet
	collectors            []protocol.DataCollector
	seenCollectors        map[protocol.DataCollector]struct{}

	merged      map[string]float64
	elapsedHist *hdrhistogram.Histogram

	finalSent atomic.Bool
	logger    *slog.Logger
}

// NewExecution creates an empty execution aggregator
func NewExecution(logger *slog.Logger) *Execution {
	if logger == nil {
		logger = slog.Default()
	}
	return &Execution{
		stats:          make(map[protocol.Outcome]int64),
		seenCollectors: make(map[protocol.DataCollector]struct{}),
		merged:         make(map[string]float64),
		elapsedHist:    hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
		logger:         logger,
	}
}

// Aggregate folds one worker's contribution into the merged result
func (e *Execution) Aggregate(c Contribution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.aborted = e.aborted || c.IsAborted
	e.canceled = e.canceled || c.IsCanceled

	if c.ElapsedTime > e.elapsed {
		e.elapsed = c.ElapsedTime
	}
	if c.ElapsedTime > 0 {
		ms := max(int64(c.ElapsedTime/time.Millisecond), histogramMin)
		if err := e.elapsedHist.RecordValue(min(ms, histogramMax)); err != nil {
			e.logger.Debug("elapsed time not recorded", "elapsed", c.ElapsedTime, "error", err)
		}
	}

	if c.Stats != nil {
		e.executedTests += c.Stats.ExecutedTests
		for outcome, count := range c.Stats.Stats {
			e.stats[outcome] += count
		}
	}

	e.errs.Add(c.Err)
	e.executorURIs = append(e.executorURIs, c.ExecutorURIs...)
	e.attachments = append(e.attachments, c.Attachments...)
	e.runContextAttachments = append(e.runContextAttachments, c.RunContextAttachments...)

	for _, dc := range c.InvokedDataCollectors {
		if _, seen := e.seenCollectors[dc]; seen {
			continue
		}
		e.seenCollectors[dc] = struct{}{}
		e.collectors = append(e.collectors, dc)
	}
}

// AggregateMetrics merges one worker's metrics using the execution rules
func (e *Execution) AggregateMetrics(in map[string]any) {
	if len(in) == 0 {
		return
	}

	e.mu.Lock()
	rejected := metrics.ExecutionRules.Merge(e.merged, in)
	e.mu.Unlock()

	if len(rejected) > 0 {
		e.logger.Debug("dropped non-numeric execution metrics", "keys", rejected)
	}
}

// RunStats returns a copy of the summed run statistics
func (e *Execution) RunStats() *protocol.RunStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := make(map[protocol.Outcome]int64, len(e.stats))
	for outcome, count := range e.stats {
		stats[outcome] = count
	}
	return &protocol.RunStats{ExecutedTests: e.executedTests, Stats: stats}
}

// AggregatedError returns every worker error in arrival order, or nil
func (e *Execution) AggregatedError() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.errs.Len() == 0 {
		return nil
	}
	return util.NewAggregateError(e.errs.Errors)
}

// ElapsedTime returns the longest elapsed time reported by any worker
func (e *Execution) ElapsedTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elapsed
}

// WorkerElapsedPercentile returns the q-th percentile (0 to 100) of the
// elapsed times reported by workers
func (e *Execution) WorkerElapsedPercentile(q float64) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.elapsedHist.TotalCount() == 0 {
		return 0
	}
	return time.Duration(e.elapsedHist.ValueAtQuantile(q)) * time.Millisecond
}

// IsAborted reports whether any worker aborted
func (e *Execution) IsAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// IsCanceled reports whether any worker was canceled
func (e *Execution) IsCanceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}

// ExecutorURIs returns the executor URIs of all workers, in arrival order
func (e *Execution) ExecutorURIs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executorURIs...)
}

// Attachments returns the run-complete attachments of all workers
func (e *Execution) Attachments() []protocol.AttachmentSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.AttachmentSet(nil), e.attachments...)
}

// RunContextAttachments returns the run-context attachments of all workers
func (e *Execution) RunContextAttachments() []protocol.AttachmentSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.AttachmentSet(nil), e.runContextAttachments...)
}

// InvokedDataCollectors returns the distinct data collectors in first-seen order
func (e *Execution) InvokedDataCollectors() []protocol.DataCollector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.DataCollector(nil), e.collectors...)
}

// Metrics returns the merged metrics including derived adapter counts
func (e *Execution) Metrics() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return metrics.ExecutionRules.Finalize(e.merged)
}

// TryMarkFinalSent returns true for exactly one caller
func (e *Execution) TryMarkFinalSent() bool {
	return e.finalSent.CompareAndSwap(false, true)
}
