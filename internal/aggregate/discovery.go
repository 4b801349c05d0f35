package aggregate

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/sourcestate"
)

// Discovery merges the partial results of discovery workers.
// Source tracking is delegated to the embedded Tracker.
type Discovery struct {
	*sourcestate.Tracker

	mu         sync.Mutex
	totalTests int64
	aborted    bool
	merged     map[string]float64

	finalSent atomic.Bool
	logger    *slog.Logger
}

// NewDiscovery creates an empty discovery aggregator
func NewDiscovery(logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		Tracker: sourcestate.NewTracker(logger),
		merged:  make(map[string]float64),
		logger:  logger,
	}
}

// Aggregate folds one worker's test count into the total. Once any worker
// aborted, the total is -1 for the rest of the operation.
func (d *Discovery) Aggregate(totalTests int64, isAborted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.aborted = d.aborted || isAborted
	if d.aborted {
		d.totalTests = -1
		return
	}
	d.totalTests += totalTests
}

// AggregateMetrics merges one worker's metrics using the discovery rules
func (d *Discovery) AggregateMetrics(in map[string]any) {
	if len(in) == 0 {
		return
	}

	d.mu.Lock()
	rejected := metrics.DiscoveryRules.Merge(d.merged, in)
	d.mu.Unlock()

	if len(rejected) > 0 {
		d.logger.Debug("dropped non-numeric discovery metrics", "keys", rejected)
	}
}

// Metrics returns the merged metrics including derived adapter counts
func (d *Discovery) Metrics() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return metrics.DiscoveryRules.Finalize(d.merged)
}

// TotalTests returns the merged test count, or -1 if discovery aborted
func (d *Discovery) TotalTests() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalTests
}

// IsAborted reports whether any worker aborted
func (d *Discovery) IsAborted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

// TryMarkFinalSent returns true for exactly one caller
func (d *Discovery) TryMarkFinalSent() bool {
	return d.finalSent.CompareAndSwap(false, true)
}
