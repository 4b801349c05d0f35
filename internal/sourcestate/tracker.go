// Package sourcestate tracks how far discovery got through each source.
package sourcestate

import (
	"fmt"
	"log/slog"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/aryankumar/testfleet/internal/protocol"
)

// Status is the discovery status of a source. Statuses are ordered:
// NotDiscovered < PartiallyDiscovered < FullyDiscovered.
type Status int

const (
	NotDiscovered Status = iota
	PartiallyDiscovered
	FullyDiscovered
)

// String implements fmt.Stringer
func (s Status) String() string {
	switch s {
	case NotDiscovered:
		return "NotDiscovered"
	case PartiallyDiscovered:
		return "PartiallyDiscovered"
	case FullyDiscovered:
		return "FullyDiscovered"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Tracker maps sources to their discovery status.
// All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	statuses map[string]Status
	logger   *slog.Logger
}

// NewTracker creates an empty tracker
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		statuses: make(map[string]Status),
		logger:   logger,
	}
}

// MarkSourcesWithStatus sets status on every source. A nil slice is a
// no-op and empty names are skipped. Moving a source to a lower status is
// logged but still applied.
func (t *Tracker) MarkSourcesWithStatus(sources []string, status Status) {
	if sources == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, source := range sources {
		t.markLocked(source, status)
	}
}

// MarkSourcesBasedOnDiscoveredTestCases updates statuses from a stream of
// discovered tests. Whenever the source changes between consecutive tests,
// the previous source is done and the new one is in progress. The last
// source seen is kept in previousSource across batches; on the last batch
// it is promoted to FullyDiscovered.
func (t *Tracker) MarkSourcesBasedOnDiscoveredTestCases(testCases []protocol.TestCase, isLastBatch bool, previousSource *string) {
	if previousSource == nil {
		var scratch string
		previousSource = &scratch
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tc := range testCases {
		if tc.Source == *previousSource {
			continue
		}
		if *previousSource != "" {
			t.markLocked(*previousSource, FullyDiscovered)
		}
		t.markLocked(tc.Source, PartiallyDiscovered)
		*previousSource = tc.Source
	}

	if isLastBatch && *previousSource != "" {
		t.markLocked(*previousSource, FullyDiscovered)
	}
}

// GetSourcesWithStatus returns the sources currently at status
func (t *Tracker) GetSourcesWithStatus(status Status) sets.Set[string] {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := sets.New[string]()
	for source, s := range t.statuses {
		if s == status {
			result.Insert(source)
		}
	}
	return result
}

// SortedSourcesWithStatus returns the sources at status in sorted order
func (t *Tracker) SortedSourcesWithStatus(status Status) []string {
	return sets.List(t.GetSourcesWithStatus(status))
}

// StatusOf returns the status of source and whether it is tracked
func (t *Tracker) StatusOf(source string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[source]
	return s, ok
}

// Snapshot returns a copy of all tracked statuses
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[string]Status, len(t.statuses))
	for source, s := range t.statuses {
		snapshot[source] = s
	}
	return snapshot
}

func (t *Tracker) markLocked(source string, status Status) {
	if source == "" {
		return
	}

	if prev, ok := t.statuses[source]; ok && status < prev {
		t.logger.Warn("source status downgraded",
			"source", source,
			"from", prev.String(),
			"to", status.String())
	}
	t.statuses[source] = status
}
