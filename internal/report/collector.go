// Package report collects the events of one operation and turns them into
// reports for output.
package report

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aryankumar/testfleet/internal/protocol"
)

// undecodable counts raw messages whose envelope could not be parsed
const undecodable = "<undecodable>"

// LogEntry is a message a worker reported to the caller
type LogEntry struct {
	Level   protocol.LogLevel `json:"level" yaml:"level"`
	Message string            `json:"message" yaml:"message"`
}

// Collector implements both caller handler interfaces and accumulates
// everything one operation reports
type Collector struct {
	logger  *slog.Logger
	started time.Time

	mu                    sync.Mutex
	discovered            []protocol.TestCase
	results               []protocol.TestResult
	logs                  []LogEntry
	rawCounts             map[string]int
	discoveryComplete     *protocol.DiscoveryCompleteArgs
	runComplete           *protocol.RunCompleteArgs
	runContextAttachments []protocol.AttachmentSet
	executorURIs          []string
	completions           int
	finished              time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// NewCollector creates an empty collector. Worker log messages are also
// written to logger.
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		logger:    logger,
		started:   time.Now(),
		rawCounts: make(map[string]int),
		done:      make(chan struct{}),
	}
}

// HandleRawMessage counts raw messages by type
func (c *Collector) HandleRawMessage(raw string) {
	messageType, err := protocol.MessageTypeOf(raw)
	if err != nil {
		messageType = undecodable
	}

	c.mu.Lock()
	c.rawCounts[messageType]++
	c.mu.Unlock()
}

// HandleLogMessage records a worker message
func (c *Collector) HandleLogMessage(level protocol.LogLevel, message string) {
	c.logger.Log(context.Background(), level.SlogLevel(), message, "source", "worker")

	c.mu.Lock()
	c.logs = append(c.logs, LogEntry{Level: level, Message: message})
	c.mu.Unlock()
}

// HandleDiscoveredTests records discovered tests
func (c *Collector) HandleDiscoveredTests(tests []protocol.TestCase) {
	c.mu.Lock()
	c.discovered = append(c.discovered, tests...)
	c.mu.Unlock()
}

// HandleDiscoveryComplete records the completion of a discovery
func (c *Collector) HandleDiscoveryComplete(args protocol.DiscoveryCompleteArgs, lastChunk []protocol.TestCase) {
	c.mu.Lock()
	c.discovered = append(c.discovered, lastChunk...)
	c.discoveryComplete = &args
	c.completions++
	c.finished = time.Now()
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
}

// HandleTestRunStatsChange records new test results
func (c *Collector) HandleTestRunStatsChange(args protocol.RunChangedArgs) {
	c.mu.Lock()
	c.results = append(c.results, args.NewResults...)
	c.mu.Unlock()
}

// HandleTestRunComplete records the completion of a test run
func (c *Collector) HandleTestRunComplete(args protocol.RunCompleteArgs, lastChunk *protocol.RunChangedArgs, runContextAttachments []protocol.AttachmentSet, executorURIs []string) {
	c.mu.Lock()
	if lastChunk != nil {
		c.results = append(c.results, lastChunk.NewResults...)
	}
	c.runComplete = &args
	c.runContextAttachments = runContextAttachments
	c.executorURIs = executorURIs
	c.completions++
	c.finished = time.Now()
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
}

// Wait blocks until a completion event arrives or ctx is done
func (c *Collector) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when a completion event arrives
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Completions returns how many completion events were received
func (c *Collector) Completions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completions
}

// RawMessageCount returns how many raw messages of messageType arrived
func (c *Collector) RawMessageCount(messageType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rawCounts[messageType]
}

// Logs returns the recorded worker messages
func (c *Collector) Logs() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.logs...)
}

// DiscoveredTests returns the discovered tests in arrival order
func (c *Collector) DiscoveredTests() []protocol.TestCase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.TestCase(nil), c.discovered...)
}

// Results returns the test results in arrival order
func (c *Collector) Results() []protocol.TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.TestResult(nil), c.results...)
}

// DiscoveryComplete returns the discovery completion, if one arrived
func (c *Collector) DiscoveryComplete() (protocol.DiscoveryCompleteArgs, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoveryComplete == nil {
		return protocol.DiscoveryCompleteArgs{}, false
	}
	return *c.discoveryComplete, true
}

// RunComplete returns the run completion, if one arrived
func (c *Collector) RunComplete() (protocol.RunCompleteArgs, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runComplete == nil {
		return protocol.RunCompleteArgs{}, false
	}
	return *c.runComplete, true
}

// ExecutorURIs returns the executor URIs of the run completion as sent,
// one entry per contributing worker
func (c *Collector) ExecutorURIs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executorURIs...)
}

// DiscoveryReport builds the report of a finished discovery
func (c *Collector) DiscoveryReport() DiscoveryReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := DiscoveryReport{
		Tests:    append([]protocol.TestCase(nil), c.discovered...),
		Logs:     append([]LogEntry(nil), c.logs...),
		Duration: c.durationLocked(),
	}
	sort.SliceStable(r.Tests, func(i, j int) bool {
		if r.Tests[i].Source != r.Tests[j].Source {
			return r.Tests[i].Source < r.Tests[j].Source
		}
		return r.Tests[i].FullyQualifiedName < r.Tests[j].FullyQualifiedName
	})

	if args := c.discoveryComplete; args != nil {
		r.Completed = true
		r.TotalCount = args.TotalCount
		r.IsAborted = args.IsAborted
		r.FullyDiscovered = args.FullyDiscoveredSources
		r.PartiallyDiscovered = args.PartiallyDiscoveredSources
		r.NotDiscovered = args.NotDiscoveredSources
		r.Metrics = args.Metrics
	}
	r.Sources = summarizeSources(r)
	return r
}

// RunReport builds the report of a finished test run
func (c *Collector) RunReport() RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := RunReport{
		Results:               append([]protocol.TestResult(nil), c.results...),
		Logs:                  append([]LogEntry(nil), c.logs...),
		RunContextAttachments: c.runContextAttachments,
		ExecutorURIs:          distinctSorted(c.executorURIs),
		Duration:              c.durationLocked(),
	}

	if args := c.runComplete; args != nil {
		r.Completed = true
		r.IsAborted = args.IsAborted
		r.IsCanceled = args.IsCanceled
		r.ElapsedTime = args.ElapsedTime
		r.Attachments = args.Attachments
		r.DataCollectors = args.InvokedDataCollectors
		r.Metrics = args.Metrics
		if args.Err != nil {
			r.Error = args.Err.Error()
		}
		if args.Stats != nil {
			r.Executed = args.Stats.ExecutedTests
			r.Passed = args.Stats.Count(protocol.OutcomePassed)
			r.Failed = args.Stats.Count(protocol.OutcomeFailed)
			r.Skipped = args.Stats.Count(protocol.OutcomeSkipped)
			r.NotFound = args.Stats.Count(protocol.OutcomeNotFound)
		}
	}
	return r
}

func (c *Collector) durationLocked() time.Duration {
	if c.finished.IsZero() {
		return time.Since(c.started)
	}
	return c.finished.Sub(c.started)
}
