// Package fakehost provides scripted in-memory test hosts.
//
// Hosts complete asynchronously on their own goroutine, the way a real
// test host process would, and record every call made on them so tests can
// assert on dispatch order and concurrency.
package fakehost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/protocol"
)

// ExecutorURI is the executor URI reported by fake hosts
const ExecutorURI = "executor://fake"

// Behavior scripts how hosts respond
type Behavior struct {
	// TestsPerSource is how many tests each source contains
	TestsPerSource int

	// Delay is how long a host works before completing
	Delay time.Duration

	// Hold keeps hosts running until they are aborted or canceled
	Hold bool

	// AbortSources makes a host report aborted when it handles one of these sources
	AbortSources map[string]bool

	// FailSources makes the host call itself fail for these sources
	FailSources map[string]error

	// FailTests makes these fully qualified names fail during execution
	FailTests map[string]bool

	// InitErr is returned by Initialize
	InitErr error

	// RawMessages makes hosts also emit raw protocol messages
	RawMessages bool
}

// Fleet creates hosts and tracks their combined activity
type Fleet struct {
	Behavior Behavior

	mu        sync.Mutex
	discovery []*DiscoveryHost
	execution []*ExecutionHost
	active    int
	maxActive int
	calls     int
}

// NewFleet creates a fleet with behavior b
func NewFleet(b Behavior) *Fleet {
	return &Fleet{Behavior: b}
}

// NewDiscoveryHost is a worker factory for discovery managers
func (f *Fleet) NewDiscoveryHost(provider string) protocol.DiscoveryWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &DiscoveryHost{}
	h.setup(f, len(f.discovery)+1, provider)
	f.discovery = append(f.discovery, h)
	return h
}

// NewExecutionHost is a worker factory for execution managers
func (f *Fleet) NewExecutionHost(provider string) protocol.ExecutionWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &ExecutionHost{}
	h.setup(f, len(f.execution)+1, provider)
	f.execution = append(f.execution, h)
	return h
}

// DiscoveryHosts returns every discovery host created so far
func (f *Fleet) DiscoveryHosts() []*DiscoveryHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*DiscoveryHost(nil), f.discovery...)
}

// ExecutionHosts returns every execution host created so far
func (f *Fleet) ExecutionHosts() []*ExecutionHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ExecutionHost(nil), f.execution...)
}

// MaxActive returns the highest number of hosts that were working at once
func (f *Fleet) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// Active returns how many hosts are working right now
func (f *Fleet) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Calls returns how many Discover or StartTestRun calls were made
func (f *Fleet) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fleet) begin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.active++
	f.maxActive = max(f.maxActive, f.active)
}

func (f *Fleet) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

// host holds the bookkeeping shared by both host kinds
type host struct {
	fleet    *Fleet
	ID       int
	Provider string

	mu          sync.Mutex
	initialized int
	aborts      int
	cancels     int
	closed      bool
	stop        chan struct{}
	stopOnce    *sync.Once
	workloads   [][]string
}

func (h *host) setup(f *Fleet, id int, provider string) {
	h.fleet = f
	h.ID = id
	h.Provider = provider
}

func (h *host) String() string {
	return fmt.Sprintf("fakehost-%d", h.ID)
}

// Initialize records the call and returns the scripted error
func (h *host) Initialize(ctx context.Context, skipDefaultAdapters bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialized++
	return h.fleet.Behavior.InitErr
}

// Close marks the host closed
func (h *host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Initialized returns how often Initialize was called
func (h *host) Initialized() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized
}

// Aborts returns how often Abort was called
func (h *host) Aborts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborts
}

// Cancels returns how often Cancel was called
func (h *host) Cancels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancels
}

// Closed reports whether Close was called
func (h *host) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Workloads returns the items (sources or test names) of every workload
// the host received, in order
func (h *host) Workloads() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string(nil), h.workloads...)
}

// begin records a workload and returns the channel closed on stop
func (h *host) begin(items []string) (<-chan struct{}, error) {
	h.mu.Lock()
	h.workloads = append(h.workloads, items)
	h.stop = make(chan struct{})
	h.stopOnce = &sync.Once{}
	stop := h.stop
	h.mu.Unlock()

	for _, item := range items {
		if err := h.fleet.Behavior.FailSources[item]; err != nil {
			return nil, err
		}
	}

	h.fleet.begin()
	return stop, nil
}

// wait blocks for the scripted delay, or until stopped when holding.
// It returns true if the host was stopped.
func (h *host) wait(stop <-chan struct{}) bool {
	b := h.fleet.Behavior
	if b.Hold {
		<-stop
		return true
	}
	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-stop:
			return true
		}
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (h *host) signalStop(cancel bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel {
		h.cancels++
	} else {
		h.aborts++
	}
	if h.stop != nil {
		h.stopOnce.Do(func() { close(h.stop) })
	}
}

func (h *host) abortsAny(items []string) bool {
	for _, item := range items {
		if h.fleet.Behavior.AbortSources[item] {
			return true
		}
	}
	return false
}

func sendRaw(handler protocol.RawMessageHandler, messageType string, payload any) {
	raw, err := protocol.NewRawMessage(messageType, payload)
	if err == nil {
		handler.HandleRawMessage(raw)
	}
}

// DiscoveryHost is a scripted discovery worker
type DiscoveryHost struct {
	host
}

// Discover generates TestsPerSource tests for each source and completes
// on its own goroutine
func (h *DiscoveryHost) Discover(ctx context.Context, criteria protocol.DiscoveryCriteria, handler protocol.DiscoveryEventsHandler) error {
	stop, err := h.begin(criteria.Sources)
	if err != nil {
		return err
	}

	go func() {
		stopped := h.wait(stop)
		aborted := stopped || h.abortsAny(criteria.Sources)

		var tests []protocol.TestCase
		for _, src := range criteria.Sources {
			for i := 0; i < h.fleet.Behavior.TestsPerSource; i++ {
				tests = append(tests, protocol.TestCase{
					FullyQualifiedName: fmt.Sprintf("%s.Test%d", src, i),
					Source:             src,
					ExecutorURI:        ExecutorURI,
				})
			}
		}

		var lastChunk []protocol.TestCase
		if len(tests) > 0 {
			if len(tests) > 1 {
				handler.HandleDiscoveredTests(tests[:len(tests)-1])
			}
			lastChunk = tests[len(tests)-1:]
		}

		total := int64(len(tests))
		if aborted {
			total = -1
		}
		args := protocol.DiscoveryCompleteArgs{
			TotalCount: total,
			IsAborted:  aborted,
			Metrics: map[string]any{
				metrics.DiscoveryTestsByAdapter + ExecutorURI: len(tests),
				metrics.DiscoveryAdapterTime + ExecutorURI:    0.01,
				metrics.DiscoveryState:                        metrics.StateOf(aborted, false),
			},
		}

		if h.fleet.Behavior.RawMessages {
			sendRaw(handler, protocol.MessageTestMessage, protocol.TestMessagePayload{
				MessageLevel: protocol.LevelInformational,
				Message:      fmt.Sprintf("%s discovered %d tests", h, len(tests)),
			})
			sendRaw(handler, protocol.MessageDiscoveryComplete, protocol.DiscoveryCompletePayload{
				TotalTests: total,
				IsAborted:  aborted,
			})
		}

		h.fleet.end()
		handler.HandleDiscoveryComplete(args, lastChunk)
	}()
	return nil
}

// Abort stops a running discovery
func (h *DiscoveryHost) Abort(ctx context.Context, handler protocol.DiscoveryEventsHandler) error {
	h.signalStop(false)
	return nil
}

// Cancel stops a running discovery
func (h *DiscoveryHost) Cancel(ctx context.Context, handler protocol.DiscoveryEventsHandler) error {
	h.signalStop(true)
	return nil
}

// ExecutionHost is a scripted execution worker
type ExecutionHost struct {
	host
}

// StartTestRun passes every test except FailTests and completes on its
// own goroutine
func (h *ExecutionHost) StartTestRun(ctx context.Context, criteria protocol.RunCriteria, handler protocol.RunEventsHandler) error {
	var tests []protocol.TestCase
	if criteria.HasSpecificTests() {
		tests = criteria.Tests
	} else {
		for _, src := range criteria.Sources {
			for i := 0; i < h.fleet.Behavior.TestsPerSource; i++ {
				tests = append(tests, protocol.TestCase{
					FullyQualifiedName: fmt.Sprintf("%s.Test%d", src, i),
					Source:             src,
					ExecutorURI:        ExecutorURI,
				})
			}
		}
	}

	items := criteria.Sources
	if criteria.HasSpecificTests() {
		items = make([]string, len(tests))
		for i, tc := range tests {
			items[i] = tc.FullyQualifiedName
		}
	}

	stop, err := h.begin(items)
	if err != nil {
		return err
	}

	go func() {
		started := time.Now()
		stopped := h.wait(stop)
		canceled := stopped && h.Cancels() > 0
		aborted := (stopped && !canceled) || h.abortsAny(items)

		stats := &protocol.RunStats{Stats: make(map[protocol.Outcome]int64)}
		var results []protocol.TestResult
		if !stopped {
			for _, tc := range tests {
				outcome := protocol.OutcomePassed
				if h.fleet.Behavior.FailTests[tc.FullyQualifiedName] {
					outcome = protocol.OutcomeFailed
				}
				results = append(results, protocol.TestResult{TestCase: tc, Outcome: outcome})
				stats.Stats[outcome]++
				stats.ExecutedTests++
			}
		}

		if len(results) > 1 {
			handler.HandleTestRunStatsChange(protocol.RunChangedArgs{
				NewResults: results[:len(results)-1],
				Stats:      stats,
			})
		}
		var lastChunk *protocol.RunChangedArgs
		if len(results) > 0 {
			lastChunk = &protocol.RunChangedArgs{NewResults: results[len(results)-1:], Stats: stats}
		}

		args := protocol.RunCompleteArgs{
			Stats:       stats,
			IsAborted:   aborted,
			IsCanceled:  canceled,
			ElapsedTime: max(time.Since(started), time.Millisecond),
			InvokedDataCollectors: []protocol.DataCollector{
				{URI: "datacollector://fake"},
			},
			Metrics: map[string]any{
				metrics.ExecutionTestsByAdapter + ExecutorURI: len(results),
				metrics.ExecutionState:                        metrics.StateOf(aborted, canceled),
			},
		}

		if h.fleet.Behavior.RawMessages {
			sendRaw(handler, protocol.MessageExecutionComplete, protocol.RunCompletePayload{
				Stats:     stats,
				IsAborted: aborted,
			})
		}

		h.fleet.end()
		handler.HandleTestRunComplete(args, lastChunk,
			[]protocol.AttachmentSet{{URI: "attachment://" + h.String(), DisplayName: h.String()}},
			[]string{ExecutorURI})
	}()
	return nil
}

// Abort stops a running test run
func (h *ExecutionHost) Abort(ctx context.Context, handler protocol.RunEventsHandler) error {
	h.signalStop(false)
	return nil
}

// Cancel stops a running test run
func (h *ExecutionHost) Cancel(ctx context.Context, handler protocol.RunEventsHandler) error {
	h.signalStop(true)
	return nil
}
