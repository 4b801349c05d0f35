package testhost

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/util"
)

// packageRun is the part of a workload that runs in one package
type packageRun struct {
	source string
	tests  []string
}

// runPattern builds the -run expression that selects exactly tests
func runPattern(tests []string) string {
	quoted := make([]string, len(tests))
	for i, t := range tests {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}

// packageRuns groups criteria by package, keeping the order in which
// packages first appear
func packageRuns(criteria protocol.RunCriteria) []packageRun {
	if !criteria.HasSpecificTests() {
		runs := make([]packageRun, 0, len(criteria.Sources))
		for _, src := range criteria.Sources {
			runs = append(runs, packageRun{source: src})
		}
		return runs
	}

	var runs []packageRun
	index := make(map[string]int)
	for _, tc := range criteria.Tests {
		i, ok := index[tc.Source]
		if !ok {
			i = len(runs)
			index[tc.Source] = i
			runs = append(runs, packageRun{source: tc.Source})
		}
		runs[i].tests = append(runs[i].tests, testName(tc))
	}
	return runs
}

// runState accumulates the results of one workload
type runState struct {
	handler   protocol.RunEventsHandler
	batchSize int
	stats     protocol.RunStats
	pending   []protocol.TestResult
	errs      util.AggregateError
}

func (s *runState) add(r protocol.TestResult) {
	s.stats.ExecutedTests++
	s.stats.Stats[r.Outcome]++
	s.pending = append(s.pending, r)
	if len(s.pending) >= s.batchSize {
		s.flush()
	}
}

func (s *runState) snapshot() *protocol.RunStats {
	stats := &protocol.RunStats{
		ExecutedTests: s.stats.ExecutedTests,
		Stats:         make(map[protocol.Outcome]int64, len(s.stats.Stats)),
	}
	for k, v := range s.stats.Stats {
		stats.Stats[k] = v
	}
	return stats
}

func (s *runState) flush() {
	if len(s.pending) == 0 {
		return
	}
	args := protocol.RunChangedArgs{NewResults: s.pending, Stats: s.snapshot()}
	s.pending = nil
	sendRaw(s.handler, protocol.MessageTestRunStatsChange, args)
	s.handler.HandleTestRunStatsChange(args)
}

// ExecutionHost runs tests through "go test -json"
type ExecutionHost struct {
	host
}

// Initialize checks that the provider's command can be found
func (h *ExecutionHost) Initialize(ctx context.Context, skipDefaultAdapters bool) error {
	return h.initialize(skipDefaultAdapters, func() error {
		if _, err := exec.LookPath(h.provider.command()); err != nil {
			return fmt.Errorf("%w: %s: %w", util.ErrHostNotFound, h.provider.command(), err)
		}
		return nil
	})
}

// StartTestRun runs criteria on its own goroutine, one go test process per
// package, and reports the results in batches
func (h *ExecutionHost) StartTestRun(ctx context.Context, criteria protocol.RunCriteria, handler protocol.RunEventsHandler) error {
	if !criteria.HasSpecificTests() && criteria.TestCaseFilter != "" {
		if _, err := regexp.Compile(criteria.TestCaseFilter); err != nil {
			return fmt.Errorf("invalid test case filter %q: %w", criteria.TestCaseFilter, err)
		}
	}

	runCtx, err := h.begin()
	if err != nil {
		return err
	}

	go h.run(runCtx, criteria, handler)
	return nil
}

func (h *ExecutionHost) run(ctx context.Context, criteria protocol.RunCriteria, handler protocol.RunEventsHandler) {
	started := time.Now()
	uri := h.provider.ExecutorURI()
	state := &runState{
		handler:   handler,
		batchSize: h.opts.ResultBatchSize,
		stats:     protocol.RunStats{Stats: make(map[protocol.Outcome]int64)},
	}

	for _, pr := range packageRuns(criteria) {
		if ctx.Err() != nil {
			break
		}
		if err := h.runPackage(ctx, pr, criteria, state); err != nil {
			h.logger.Warn("package run failed", "source", pr.source, "error", err)
			notify(handler, protocol.LevelError, fmt.Sprintf("Test run failed for %s: %v", pr.source, err))
			state.errs.Add(err)
		}
	}

	stop := h.end()
	elapsed := time.Since(started)

	var lastChunk *protocol.RunChangedArgs
	if len(state.pending) > 0 {
		lastChunk = &protocol.RunChangedArgs{NewResults: state.pending, Stats: state.snapshot()}
	}

	args := protocol.RunCompleteArgs{
		Stats:       state.snapshot(),
		IsAborted:   stop.aborted,
		IsCanceled:  stop.canceled,
		Err:         state.errs.ErrorOrNil(),
		ElapsedTime: elapsed,
		Metrics: map[string]any{
			metrics.ExecutionTestsByAdapter + uri: state.stats.ExecutedTests,
			metrics.ExecutionAdapterTime + uri:    elapsed.Seconds(),
			metrics.ExecutionTotalAdapterTime:     elapsed.Seconds(),
			metrics.ExecutionState:                metrics.StateOf(stop.aborted, stop.canceled),
		},
	}

	h.logger.Debug("test run finished",
		"executed", args.Stats.ExecutedTests,
		"aborted", args.IsAborted,
		"canceled", args.IsCanceled,
		"elapsed", elapsed)

	payload := protocol.RunCompletePayload{
		Stats:        args.Stats,
		IsCanceled:   args.IsCanceled,
		IsAborted:    args.IsAborted,
		ElapsedTime:  elapsed,
		ExecutorURIs: []string{uri},
		LastRunTests: lastChunk,
		Metrics:      args.Metrics,
	}
	if args.Err != nil {
		payload.Error = args.Err.Error()
	}
	sendRaw(handler, protocol.MessageExecutionComplete, payload)
	handler.HandleTestRunComplete(args, lastChunk, nil, []string{uri})
}

// runPackage runs one go test process and feeds its events into state
func (h *ExecutionHost) runPackage(ctx context.Context, pr packageRun, criteria protocol.RunCriteria, state *runState) error {
	args := []string{"test", "-json"}
	args = append(args, h.goFlags()...)
	switch {
	case len(pr.tests) > 0:
		args = append(args, "-run", runPattern(pr.tests))
	case criteria.TestCaseFilter != "":
		args = append(args, "-run", criteria.TestCaseFilter)
	}
	args = append(args, ".")

	cmd := exec.CommandContext(ctx, h.provider.command(), args...)
	cmd.Dir = pr.source
	cmd.Env = append(os.Environ(), h.provider.Env...)
	if criteria.Settings != "" {
		cmd.Env = append(cmd.Env, SettingsEnv+"="+criteria.Settings)
	}
	isolate(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = h.opts.GracePeriod

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open output of go test: %w", err)
	}

	h.logger.Debug("starting go test", "source", pr.source, "args", args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", h.provider.command(), err)
	}

	b := newResultBuilder(pr.source, h.provider.ExecutorURI())
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if r, ok := b.line(scanner.Text()); ok {
			state.add(r)
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if h.stopped().stopped() {
		return nil
	}
	if scanErr != nil {
		return fmt.Errorf("failed to read go test output: %w", scanErr)
	}
	if b.buildFailed() {
		return fmt.Errorf("package %s failed: %s", pr.source, strings.TrimSpace(b.packageOutput.String()+stderr.String()))
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !(errors.As(waitErr, &exitErr) && (b.failedTests > 0 || b.packageFailed)) {
		return fmt.Errorf("go test in %s: %w: %s", pr.source, waitErr, strings.TrimSpace(stderr.String()))
	}

	for _, r := range b.notFound(pr.tests) {
		state.add(r)
	}
	return nil
}

// Abort stops the running go test process. It is a no-op when nothing runs.
func (h *ExecutionHost) Abort(ctx context.Context, handler protocol.RunEventsHandler) error {
	h.requestStop(false)
	return nil
}

// Cancel stops the running go test process. It is a no-op when nothing runs.
func (h *ExecutionHost) Cancel(ctx context.Context, handler protocol.RunEventsHandler) error {
	h.requestStop(true)
	return nil
}
