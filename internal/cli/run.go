package cli

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/parallel"
	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/report"
	"github.com/aryankumar/testfleet/internal/util"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		tests     []string
		filter    string
		wide      bool
		noHeaders bool
	)

	cmd := &cobra.Command{
		Use:   "run [packages...]",
		Short: "Run tests across parallel test hosts",
		Long: `Run the tests of Go packages with a pool of parallel test hosts.

Without --tests every package is a workload and hosts run whole packages.
With --tests the named tests are discovered first and then split into
balanced shards, one per host. Results of all hosts are merged into a
single report and the command fails if any test failed.`,
		Example: `  # Run every test below the current directory
  testfleet run ./...

  # Run selected tests on 4 hosts
  testfleet run ./... --tests TestLogin,TestLogout -p 4

  # Run tests matching a pattern with a 5 minute budget
  testfleet run ./internal/... --filter '^TestManager' --timeout 5m

  # Show every result with its package and first error line
  testfleet run ./... --wide`,
		ValidArgsFunction: completePackages,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(tests) > 0 && filter != "" {
				return fmt.Errorf("--tests and --filter cannot be used together")
			}
			s, err := opts.newSession(cmd, wide, noHeaders)
			if err != nil {
				return err
			}
			return s.runTests(cmd.Context(), args, tests, filter)
		},
	}

	cmd.Flags().StringSliceVarP(&tests, "tests", "t", nil, "test names to run (comma-separated)")
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "regular expression selecting test names")
	cmd.Flags().BoolVarP(&wide, "wide", "w", false, "show package and error columns and keep test output")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")

	return cmd
}

func (s *session) runTests(ctx context.Context, args, names []string, filter string) error {
	sources, err := resolveSources(args)
	if err != nil {
		return err
	}

	criteria := protocol.RunCriteria{
		Sources:        sources,
		Settings:       s.settings,
		TestCaseFilter: filter,
	}

	if len(names) > 0 {
		selected, err := s.selectTests(ctx, sources, names)
		if err != nil {
			return err
		}
		criteria.Sources = nil
		criteria.Tests = selected
	}

	r, err := s.run(ctx, criteria)
	if err != nil {
		return err
	}
	if err := s.formatter.FormatRun(s.out, r); err != nil {
		return fmt.Errorf("failed to format run report: %w", err)
	}

	if !r.Succeeded() {
		return runFailure(r)
	}
	return nil
}

// selectTests discovers the named tests so they can be sharded across
// hosts. Names that match nothing are logged.
func (s *session) selectTests(ctx context.Context, sources, names []string) ([]protocol.TestCase, error) {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(strings.TrimSpace(n))
	}

	d, err := s.discover(ctx, sources, "^("+strings.Join(quoted, "|")+")$")
	if err != nil {
		return nil, err
	}
	if d.IsAborted {
		return nil, fmt.Errorf("discovery of the selected tests was aborted")
	}

	found := make(map[string]bool, len(d.Tests))
	for _, tc := range d.Tests {
		found[tc.Name()] = true
	}
	for _, n := range names {
		if !found[strings.TrimSpace(n)] {
			s.logger.Warn("test not found in any package", "test", n)
		}
	}

	if len(d.Tests) == 0 {
		return nil, fmt.Errorf("%w: none of the selected tests were found", util.ErrNoSources)
	}
	return d.Tests, nil
}

// run runs one test run operation
func (s *session) run(ctx context.Context, criteria protocol.RunCriteria) (report.RunReport, error) {
	m := parallel.NewExecutionManager(s.defaults.Parallel, s.factory.NewExecutionWorker,
		metrics.NewRequestData(s.defaults.Telemetry), s.logger)
	defer func() {
		if err := m.Close(); err != nil {
			s.logger.Warn("failed to close test hosts", "error", err)
		}
	}()

	if len(criteria.Tests) > 0 {
		criteria.Providers = s.manager.Affinities(testSources(criteria.Tests))
	} else {
		criteria.Providers = s.manager.Affinities(criteria.Sources)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.defaults.Timeout)
	defer cancel()

	collector := report.NewCollector(s.logger)
	if err := m.StartTestRun(context.WithoutCancel(ctx), criteria, collector); err != nil {
		return report.RunReport{}, fmt.Errorf("failed to start test run: %w", err)
	}

	err := awaitCompletion(ctx, opCtx, collector.Done(), stopper{
		abort:  func(ctx context.Context) { m.Abort(ctx, collector) },
		cancel: func(ctx context.Context) { m.Cancel(ctx, collector) },
	}, s.logger)

	r := collector.RunReport()
	r.WorkerElapsedP50 = m.WorkerElapsedPercentile(50)
	r.WorkerElapsedP95 = m.WorkerElapsedPercentile(95)
	return r, err
}

func testSources(tests []protocol.TestCase) []string {
	seen := make(map[string]bool)
	var sources []string
	for _, tc := range tests {
		if !seen[tc.Source] {
			seen[tc.Source] = true
			sources = append(sources, tc.Source)
		}
	}
	return sources
}

// runFailure describes why a finished run did not succeed
func runFailure(r report.RunReport) error {
	switch {
	case r.IsCanceled:
		return util.ErrCancelled
	case r.IsAborted:
		return util.ErrWorkerAborted
	case r.Error != "":
		return fmt.Errorf("test run failed: %s", r.Error)
	case r.Failed > 0:
		return fmt.Errorf("%d of %d tests failed", r.Failed, r.Executed)
	default:
		return fmt.Errorf("test run did not complete")
	}
}
