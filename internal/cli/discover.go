package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/parallel"
	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/report"
)

func newDiscoverCmd(opts *rootOptions) *cobra.Command {
	var (
		filter    string
		wide      bool
		noHeaders bool
	)

	cmd := &cobra.Command{
		Use:     "discover [packages...]",
		Aliases: []string{"ls"},
		Short:   "Discover tests in Go packages",
		Long: `Discover the tests of Go packages with a pool of parallel test hosts.

Each package directory is a source. Sources are spread across hosts and
the tests found by every host are merged into one report, together with
the discovery status of each source.`,
		Example: `  # Discover tests in the current package
  testfleet discover

  # Discover tests in every package below ./internal
  testfleet discover ./internal/...

  # List every test with 8 parallel hosts
  testfleet discover ./... -p 8 --wide

  # Discover tests matching a pattern as JSON
  testfleet discover ./... --filter '^TestManager' -o json`,
		ValidArgsFunction: completePackages,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.newSession(cmd, wide, noHeaders)
			if err != nil {
				return err
			}
			return s.runDiscover(cmd.Context(), args, filter)
		},
	}

	cmd.Flags().StringVarP(&filter, "filter", "f", "", "regular expression selecting test names")
	cmd.Flags().BoolVarP(&wide, "wide", "w", false, "list every test instead of a per-package summary")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")

	return cmd
}

func (s *session) runDiscover(ctx context.Context, args []string, filter string) error {
	sources, err := resolveSources(args)
	if err != nil {
		return err
	}

	r, err := s.discover(ctx, sources, filter)
	if err != nil {
		return err
	}
	if err := s.formatter.FormatDiscovery(s.out, r); err != nil {
		return fmt.Errorf("failed to format discovery report: %w", err)
	}

	if r.IsAborted {
		return fmt.Errorf("discovery aborted after %d of %d sources", len(r.FullyDiscovered), len(sources))
	}
	return nil
}

// discover runs one discovery operation over sources
func (s *session) discover(ctx context.Context, sources []string, filter string) (report.DiscoveryReport, error) {
	m := parallel.NewDiscoveryManager(s.defaults.Parallel, s.factory.NewDiscoveryWorker,
		metrics.NewRequestData(s.defaults.Telemetry), s.logger)
	defer func() {
		if err := m.Close(); err != nil {
			s.logger.Warn("failed to close test hosts", "error", err)
		}
	}()

	opCtx, cancel := context.WithTimeout(ctx, s.defaults.Timeout)
	defer cancel()

	collector := report.NewCollector(s.logger)
	criteria := protocol.DiscoveryCriteria{
		Sources:        sources,
		Providers:      s.manager.Affinities(sources),
		Settings:       s.settings,
		TestCaseFilter: filter,
		BatchSize:      s.defaults.BatchSize,
	}

	// Workers are stopped through Abort and Cancel, never by ctx
	if err := m.Discover(context.WithoutCancel(ctx), criteria, collector); err != nil {
		return report.DiscoveryReport{}, fmt.Errorf("failed to start discovery: %w", err)
	}

	err := awaitCompletion(ctx, opCtx, collector.Done(), stopper{
		abort:  func(ctx context.Context) { m.Abort(ctx, collector) },
		cancel: func(ctx context.Context) { m.Cancel(ctx, collector) },
	}, s.logger)
	return collector.DiscoveryReport(), err
}
