package executor_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aryankumar/testfleet/internal/executor"
)

type host struct {
	name string
}

// Example demonstrates driving a pool with synchronous completions
func Example() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	count := 0
	newHost := func(provider string) *host {
		count++
		return &host{name: fmt.Sprintf("host-%d", count)}
	}

	pool := executor.NewPool[*host, string, string](2, newHost, logger)

	var finished []*host
	run := func(ctx context.Context, h *host, handler string, source string, initErr error) {
		fmt.Printf("%s runs %s\n", h.name, source)
		finished = append(finished, h)
	}

	workloads := []executor.Workload[string]{
		{Work: "pkg/a"},
		{Work: "pkg/b"},
		{Work: "pkg/c"},
	}

	ctx := context.Background()
	if err := pool.StartWork(ctx, workloads, "", nil, nil, run); err != nil {
		fmt.Println(err)
		return
	}

	// host-1 reports completion and picks up the queued source
	if _, err := pool.RunNextWork(ctx, finished[0]); err != nil {
		fmt.Println(err)
	}

	// Output:
	// host-1 runs pkg/a
	// host-2 runs pkg/b
	// host-1 runs pkg/c
}

// ExampleSplitBalanced shows how test cases are spread over workers
func ExampleSplitBalanced() {
	tests := []string{"T1", "T2", "T3", "T4", "T5", "T6", "T7"}
	for i, chunk := range executor.SplitBalanced(tests, 3) {
		fmt.Println(i, chunk)
	}

	// Output:
	// 0 [T1 T2 T3]
	// 1 [T4 T5]
	// 2 [T6 T7]
}

// ExampleOutcome shows tagging worker results
func ExampleOutcome() {
	outcomes := []executor.Outcome[int]{
		executor.Completed(12),
		executor.Aborted(3),
	}
	for _, o := range outcomes {
		fmt.Println(o, o.Value())
	}

	// Output:
	// Completed 12
	// Aborted 3
}
