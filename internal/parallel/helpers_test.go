package parallel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aryankumar/testfleet/internal/report"
)

const waitTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sourceList(n int) []string {
	sources := make([]string, n)
	for i := range sources {
		sources[i] = fmt.Sprintf("s%d", i+1)
	}
	return sources
}

// waitFor waits for the collector and the manager to finish
func waitFor(t *testing.T, c *report.Collector, done <-chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, c.Wait(ctx), "no completion event")
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("manager did not finish")
	}
}
