package aggregate

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/sourcestate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDiscovery_Aggregate(t *testing.T) {
	tests := []struct {
		name        string
		counts      []int64
		aborted     []bool
		wantTotal   int64
		wantAborted bool
	}{
		{name: "no workers", wantTotal: 0},
		{name: "sums counts", counts: []int64{3, 4, 5}, aborted: []bool{false, false, false}, wantTotal: 12},
		{name: "abort makes total unknown", counts: []int64{3, 4, 5}, aborted: []bool{false, true, false}, wantTotal: -1, wantAborted: true},
		{name: "abort first stays sticky", counts: []int64{0, 10}, aborted: []bool{true, false}, wantTotal: -1, wantAborted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDiscovery(discardLogger())
			for i, c := range tt.counts {
				d.Aggregate(c, tt.aborted[i])
			}
			assert.Equal(t, tt.wantTotal, d.TotalTests())
			assert.Equal(t, tt.wantAborted, d.IsAborted())
		})
	}
}

func TestDiscovery_Metrics(t *testing.T) {
	d := NewDiscovery(discardLogger())

	d.AggregateMetrics(map[string]any{
		metrics.DiscoveryTestsByAdapter + "executor://go-test/default": 4,
		metrics.DiscoveryAdapterTime + "executor://go-test/default":    1.5,
		metrics.DiscoveryTotalAdapterTime:                              1.5,
		metrics.DiscoveryState:                                         metrics.StateCompleted,
		"discovery.unknown":                                            7,
	})
	d.AggregateMetrics(map[string]any{
		metrics.DiscoveryTestsByAdapter + "executor://go-test/default": int64(6),
		metrics.DiscoveryTestsByAdapter + "executor://go-test/race":    2,
		metrics.DiscoveryTotalAdapterTime:                              "not a number",
	})
	d.AggregateMetrics(nil)

	got := d.Metrics()

	assert.Equal(t, float64(10), got[metrics.DiscoveryTestsByAdapter+"executor://go-test/default"])
	assert.Equal(t, float64(2), got[metrics.DiscoveryTestsByAdapter+"executor://go-test/race"])
	assert.Equal(t, 1.5, got[metrics.DiscoveryTotalAdapterTime])
	assert.Equal(t, 1, got[metrics.DiscoveryAdaptersUsed])
	assert.Equal(t, 1, got[metrics.DiscoveryAdaptersDiscovered])
	assert.NotContains(t, got, metrics.DiscoveryState)
	assert.NotContains(t, got, "discovery.unknown")
}

func TestDiscovery_MetricsEmpty(t *testing.T) {
	d := NewDiscovery(nil)
	got := d.Metrics()
	assert.Empty(t, got)
	assert.NotContains(t, got, metrics.DiscoveryAdaptersUsed)
}

func TestDiscovery_EmbedsTracker(t *testing.T) {
	d := NewDiscovery(discardLogger())

	d.MarkSourcesWithStatus([]string{"a", "b"}, sourcestate.NotDiscovered)
	var previous string
	d.MarkSourcesBasedOnDiscoveredTestCases([]protocol.TestCase{{Source: "a"}}, true, &previous)

	assert.Equal(t, []string{"a"}, d.SortedSourcesWithStatus(sourcestate.FullyDiscovered))
	assert.Equal(t, []string{"b"}, d.SortedSourcesWithStatus(sourcestate.NotDiscovered))
}

func TestDiscovery_TryMarkFinalSent_Race(t *testing.T) {
	d := NewDiscovery(discardLogger())

	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if d.TryMarkFinalSent() {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	assert.False(t, d.TryMarkFinalSent())
}
