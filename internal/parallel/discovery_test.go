package parallel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/report"
	"github.com/aryankumar/testfleet/internal/testhost/fakehost"
)

func TestDiscoveryManager_FiveSourcesTwoSlots(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{
		TestsPerSource: 3,
		Delay:          5 * time.Millisecond,
		RawMessages:    true,
	})
	m := NewDiscoveryManager(2, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	err := m.Discover(context.Background(), protocol.DiscoveryCriteria{Sources: sourceList(5)}, c)
	require.NoError(t, err)
	waitFor(t, c, m.Done())

	args, ok := c.DiscoveryComplete()
	require.True(t, ok)
	assert.Equal(t, int64(15), args.TotalCount)
	assert.False(t, args.IsAborted)
	assert.Equal(t, sourceList(5), args.FullyDiscoveredSources)
	assert.Empty(t, args.PartiallyDiscoveredSources)
	assert.Empty(t, args.NotDiscoveredSources)

	assert.Equal(t, 5, fleet.Calls(), "every source dispatched exactly once")
	assert.LessOrEqual(t, fleet.MaxActive(), 2)
	assert.Len(t, fleet.DiscoveryHosts(), 2, "workers are reused across sources")
	assert.Len(t, c.DiscoveredTests(), 15)
	assert.Equal(t, 1, c.Completions())

	// per-worker completions are swallowed, only the merged one reaches the caller
	assert.Equal(t, 1, c.RawMessageCount(protocol.MessageDiscoveryComplete))
	assert.Equal(t, 5, c.RawMessageCount(protocol.MessageTestMessage))
	assert.Equal(t, 5, c.RawMessageCount(protocol.MessageTestCasesFound))
}

func TestDiscoveryManager_AbortedWorker(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{
		TestsPerSource: 3,
		Delay:          5 * time.Millisecond,
		AbortSources:   map[string]bool{"s2": true},
	})
	m := NewDiscoveryManager(2, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	require.NoError(t, m.Discover(context.Background(), protocol.DiscoveryCriteria{Sources: sourceList(5)}, c))
	waitFor(t, c, m.Done())

	args, _ := c.DiscoveryComplete()
	assert.Equal(t, int64(-1), args.TotalCount)
	assert.True(t, args.IsAborted)
	assert.Contains(t, args.PartiallyDiscoveredSources, "s2")
	assert.NotContains(t, args.FullyDiscoveredSources, "s2")

	assert.Equal(t, 5, fleet.Calls(), "remaining sources still run after a worker aborts")
	assert.LessOrEqual(t, fleet.MaxActive(), 2)

	hosts := fleet.DiscoveryHosts()
	require.Len(t, hosts, 3, "the aborted worker is replaced")
	assert.Eventually(t, func() bool {
		for _, h := range hosts {
			if h.Closed() {
				return true
			}
		}
		return false
	}, waitTimeout, time.Millisecond, "the replaced worker is closed")
}

func TestDiscoveryManager_NoSources(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{})
	m := NewDiscoveryManager(4, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	require.NoError(t, m.Discover(context.Background(), protocol.DiscoveryCriteria{Sources: []string{""}}, c))
	waitFor(t, c, m.Done())

	args, _ := c.DiscoveryComplete()
	assert.Equal(t, int64(0), args.TotalCount)
	assert.False(t, args.IsAborted)
	assert.Empty(t, fleet.DiscoveryHosts())
	assert.Equal(t, 1, c.RawMessageCount(protocol.MessageDiscoveryComplete))
}

func TestDiscoveryManager_WorkerCallFails(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{
		TestsPerSource: 1,
		FailSources:    map[string]error{"s3": errors.New("host exited with code 2")},
	})
	m := NewDiscoveryManager(2, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	require.NoError(t, m.Discover(context.Background(), protocol.DiscoveryCriteria{Sources: sourceList(5)}, c))
	waitFor(t, c, m.Done())

	args, _ := c.DiscoveryComplete()
	assert.True(t, args.IsAborted)
	assert.Equal(t, int64(-1), args.TotalCount)
	assert.Equal(t, 1, c.Completions())

	var errorLogs []string
	for _, l := range c.Logs() {
		if l.Level == protocol.LevelError {
			errorLogs = append(errorLogs, l.Message)
		}
	}
	require.Len(t, errorLogs, 1)
	assert.Contains(t, errorLogs[0], "host exited with code 2")

	var dispatched int
	for _, h := range fleet.DiscoveryHosts() {
		dispatched += len(h.Workloads())
	}
	assert.Equal(t, 5, dispatched)
}

func TestDiscoveryManager_InitializeFails(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{InitErr: errors.New("cannot start host")})
	m := NewDiscoveryManager(2, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	require.NoError(t, m.Discover(context.Background(), protocol.DiscoveryCriteria{Sources: sourceList(3)}, c))
	waitFor(t, c, m.Done())

	args, _ := c.DiscoveryComplete()
	assert.True(t, args.IsAborted)
	assert.Equal(t, 0, fleet.Calls())
	assert.Len(t, c.Logs(), 3)
	assert.Equal(t, 1, c.Completions())
}

func TestDiscoveryManager_Abort(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{TestsPerSource: 2, Hold: true})
	m := NewDiscoveryManager(2, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	ctx := context.Background()
	require.NoError(t, m.Discover(ctx, protocol.DiscoveryCriteria{Sources: sourceList(5)}, c))
	require.Eventually(t, func() bool { return fleet.MaxActive() == 2 }, waitTimeout, time.Millisecond)

	m.Abort(ctx, c)
	waitFor(t, c, m.Done())

	args, _ := c.DiscoveryComplete()
	assert.True(t, args.IsAborted)
	assert.Equal(t, int64(-1), args.TotalCount)
	assert.Equal(t, []string{"s3", "s4", "s5"}, args.NotDiscoveredSources)
	assert.Equal(t, 2, fleet.Calls(), "no dispatch after abort")
	assert.Len(t, fleet.DiscoveryHosts(), 2, "never-dispatched sources never create workers")
	for _, h := range fleet.DiscoveryHosts() {
		assert.GreaterOrEqual(t, h.Aborts(), 1)
	}

	// stopping again after completion is harmless
	m.Abort(ctx, c)
	m.Cancel(ctx, c)
	assert.Equal(t, 1, c.Completions())
}

func TestDiscoveryManager_AbortBeforeStart(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{TestsPerSource: 1})
	m := NewDiscoveryManager(2, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	ctx := context.Background()
	m.Abort(ctx, c)
	require.NoError(t, m.Discover(ctx, protocol.DiscoveryCriteria{Sources: sourceList(2)}, c))
	waitFor(t, c, m.Done())

	args, _ := c.DiscoveryComplete()
	assert.True(t, args.IsAborted)
	assert.Equal(t, []string{"s1", "s2"}, args.NotDiscoveredSources)
	assert.Equal(t, 0, fleet.Calls())
}

// abortingHost runs abort from Initialize, while the manager is still
// dispatching its first workloads
type abortingHost struct {
	protocol.DiscoveryWorker
	abort func()
}

func (h *abortingHost) Initialize(ctx context.Context, skipDefaultAdapters bool) error {
	h.abort()
	return h.DiscoveryWorker.Initialize(ctx, skipDefaultAdapters)
}

func TestDiscoveryManager_AbortWhileDispatching(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{TestsPerSource: 1, Hold: true})
	c := report.NewCollector(testLogger())
	ctx := context.Background()

	var m *DiscoveryManager
	var once sync.Once
	newWorker := func(provider string) protocol.DiscoveryWorker {
		return &abortingHost{
			DiscoveryWorker: fleet.NewDiscoveryHost(provider),
			abort:           func() { once.Do(func() { m.Abort(ctx, c) }) },
		}
	}
	m = NewDiscoveryManager(2, newWorker, nil, testLogger())

	require.NoError(t, m.Discover(ctx, protocol.DiscoveryCriteria{Sources: sourceList(4)}, c))
	waitFor(t, c, m.Done())

	assert.Zero(t, fleet.Active(), "every dispatched host finished before the final event")
	assert.Equal(t, 2, fleet.Calls())
	assert.Equal(t, 1, c.Completions())

	args, _ := c.DiscoveryComplete()
	assert.True(t, args.IsAborted)
	assert.Equal(t, []string{"s3", "s4"}, args.NotDiscoveredSources)
}

func TestDiscoveryManager_AbortRacingDiscover(t *testing.T) {
	for i := 0; i < 50; i++ {
		fleet := fakehost.NewFleet(fakehost.Behavior{TestsPerSource: 1, Hold: true})
		m := NewDiscoveryManager(2, fleet.NewDiscoveryHost, nil, testLogger())
		c := report.NewCollector(testLogger())
		ctx := context.Background()

		aborted := make(chan struct{})
		go func() {
			defer close(aborted)
			m.Abort(ctx, c)
		}()
		require.NoError(t, m.Discover(ctx, protocol.DiscoveryCriteria{Sources: sourceList(3)}, c))
		waitFor(t, c, m.Done())
		<-aborted

		calls := fleet.Calls()
		require.Zero(t, fleet.Active(), "run %d: a host was still working after the final event", i)
		time.Sleep(5 * time.Millisecond)
		require.Equal(t, calls, fleet.Calls(), "run %d: a host was dispatched after the final event", i)
		require.Equal(t, 1, c.Completions())
	}
}

func TestDiscoveryManager_DiscoverTwice(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{})
	m := NewDiscoveryManager(1, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	ctx := context.Background()
	require.NoError(t, m.Discover(ctx, protocol.DiscoveryCriteria{}, c))
	err := m.Discover(ctx, protocol.DiscoveryCriteria{}, c)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already started"))

	assert.Error(t, NewDiscoveryManager(1, fleet.NewDiscoveryHost, nil, nil).Discover(ctx, protocol.DiscoveryCriteria{}, nil))
}

func TestDiscoveryManager_ProviderAffinity(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{TestsPerSource: 1})
	m := NewDiscoveryManager(1, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	criteria := protocol.DiscoveryCriteria{
		Sources:   []string{"a", "b", "c"},
		Providers: map[string]string{"b": "race"},
	}
	require.NoError(t, m.Discover(context.Background(), criteria, c))
	waitFor(t, c, m.Done())

	hosts := fleet.DiscoveryHosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, "", hosts[0].Provider)
	assert.Equal(t, [][]string{{"a"}, {"c"}}, hosts[0].Workloads(), "sources without affinity stay together")
	assert.Equal(t, "race", hosts[1].Provider)
	assert.Equal(t, [][]string{{"b"}}, hosts[1].Workloads())
}

func TestDiscoveryManager_Initialize(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{TestsPerSource: 1})
	m := NewDiscoveryManager(3, fleet.NewDiscoveryHost, nil, testLogger())
	c := report.NewCollector(testLogger())

	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx, true))
	hosts := fleet.DiscoveryHosts()
	require.Len(t, hosts, 3)
	for _, h := range hosts {
		assert.Equal(t, 1, h.Initialized())
	}

	require.NoError(t, m.Discover(ctx, protocol.DiscoveryCriteria{Sources: sourceList(2)}, c))
	waitFor(t, c, m.Done())

	assert.Len(t, fleet.DiscoveryHosts(), 3, "eagerly initialized workers are reused")
	require.NoError(t, m.Close())
	for _, h := range fleet.DiscoveryHosts() {
		assert.True(t, h.Closed())
	}
}

func TestDiscoveryManager_Metrics(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{TestsPerSource: 2})
	requestData := metrics.NewRequestData(true)
	m := NewDiscoveryManager(2, fleet.NewDiscoveryHost, requestData, testLogger())
	c := report.NewCollector(testLogger())

	require.NoError(t, m.Discover(context.Background(), protocol.DiscoveryCriteria{Sources: sourceList(4)}, c))
	waitFor(t, c, m.Done())

	args, _ := c.DiscoveryComplete()
	require.NotNil(t, args.Metrics)
	assert.Equal(t, float64(8), args.Metrics[metrics.DiscoveryTestsByAdapter+fakehost.ExecutorURI])
	assert.Equal(t, 1, args.Metrics[metrics.DiscoveryAdaptersUsed])
	assert.Equal(t, 1, args.Metrics[metrics.DiscoveryAdaptersDiscovered])
	assert.Equal(t, 2, args.Metrics[metrics.DiscoveryParallelWorkers])
	assert.NotContains(t, args.Metrics, metrics.DiscoveryState)

	state, ok := requestData.Metrics.TryGetValue(metrics.DiscoveryState)
	require.True(t, ok)
	assert.Equal(t, metrics.StateCompleted, state)
	workerState, ok := requestData.Metrics.TryGetValue(metrics.DiscoveryWorkerState)
	require.True(t, ok)
	assert.Equal(t, metrics.StateCompleted, workerState)
}

func TestDiscoveryManager_MetricsOptedOut(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{TestsPerSource: 2})
	requestData := metrics.NewRequestData(false)
	m := NewDiscoveryManager(2, fleet.NewDiscoveryHost, requestData, testLogger())
	c := report.NewCollector(testLogger())

	require.NoError(t, m.Discover(context.Background(), protocol.DiscoveryCriteria{Sources: sourceList(2)}, c))
	waitFor(t, c, m.Done())

	args, _ := c.DiscoveryComplete()
	assert.Nil(t, args.Metrics)
	_, ok := requestData.Metrics.TryGetValue(metrics.DiscoveryState)
	assert.True(t, ok, "state is recorded regardless of telemetry")
}
