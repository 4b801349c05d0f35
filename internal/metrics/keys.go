package metrics

// Discovery metric keys. Keys ending in "." are prefixes completed by an
// executor URI.
const (
	DiscoveryState              = "discovery.state"
	DiscoveryWorkerState        = "discovery.worker_state"
	DiscoveryTestsByAdapter     = "discovery.tests_by_adapter."
	DiscoveryAdapterTime        = "discovery.adapter_time."
	DiscoveryTotalAdapterTime   = "discovery.total_adapter_time"
	DiscoveryAdapterLoadTime    = "discovery.adapter_load_time"
	DiscoveryAdaptersUsed       = "discovery.adapters_used"
	DiscoveryAdaptersDiscovered = "discovery.adapters_discovered"
	DiscoveryParallelWorkers    = "discovery.parallel_workers"
	DiscoveryTotalTests         = "discovery.total_tests"
)

// Execution metric keys
const (
	ExecutionState              = "execution.state"
	ExecutionWorkerState        = "execution.worker_state"
	ExecutionTestsByAdapter     = "execution.tests_by_adapter."
	ExecutionAdapterTime        = "execution.adapter_time."
	ExecutionTotalAdapterTime   = "execution.total_adapter_time"
	ExecutionAdaptersUsed       = "execution.adapters_used"
	ExecutionAdaptersDiscovered = "execution.adapters_discovered"
	ExecutionParallelWorkers    = "execution.parallel_workers"
	ExecutionTotalTests         = "execution.total_tests"
)

// Operation states recorded under the state keys
const (
	StateCompleted = "Completed"
	StateAborted   = "Aborted"
	StateCanceled  = "Canceled"
)

// StateOf maps completion flags onto a state value
func StateOf(aborted, canceled bool) string {
	switch {
	case aborted:
		return StateAborted
	case canceled:
		return StateCanceled
	default:
		return StateCompleted
	}
}
