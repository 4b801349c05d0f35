// Package parallel runs discovery and test runs across several workers at
// once and merges their results into one completion per operation.
//
// A manager splits its criteria into workloads, one per source or a
// balanced partition of selected test cases, and hands them to an
// executor.Pool. Each worker gets its own event handler that forwards
// progress to the caller, swallows the worker's own completion messages and
// posts the worker's completion to the manager. A single loop goroutine per
// operation consumes those completions: it aggregates them, replaces workers
// that aborted, dispatches the next workload and decides when the operation
// is complete. The caller sees exactly one completion event.
//
// Abort and Cancel stop dispatching and are forwarded to every worker
// created so far. Results that arrive after a stop are still aggregated.
package parallel
