// Package executor provides the slot pool that spreads test workloads over
// a bounded number of worker processes.
//
// A Pool owns min(maxParallelism, len(workloads)) slots. Each slot is bound
// to one worker handle, created lazily by a factory the first time the slot
// needs one. The pool never advances on its own: when a worker reports that
// its workload is done, the caller signals RunNextWork and the pool hands
// the next queued workload to the same slot. Stopping those calls stops
// dispatch, which is how an abort keeps further workers from starting while
// in-flight ones finish.
//
// # Basic Usage
//
//	pool := executor.NewPool[*Host, Handler, string](4, newHost, logger)
//
//	err := pool.StartWork(ctx, workloads, shared, wrapHandler,
//	    func(ctx context.Context, h *Host, hd Handler, src string) error {
//	        return h.Initialize(ctx, false)
//	    },
//	    func(ctx context.Context, h *Host, hd Handler, src string, initErr error) {
//	        go h.Discover(ctx, src, hd)
//	    })
//
//	// later, from the worker's completion callback
//	more, err := pool.RunNextWork(ctx, host)
//
// # Aborting
//
// DoActionOnAllManagers applies an action (abort, cancel, close) to every
// worker created so far, in parallel or in sequence:
//
//	pool.DoActionOnAllManagers(ctx, func(ctx context.Context, h *Host) error {
//	    return h.Abort(ctx)
//	}, true)
//
// # Concurrency Guarantees
//
// The pool guarantees:
//   - At most SlotCount workloads run at once
//   - Every workload is dispatched exactly once, in queue order
//   - RunNextWork, ReplaceWorker and the accessors are safe for concurrent use
//   - Only bookkeeping is serialized; initialize and run execute outside the lock
//
// SplitBalanced and Outcome are small helpers used by the parallel
// operation managers to partition test cases and tag worker results.
package executor
