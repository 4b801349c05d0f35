// Package aggregate merges partial results reported by independent workers
// into the single outcome of a discovery or execution operation.
//
// Both aggregators are safe for concurrent use. Flags are sticky: once any
// worker reports aborted (or canceled) the merged result stays that way.
// TryMarkFinalSent guards the final completion event so exactly one caller
// gets to send it.
package aggregate
