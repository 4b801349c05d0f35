package executor

// outcomeKind tags how a workload ended
type outcomeKind int

const (
	kindCompleted outcomeKind = iota
	kindAborted
)

// Outcome is the tagged result of one workload: Completed{value} or
// Aborted{partial}. An aborted outcome still carries whatever partial value
// the worker managed to report.
type Outcome[T any] struct {
	kind  outcomeKind
	value T
}

// Completed wraps the value of a workload that finished normally
func Completed[T any](value T) Outcome[T] {
	return Outcome[T]{kind: kindCompleted, value: value}
}

// Aborted wraps the partial value of a workload whose worker aborted
func Aborted[T any](partial T) Outcome[T] {
	return Outcome[T]{kind: kindAborted, value: partial}
}

// IsAborted returns true if the worker aborted
func (o Outcome[T]) IsAborted() bool {
	return o.kind == kindAborted
}

// Value returns the (possibly partial) value
func (o Outcome[T]) Value() T {
	return o.value
}

// String returns "Completed" or "Aborted"
func (o Outcome[T]) String() string {
	if o.IsAborted() {
		return "Aborted"
	}
	return "Completed"
}

// SplitBalanced splits items into min(parts, len(items)) contiguous chunks
// whose sizes differ by at most one. The first len(items)%parts chunks get
// the extra item, so 9 items in 4 parts become 3+2+2+2.
func SplitBalanced[T any](items []T, parts int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if parts <= 0 {
		parts = 1
	}
	parts = min(parts, len(items))

	span := len(items) / parts
	remaining := len(items) % parts

	chunks := make([][]T, 0, parts)
	for i := 0; i < parts; i++ {
		start := i*span + min(i, remaining)
		end := start + span
		if i < remaining {
			end++
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
