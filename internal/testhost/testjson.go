package testhost

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/aryankumar/testfleet/internal/protocol"
)

// testEvent is one line of "go test -json" output
type testEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// resultBuilder turns the event stream of one package into test results.
// Subtest events are folded into their top-level test.
type resultBuilder struct {
	source string
	uri    string

	outputs       map[string]*strings.Builder
	seen          map[string]bool
	packageOutput strings.Builder
	packageFailed bool
	failedTests   int
}

func newResultBuilder(source, uri string) *resultBuilder {
	return &resultBuilder{
		source:  source,
		uri:     uri,
		outputs: make(map[string]*strings.Builder),
		seen:    make(map[string]bool),
	}
}

// line applies one line of output and returns a result when a top-level
// test finished. Lines that are not JSON count as package output.
func (b *resultBuilder) line(text string) (protocol.TestResult, bool) {
	var ev testEvent
	if err := json.Unmarshal([]byte(text), &ev); err != nil || ev.Action == "" {
		b.packageOutput.WriteString(text)
		b.packageOutput.WriteByte('\n')
		return protocol.TestResult{}, false
	}
	return b.apply(ev)
}

func (b *resultBuilder) apply(ev testEvent) (protocol.TestResult, bool) {
	if ev.Test == "" {
		switch ev.Action {
		case "output", "build-output":
			b.packageOutput.WriteString(ev.Output)
		case "fail", "build-fail":
			b.packageFailed = true
		}
		return protocol.TestResult{}, false
	}

	top, _, isSubtest := strings.Cut(ev.Test, "/")
	if ev.Action == "output" {
		out, ok := b.outputs[top]
		if !ok {
			out = &strings.Builder{}
			b.outputs[top] = out
		}
		out.WriteString(ev.Output)
		return protocol.TestResult{}, false
	}
	if isSubtest {
		return protocol.TestResult{}, false
	}

	var outcome protocol.Outcome
	switch ev.Action {
	case "pass":
		outcome = protocol.OutcomePassed
	case "fail":
		outcome = protocol.OutcomeFailed
		b.failedTests++
	case "skip":
		outcome = protocol.OutcomeSkipped
	default:
		return protocol.TestResult{}, false
	}
	b.seen[top] = true

	result := protocol.TestResult{
		TestCase: b.testCase(top),
		Outcome:  outcome,
		Duration: time.Duration(math.Round(ev.Elapsed * float64(time.Second))),
	}
	if out, ok := b.outputs[top]; ok {
		result.Output = out.String()
		delete(b.outputs, top)
	}
	if outcome == protocol.OutcomeFailed {
		result.ErrorMessage = failureMessage(result.Output)
	}
	return result, true
}

// notFound returns a NotFound result for every requested test that never
// reported an outcome
func (b *resultBuilder) notFound(requested []string) []protocol.TestResult {
	var results []protocol.TestResult
	for _, name := range requested {
		if !b.seen[name] {
			results = append(results, protocol.TestResult{
				TestCase: b.testCase(name),
				Outcome:  protocol.OutcomeNotFound,
			})
		}
	}
	return results
}

// buildFailed reports whether the package failed without running any test
func (b *resultBuilder) buildFailed() bool {
	return b.packageFailed && len(b.seen) == 0
}

func (b *resultBuilder) testCase(name string) protocol.TestCase {
	return protocol.TestCase{
		FullyQualifiedName: qualifiedName(b.source, name),
		DisplayName:        name,
		Source:             b.source,
		ExecutorURI:        b.uri,
	}
}

// failureMessage keeps the output lines a failing test logged, dropping
// the framework's own "=== RUN" and "--- FAIL" lines
func failureMessage(output string) string {
	var kept []string
	for _, l := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || strings.HasPrefix(trimmed, "=== ") || strings.HasPrefix(trimmed, "--- ") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}
