package report

import (
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/sourcestate"
)

// SourceSummary is the discovery outcome of one source
type SourceSummary struct {
	Source string `json:"source" yaml:"source"`
	Status string `json:"status" yaml:"status"`
	Tests  int    `json:"tests" yaml:"tests"`
}

// DiscoveryReport is the outcome of a discovery operation
type DiscoveryReport struct {
	Completed           bool                `json:"completed" yaml:"completed"`
	TotalCount          int64               `json:"totalCount" yaml:"totalCount"`
	IsAborted           bool                `json:"aborted" yaml:"aborted"`
	Sources             []SourceSummary     `json:"sources" yaml:"sources"`
	FullyDiscovered     []string            `json:"fullyDiscovered,omitempty" yaml:"fullyDiscovered,omitempty"`
	PartiallyDiscovered []string            `json:"partiallyDiscovered,omitempty" yaml:"partiallyDiscovered,omitempty"`
	NotDiscovered       []string            `json:"notDiscovered,omitempty" yaml:"notDiscovered,omitempty"`
	Tests               []protocol.TestCase `json:"tests" yaml:"tests"`
	Metrics             map[string]any      `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Logs                []LogEntry          `json:"logs,omitempty" yaml:"logs,omitempty"`
	Duration            time.Duration       `json:"duration" yaml:"duration"`
}

// RunReport is the outcome of a test run
type RunReport struct {
	Completed             bool                     `json:"completed" yaml:"completed"`
	IsAborted             bool                     `json:"aborted" yaml:"aborted"`
	IsCanceled            bool                     `json:"canceled" yaml:"canceled"`
	Error                 string                   `json:"error,omitempty" yaml:"error,omitempty"`
	Executed              int64                    `json:"executed" yaml:"executed"`
	Passed                int64                    `json:"passed" yaml:"passed"`
	Failed                int64                    `json:"failed" yaml:"failed"`
	Skipped               int64                    `json:"skipped" yaml:"skipped"`
	NotFound              int64                    `json:"notFound,omitempty" yaml:"notFound,omitempty"`
	ElapsedTime           time.Duration            `json:"elapsedTime" yaml:"elapsedTime"`
	WorkerElapsedP50      time.Duration            `json:"workerElapsedP50,omitempty" yaml:"workerElapsedP50,omitempty"`
	WorkerElapsedP95      time.Duration            `json:"workerElapsedP95,omitempty" yaml:"workerElapsedP95,omitempty"`
	Results               []protocol.TestResult    `json:"results" yaml:"results"`
	Attachments           []protocol.AttachmentSet `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	RunContextAttachments []protocol.AttachmentSet `json:"runContextAttachments,omitempty" yaml:"runContextAttachments,omitempty"`
	DataCollectors        []protocol.DataCollector `json:"dataCollectors,omitempty" yaml:"dataCollectors,omitempty"`
	ExecutorURIs          []string                 `json:"executorUris,omitempty" yaml:"executorUris,omitempty"`
	Metrics               map[string]any           `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Logs                  []LogEntry               `json:"logs,omitempty" yaml:"logs,omitempty"`
	Duration              time.Duration            `json:"duration" yaml:"duration"`
}

// Succeeded reports whether the run completed with no failures
func (r RunReport) Succeeded() bool {
	return r.Completed && !r.IsAborted && !r.IsCanceled && r.Failed == 0 && r.Error == ""
}

// Failures returns the failed results
func (r RunReport) Failures() []protocol.TestResult {
	var failed []protocol.TestResult
	for _, res := range r.Results {
		if res.Outcome == protocol.OutcomeFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// distinctSorted returns each value once, sorted, or nil when there are none
func distinctSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return sets.List(sets.New(values...))
}

// summarizeSources builds one summary per known source, sorted by name
func summarizeSources(r DiscoveryReport) []SourceSummary {
	counts := make(map[string]int)
	for _, tc := range r.Tests {
		counts[tc.Source]++
	}

	statuses := make(map[string]string)
	for _, s := range r.NotDiscovered {
		statuses[s] = sourcestate.NotDiscovered.String()
	}
	for _, s := range r.PartiallyDiscovered {
		statuses[s] = sourcestate.PartiallyDiscovered.String()
	}
	for _, s := range r.FullyDiscovered {
		statuses[s] = sourcestate.FullyDiscovered.String()
	}
	for s := range counts {
		if _, ok := statuses[s]; !ok {
			statuses[s] = "Unknown"
		}
	}

	summaries := make([]SourceSummary, 0, len(statuses))
	for s, status := range statuses {
		summaries = append(summaries, SourceSummary{Source: s, Status: status, Tests: counts[s]})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Source < summaries[j].Source })
	return summaries
}
