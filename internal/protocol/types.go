package protocol

import (
	"fmt"
	"time"
)

// TestCase identifies a single test within a source
type TestCase struct {
	// FullyQualifiedName is the name used to select the test for execution
	FullyQualifiedName string `json:"fullyQualifiedName" yaml:"fullyQualifiedName"`

	// DisplayName is a human-friendly name (defaults to FullyQualifiedName)
	DisplayName string `json:"displayName,omitempty" yaml:"displayName,omitempty"`

	// Source identifies the file or package that owns the test
	Source string `json:"source" yaml:"source"`

	// ExecutorURI identifies the adapter that discovered the test
	ExecutorURI string `json:"executorUri,omitempty" yaml:"executorUri,omitempty"`
}

// Name returns the display name, falling back to the fully qualified name
func (tc TestCase) Name() string {
	if tc.DisplayName != "" {
		return tc.DisplayName
	}
	return tc.FullyQualifiedName
}

// Outcome is the result of running one test
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomePassed
	OutcomeFailed
	OutcomeSkipped
	OutcomeNotFound
)

// String implements fmt.Stringer
func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "None"
	case OutcomePassed:
		return "Passed"
	case OutcomeFailed:
		return "Failed"
	case OutcomeSkipped:
		return "Skipped"
	case OutcomeNotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText lets outcomes be used as JSON/YAML map keys
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses the names written by MarshalText
func (o *Outcome) UnmarshalText(text []byte) error {
	for c := OutcomeNone; c <= OutcomeNotFound; c++ {
		if c.String() == string(text) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// TestResult is the outcome of a single test case
type TestResult struct {
	TestCase     TestCase      `json:"testCase" yaml:"testCase"`
	Outcome      Outcome       `json:"outcome" yaml:"outcome"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	ErrorMessage string        `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
	Output       string        `json:"output,omitempty" yaml:"output,omitempty"`
}

// RunStats counts executed tests per outcome
type RunStats struct {
	ExecutedTests int64             `json:"executedTests" yaml:"executedTests"`
	Stats         map[Outcome]int64 `json:"stats,omitempty" yaml:"stats,omitempty"`
}

// Count returns the number of tests with the given outcome
func (s *RunStats) Count(o Outcome) int64 {
	if s == nil || s.Stats == nil {
		return 0
	}
	return s.Stats[o]
}

// AttachmentSet groups attachments produced by one collector or adapter
type AttachmentSet struct {
	URI         string   `json:"uri" yaml:"uri"`
	DisplayName string   `json:"displayName" yaml:"displayName"`
	Files       []string `json:"files,omitempty" yaml:"files,omitempty"`
}

// DataCollector identifies a data collector invoked during a run
type DataCollector struct {
	URI          string `json:"uri" yaml:"uri"`
	AssemblyName string `json:"assemblyName,omitempty" yaml:"assemblyName,omitempty"`
	FilePath     string `json:"filePath,omitempty" yaml:"filePath,omitempty"`
}

// DiscoveryCriteria describes what to discover
type DiscoveryCriteria struct {
	// Sources to discover tests in
	Sources []string

	// Providers maps a source to the provider it must run under.
	// Sources without an entry can run on any worker.
	Providers map[string]string

	// Settings is passed through to workers unmodified
	Settings string

	// TestCaseFilter is passed through to workers unmodified
	TestCaseFilter string

	// BatchSize is how many discovered tests a worker reports per event
	BatchSize int
}

// ProviderFor returns the provider affinity of a source ("" means any)
func (c DiscoveryCriteria) ProviderFor(source string) string {
	return c.Providers[source]
}

// RunCriteria describes what to run. Either Sources or Tests is set.
type RunCriteria struct {
	Sources        []string
	Tests          []TestCase
	Providers      map[string]string
	Settings       string
	TestCaseFilter string
}

// HasSpecificTests reports whether the run selects individual test cases
func (c RunCriteria) HasSpecificTests() bool {
	return len(c.Tests) > 0
}

// ProviderFor returns the provider affinity of a source ("" means any)
func (c RunCriteria) ProviderFor(source string) string {
	return c.Providers[source]
}

// DiscoveryCompleteArgs is reported when discovery finishes
type DiscoveryCompleteArgs struct {
	// TotalCount is the number of discovered tests, or -1 if discovery aborted
	TotalCount int64
	IsAborted  bool

	FullyDiscoveredSources     []string
	PartiallyDiscoveredSources []string
	NotDiscoveredSources       []string

	Metrics map[string]any
}

// RunChangedArgs carries incremental run progress
type RunChangedArgs struct {
	NewResults  []TestResult
	Stats       *RunStats
	ActiveTests []TestCase
}

// RunCompleteArgs is reported when a run finishes
type RunCompleteArgs struct {
	Stats                 *RunStats
	IsCanceled            bool
	IsAborted             bool
	Err                   error
	Attachments           []AttachmentSet
	InvokedDataCollectors []DataCollector
	ElapsedTime           time.Duration
	Metrics               map[string]any
}
