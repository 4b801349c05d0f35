package output

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/report"
)

// YAMLFormatter formats output as YAML
type YAMLFormatter struct {
	options *Options
}

// NewYAMLFormatter creates a new YAML formatter
func NewYAMLFormatter(opts *Options) *YAMLFormatter {
	if opts == nil {
		opts = &Options{}
	}
	return &YAMLFormatter{
		options: opts,
	}
}

// Format outputs a single data item as YAML
func (f *YAMLFormatter) Format(w io.Writer, data interface{}) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()

	return encoder.Encode(data)
}

// FormatDiscovery outputs a discovery report as YAML
func (f *YAMLFormatter) FormatDiscovery(w io.Writer, r report.DiscoveryReport) error {
	if !f.options.Wide {
		r.Logs = nil
	}
	return f.Format(w, r)
}

// FormatRun outputs a run report as YAML. Test output is only kept in
// wide mode.
func (f *YAMLFormatter) FormatRun(w io.Writer, r report.RunReport) error {
	if !f.options.Wide {
		r.Results = withoutOutput(r.Results)
		r.Logs = nil
	}
	return f.Format(w, r)
}

// withoutOutput copies results with their captured output dropped
func withoutOutput(results []protocol.TestResult) []protocol.TestResult {
	out := make([]protocol.TestResult, len(results))
	for i, r := range results {
		r.Output = ""
		out[i] = r
	}
	return out
}
