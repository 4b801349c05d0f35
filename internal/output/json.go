package output

import (
	"encoding/json"
	"io"

	"github.com/aryankumar/testfleet/internal/report"
)

// JSONFormatter formats output as JSON
type JSONFormatter struct {
	options *Options
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter(opts *Options) *JSONFormatter {
	if opts == nil {
		opts = &Options{}
	}
	return &JSONFormatter{
		options: opts,
	}
}

// Format outputs a single data item as JSON
func (f *JSONFormatter) Format(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// FormatDiscovery outputs a discovery report as JSON
func (f *JSONFormatter) FormatDiscovery(w io.Writer, r report.DiscoveryReport) error {
	if !f.options.Wide {
		r.Logs = nil
	}
	return f.Format(w, r)
}

// FormatRun outputs a run report as JSON. Test output is only kept in
// wide mode.
func (f *JSONFormatter) FormatRun(w io.Writer, r report.RunReport) error {
	if !f.options.Wide {
		r.Results = withoutOutput(r.Results)
		r.Logs = nil
	}
	return f.Format(w, r)
}
