package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/report"
)

// maxErrorWidth truncates error messages in wide run tables
const maxErrorWidth = 60

// TableFormatter formats output as a borderless table
type TableFormatter struct {
	options *Options
}

// NewTableFormatter creates a new table formatter
func NewTableFormatter(opts *Options) *TableFormatter {
	if opts == nil {
		opts = &Options{}
	}
	return &TableFormatter{
		options: opts,
	}
}

// Format outputs a single data item as a table
func (f *TableFormatter) Format(w io.Writer, data interface{}) error {
	table := f.createTable(w)

	switch v := data.(type) {
	case map[string]interface{}:
		return f.formatMap(table, v)
	case []map[string]interface{}:
		return f.formatMapSlice(table, v)
	default:
		fmt.Fprintln(w, v)
		return nil
	}
}

// FormatDiscovery lists every source with its discovery status, or every
// discovered test in wide mode
func (f *TableFormatter) FormatDiscovery(w io.Writer, r report.DiscoveryReport) error {
	colors := NewColorScheme(w, f.options.NoColor)

	if len(r.Sources) == 0 && len(r.Tests) == 0 {
		fmt.Fprintln(w, "No tests discovered")
	} else {
		table := f.createTable(w)
		if f.options.Wide {
			f.setHeader(table, colors, "SOURCE", "TEST", "EXECUTOR")
			for _, tc := range r.Tests {
				table.Append([]string{colors.Source("%s", tc.Source), tc.Name(), tc.ExecutorURI})
			}
		} else {
			f.setHeader(table, colors, "SOURCE", "STATUS", "TESTS")
			for _, s := range r.Sources {
				table.Append([]string{
					colors.Source("%s", s.Source),
					colors.SourceStatusColor(s.Status)("%s", s.Status),
					fmt.Sprintf("%d", s.Tests),
				})
			}
		}
		table.Render()
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d tests in %d sources (%s fully, %s partially, %s not discovered), %s\n",
		len(r.Tests),
		len(r.Sources),
		colors.Success("%d", len(r.FullyDiscovered)),
		colors.Warning("%d", len(r.PartiallyDiscovered)),
		colors.StatusColor(len(r.NotDiscovered) > 0)("%d", len(r.NotDiscovered)),
		colors.Duration("%s", r.Duration.Round(time.Millisecond)))

	if r.IsAborted {
		fmt.Fprintln(w, colors.Warning("Discovery was aborted, results are incomplete"))
	}
	f.printLogs(w, r.Logs, colors)
	return nil
}

// FormatRun lists every test result followed by the failures and a summary
func (f *TableFormatter) FormatRun(w io.Writer, r report.RunReport) error {
	colors := NewColorScheme(w, f.options.NoColor)

	results := append([]protocol.TestResult(nil), r.Results...)
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].TestCase.Source != results[j].TestCase.Source {
			return results[i].TestCase.Source < results[j].TestCase.Source
		}
		return results[i].TestCase.Name() < results[j].TestCase.Name()
	})

	if len(results) == 0 {
		fmt.Fprintln(w, "No tests were run")
	} else {
		table := f.createTable(w)
		headers := []string{"TEST", "OUTCOME", "DURATION"}
		if f.options.Wide {
			headers = append(headers, "SOURCE", "ERROR")
		}
		f.setHeader(table, colors, headers...)

		for _, res := range results {
			row := []string{
				colors.Source("%s", res.TestCase.Name()),
				colors.OutcomeColor(res.Outcome)("%s", res.Outcome),
				colors.Duration("%s", res.Duration.Round(time.Millisecond)),
			}
			if f.options.Wide {
				row = append(row, res.TestCase.Source, truncate(firstLine(res.ErrorMessage), maxErrorWidth))
			}
			table.Append(row)
		}
		table.Render()
	}

	if failures := r.Failures(); len(failures) > 0 && !f.options.Wide {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, colors.Error("Failures:"))
		for _, res := range failures {
			fmt.Fprintf(w, "  %s (%s)\n", res.TestCase.Name(), res.TestCase.Source)
			for _, line := range strings.Split(res.ErrorMessage, "\n") {
				if line != "" {
					fmt.Fprintf(w, "      %s\n", line)
				}
			}
		}
	}

	f.printRunSummary(w, r, colors)
	f.printLogs(w, r.Logs, colors)
	return nil
}

func (f *TableFormatter) printRunSummary(w io.Writer, r report.RunReport, colors *ColorScheme) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: ")

	failedText := fmt.Sprintf("%d failed", r.Failed)
	if r.Failed > 0 {
		failedText = colors.Error("%s", failedText)
	}
	fmt.Fprintf(w, "%s, %s, %s",
		colors.Success("%d passed", r.Passed),
		failedText,
		colors.Warning("%d skipped", r.Skipped))
	if r.NotFound > 0 {
		fmt.Fprintf(w, ", %s", colors.Warning("%d not found", r.NotFound))
	}
	fmt.Fprintf(w, ", %s", colors.Duration("elapsed=%s", r.ElapsedTime.Round(time.Millisecond)))
	if r.WorkerElapsedP95 > 0 {
		fmt.Fprintf(w, " %s", colors.Duration("p50=%s p95=%s",
			r.WorkerElapsedP50.Round(time.Millisecond),
			r.WorkerElapsedP95.Round(time.Millisecond)))
	}
	fmt.Fprintln(w)

	switch {
	case r.IsCanceled:
		fmt.Fprintln(w, colors.Warning("Test run was canceled"))
	case r.IsAborted:
		fmt.Fprintln(w, colors.Warning("Test run was aborted"))
	}
	if r.Error != "" {
		fmt.Fprintln(w, colors.Error("Error: %s", r.Error))
	}
}

func (f *TableFormatter) printLogs(w io.Writer, logs []report.LogEntry, colors *ColorScheme) {
	for _, l := range logs {
		switch l.Level {
		case protocol.LevelError:
			fmt.Fprintln(w, colors.Error("error: %s", l.Message))
		case protocol.LevelWarning:
			fmt.Fprintln(w, colors.Warning("warning: %s", l.Message))
		}
	}
}

func (f *TableFormatter) setHeader(table *tablewriter.Table, colors *ColorScheme, headers ...string) {
	if f.options.NoHeaders {
		return
	}
	if colors.Disabled {
		table.SetHeader(headers)
		return
	}
	colored := make([]string, len(headers))
	for i, h := range headers {
		colored[i] = colors.Header("%s", h)
	}
	table.SetHeader(colored)
}

// formatMap formats a map as a two-column table (key-value pairs)
func (f *TableFormatter) formatMap(table *tablewriter.Table, data map[string]interface{}) error {
	if !f.options.NoHeaders {
		table.SetHeader([]string{"KEY", "VALUE"})
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		table.Append([]string{k, fmt.Sprintf("%v", data[k])})
	}

	table.Render()
	return nil
}

// formatMapSlice formats a slice of maps as a table
func (f *TableFormatter) formatMapSlice(table *tablewriter.Table, data []map[string]interface{}) error {
	if len(data) == 0 {
		return nil
	}

	var keys []string
	for k := range data[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if !f.options.NoHeaders {
		headers := make([]string, len(keys))
		for i, k := range keys {
			headers[i] = strings.ToUpper(k)
		}
		table.SetHeader(headers)
	}

	for _, item := range data {
		row := make([]string, len(keys))
		for i, k := range keys {
			row[i] = fmt.Sprintf("%v", item[k])
		}
		table.Append(row)
	}

	table.Render()
	return nil
}

// createTable creates a new borderless, tab-padded table
func (f *TableFormatter) createTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)

	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)

	return table
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
