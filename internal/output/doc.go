// Package output renders discovery and run reports.
//
// Three formats are supported: a borderless table for terminals, and JSON
// and YAML for scripts. Table output colors outcomes and source statuses
// when writing to a TTY.
//
// # Basic Usage
//
//	formatter := output.NewFormatter(output.FormatTable)
//	formatter.FormatRun(os.Stdout, collector.RunReport())
//
// # Options
//
// Formatters can be configured with functional options:
//
//	formatter := output.NewFormatter(
//		output.FormatTable,
//		output.WithNoColor(true),   // Disable colors
//		output.WithNoHeaders(true), // Hide table headers
//		output.WithWide(true),      // One row per test, keep test output
//	)
//
// Outside wide mode the structured formats drop captured test output and
// host log messages, and the table lists failures in their own section.
package output
