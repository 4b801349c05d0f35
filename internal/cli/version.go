package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aryankumar/testfleet/internal/output"
	"github.com/aryankumar/testfleet/pkg/version"
)

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display detailed version information for testfleet",
		// Version needs no configuration
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd)
		},
	}

	return cmd
}

func runVersion(cmd *cobra.Command) error {
	info := version.Get()
	w := cmd.OutOrStdout()

	// Without an explicit -o print the human-readable form
	if !cmd.Flags().Changed("output") {
		fmt.Fprintln(w, info.String())
		return nil
	}

	name, _ := cmd.Flags().GetString("output")
	format, ok := output.ParseFormat(name)
	if !ok {
		return fmt.Errorf("unsupported output format: %s (supported: table, json, yaml)", name)
	}

	formatter := output.NewFormatter(format, output.WithNoColor(true))
	if format == output.FormatTable {
		return formatter.Format(w, info.Fields())
	}
	return formatter.Format(w, info)
}
