package provider

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aryankumar/testfleet/internal/config"
)

// newPinCmd creates the provider pin command
func newPinCmd(manager ManagerFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin PATTERN PROVIDER",
		Short: "Pin packages to a provider",
		Long: `Pin every package matching PATTERN to PROVIDER.

PATTERN is a slash-separated glob. A pattern without a slash matches the
last element of the package path. The first matching rule wins.`,
		Example: `  # Run every package below pkg/db with the integration provider
  testfleet provider pin 'pkg/db/*' integration`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := manager()
			if err := m.AddAffinity(config.AffinityRule{Pattern: args[0], Provider: args[1]}); err != nil {
				return err
			}
			if err := m.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Packages matching %q pinned to %q\n", args[0], args[1])
			return nil
		},
	}

	return cmd
}
