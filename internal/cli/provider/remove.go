package provider

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aryankumar/testfleet/internal/util"
)

// newRemoveCmd creates the provider remove command
func newRemoveCmd(manager ManagerFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a provider",
		Long: `Remove a provider from the testfleet config.

Affinity rules pinned to the provider are removed with it.`,
		Aliases: []string{"rm", "delete"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := manager()
			if _, ok := m.GetProvider(args[0]); !ok {
				return util.NewValidationError("provider", args[0], "is not configured")
			}
			m.RemoveProvider(args[0])
			if err := m.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provider %q removed\n", args[0])
			return nil
		},
	}

	return cmd
}
