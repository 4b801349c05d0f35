package provider

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aryankumar/testfleet/internal/config"
)

// newAddCmd creates the provider add command
func newAddCmd(manager ManagerFunc) *cobra.Command {
	var p config.ProviderConfig

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add or replace a provider",
		Long: `Add a provider to the testfleet config, replacing any provider with
the same name.`,
		Example: `  # Run tests with the race detector
  testfleet provider add race --go-flags=-race

  # Run integration tests against a local database
  testfleet provider add integration --env DB_URL=postgres://localhost/test --go-flags=-tags=integration`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := manager()
			m.SetProvider(args[0], p)
			if err := m.Validate(); err != nil {
				return err
			}
			if err := m.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provider %q saved\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&p.GoFlags, "go-flags", nil, "flags added to every go test invocation")
	cmd.Flags().StringArrayVar(&p.Env, "env", nil, "KEY=VALUE added to the test environment (repeatable)")
	cmd.Flags().StringVar(&p.Command, "command", "", "go binary to run (default \"go\")")

	return cmd
}
