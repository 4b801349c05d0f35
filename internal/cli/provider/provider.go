// Package provider implements the commands that edit test host providers
// and source affinity rules in the testfleet config file.
package provider

import (
	"github.com/spf13/cobra"

	"github.com/aryankumar/testfleet/internal/config"
)

// ManagerFunc returns the configuration loaded for the running command
type ManagerFunc func() *config.Manager

// NewProviderCmd creates the provider management command
func NewProviderCmd(manager ManagerFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage test host providers",
		Long: `Manage test host providers in your testfleet config.

A provider is a named flavour of test host with its own go flags,
environment and go binary. Affinity rules pin packages to a provider.`,
	}

	cmd.AddCommand(newListCmd(manager))
	cmd.AddCommand(newAddCmd(manager))
	cmd.AddCommand(newRemoveCmd(manager))
	cmd.AddCommand(newPinCmd(manager))

	return cmd
}
