package provider

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/aryankumar/testfleet/internal/config"
	"github.com/aryankumar/testfleet/internal/output"
)

// Info describes one configured provider
type Info struct {
	Name     string   `json:"name" yaml:"name"`
	Command  string   `json:"command" yaml:"command"`
	GoFlags  []string `json:"goFlags,omitempty" yaml:"goFlags,omitempty"`
	Env      []string `json:"env,omitempty" yaml:"env,omitempty"`
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
}

// newListCmd creates the provider list command
func newListCmd(manager ManagerFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		Long: `List every provider in the testfleet config with its go flags,
environment and the package patterns pinned to it.`,
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			m := manager()
			infos := collect(m)
			if len(infos) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No providers configured")
				return nil
			}

			cfg := m.GetConfig()
			format, _ := output.ParseFormat(cfg.Defaults.OutputFormat)
			if format != output.FormatTable {
				return output.NewFormatter(format).Format(cmd.OutOrStdout(), infos)
			}
			return outputTable(cmd.OutOrStdout(), infos, cfg.Defaults.NoColor)
		},
	}

	return cmd
}

// collect builds the provider list, sorted by name
func collect(m *config.Manager) []Info {
	patterns := make(map[string][]string)
	for _, r := range m.GetConfig().Affinity {
		patterns[r.Provider] = append(patterns[r.Provider], r.Pattern)
	}

	names := m.ProviderNames()
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		p, _ := m.GetProvider(name)
		command := p.Command
		if command == "" {
			command = "go"
		}
		infos = append(infos, Info{
			Name:     name,
			Command:  command,
			GoFlags:  p.GoFlags,
			Env:      p.Env,
			Patterns: patterns[name],
		})
	}
	return infos
}

func outputTable(w io.Writer, infos []Info, noColor bool) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Command", "Go Flags", "Env", "Pinned"})

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

	name := color.New(color.FgCyan, color.Bold)
	pinned := color.New(color.FgYellow)
	if noColor {
		name.DisableColor()
		pinned.DisableColor()
	}

	for _, info := range infos {
		table.Append([]string{
			name.Sprint(info.Name),
			info.Command,
			strings.Join(info.GoFlags, " "),
			strings.Join(info.Env, ","),
			pinned.Sprint(strings.Join(info.Patterns, ",")),
		})
	}
	table.Render()

	fmt.Fprintf(w, "\nTotal providers: %d\n", len(infos))
	return nil
}
