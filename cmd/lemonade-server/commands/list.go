package commands

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List available models",
		Long: `List every model the server knows about. Downloaded models are
marked installed; sizes are download sizes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
}

func runList(cmd *cobra.Command) error {
	models, err := newClient().listModels(cmd.Context())
	if err != nil {
		return err
	}

	table := tablewriter.NewTable(cmd.OutOrStdout(),
		tablewriter.WithHeader([]string{"MODEL", "RECIPE", "SIZE", "INSTALLED", "LABELS"}),
	)

	for _, m := range models {
		installed := ""
		if m.Downloaded {
			installed = "yes"
		}
		size := ""
		if m.Size > 0 {
			size = units.HumanSize(m.Size * units.GB)
		}
		table.Append([]string{
			m.ID,
			m.Recipe,
			size,
			installed,
			strings.Join(m.Labels, ","),
		})
	}

	table.Render()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d models\n", len(models))
	return nil
}
