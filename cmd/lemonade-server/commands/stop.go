package commands

import (
	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().halt(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Server stopped")
			return nil
		},
	}
}
