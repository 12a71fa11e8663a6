// Package commands implements the lemonade-server CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// exit codes
const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

// rootCmd is the root command for lemonade-server.
var rootCmd = &cobra.Command{
	Use:   "lemonade-server",
	Short: "Local LLM gateway with an OpenAI-compatible API",
	Long: `lemonade-server runs a local inference gateway: it downloads model
weights, manages llama.cpp and friends as subprocesses, and exposes
OpenAI- and Ollama-compatible APIs.

Example:
  lemonade-server serve
  lemonade-server run Llama-3.2-1B-Instruct-Hybrid`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return exitInterrupted
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func init() {
	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newStopCmd(),
		newListCmd(),
		newPullCmd(),
		newDeleteCmd(),
		newRunCmd(),
		newVersionCmd(),
	)
}
