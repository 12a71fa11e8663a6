package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "run MODEL",
		Short: "Serve a model: start the server if needed, pull, and load",
		Long: `Make a model ready to answer requests. If no server is running one is
started in this process; the model is pulled when its weights are
missing, then loaded.

Examples:
  lemonade-server run Qwen3-0.6B-GGUF
  lemonade-server run Llama-3.2-1B-Instruct-Hybrid --port 8020`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], flags)
		},
	}

	addServeFlags(cmd, flags)

	return cmd
}

func runRun(cmd *cobra.Command, model string, flags *serveFlags) error {
	ctx := cmd.Context()
	c := newClient()

	var serverDone chan error
	if _, err := c.health(ctx); err != nil {
		cmd.Println("No server running, starting one")
		srv, err := newServer(flags)
		if err != nil {
			return err
		}
		serverDone = make(chan error, 1)
		go func() { serverDone <- srv.Run(ctx) }()
		if err := waitHealthy(cmd, c, serverDone); err != nil {
			return err
		}
	}

	models, err := c.listModels(ctx)
	if err != nil {
		return err
	}
	downloaded := false
	for _, m := range models {
		if m.ID == model {
			downloaded = m.Downloaded
			break
		}
	}
	if !downloaded {
		cmd.Printf("Pulling %s\n", model)
		if err := c.pull(ctx, pullRequest{ModelName: model}, cmd.OutOrStdout()); err != nil {
			return err
		}
	}

	cmd.Printf("Loading %s\n", model)
	if err := c.load(ctx, model); err != nil {
		return err
	}
	cmd.Printf("%s is ready\n", model)

	if serverDone != nil {
		cmd.Println("Press Ctrl+C to stop the server")
		if err := <-serverDone; err != nil {
			return err
		}
		return ctx.Err()
	}
	return nil
}

// waitHealthy polls the health endpoint until the in-process server answers
// or fails to start.
func waitHealthy(cmd *cobra.Command, c *client, serverDone <-chan error) error {
	deadline := time.After(30 * time.Second)
	for {
		select {
		case err := <-serverDone:
			if err != nil {
				return err
			}
			return fmt.Errorf("server stopped before becoming ready")
		case <-deadline:
			return fmt.Errorf("server did not become ready in time")
		case <-time.After(250 * time.Millisecond):
			if _, err := c.health(cmd.Context()); err == nil {
				return nil
			}
		}
	}
}
