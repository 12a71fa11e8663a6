package commands

import (
	"github.com/spf13/cobra"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/server"
)

type serveFlags struct {
	host              string
	port              int
	ctxSize           int
	logLevel          string
	llamacpp          string
	extraLlamaCppArgs string
	sdcpp             string
	saveImages        bool
	imagesDir         string
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		Long: `Run the gateway server until interrupted or a halt request arrives.
The OpenAI-compatible API listens on --port; the realtime websocket
listens on --port plus 100.

Examples:
  lemonade-server serve
  lemonade-server serve --port 8020 --llamacpp vulkan
  lemonade-server serve --extra-llamacpp-args "--no-warmup -b 256"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	addServeFlags(cmd, flags)

	return cmd
}

// addServeFlags registers the server flags; run shares them with serve.
func addServeFlags(cmd *cobra.Command, flags *serveFlags) {
	cmd.Flags().StringVar(&flags.host, "host", server.DefaultHost, "Interface to bind")
	cmd.Flags().IntVar(&flags.port, "port", server.DefaultPort, "HTTP port (websocket uses port+100)")
	cmd.Flags().IntVar(&flags.ctxSize, "ctx-size", server.DefaultContextSize, "Default context window")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warning, error)")
	cmd.Flags().StringVar(&flags.llamacpp, "llamacpp", "", "llama.cpp variant (vulkan, rocm, metal, cpu, system)")
	cmd.Flags().StringVar(&flags.extraLlamaCppArgs, "extra-llamacpp-args", "", "Extra arguments appended to every llama-server launch")
	cmd.Flags().StringVar(&flags.sdcpp, "sdcpp", "", "stable-diffusion.cpp variant (cpu, vulkan, rocm)")
	cmd.Flags().BoolVar(&flags.saveImages, "save-images", false, "Keep generated images on disk")
	cmd.Flags().StringVar(&flags.imagesDir, "images-dir", "", "Directory for kept images")
}

// newServer builds a server from the shared flag set.
func newServer(flags *serveFlags) (*server.Server, error) {
	log := logging.NewLogger(flags.logLevel)
	return server.New(log, server.Config{
		Host:              flags.host,
		Port:              flags.port,
		ContextSize:       flags.ctxSize,
		LogLevel:          flags.logLevel,
		LlamaCppVariant:   flags.llamacpp,
		ExtraLlamaCppArgs: flags.extraLlamaCppArgs,
		SDVariant:         flags.sdcpp,
		SaveImages:        flags.saveImages,
		ImagesDir:         flags.imagesDir,
	})
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	ctx := cmd.Context()

	srv, err := newServer(flags)
	if err != nil {
		return err
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}
	// A signal-driven shutdown reports as interrupted; a halt request is a
	// clean exit.
	return ctx.Err()
}
