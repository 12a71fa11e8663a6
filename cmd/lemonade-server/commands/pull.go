package commands

import (
	"github.com/spf13/cobra"
)

type pullFlags struct {
	checkpoint string
	recipe     string
	reasoning  bool
	vision     bool
	mmproj     string
}

func newPullCmd() *cobra.Command {
	flags := &pullFlags{}

	cmd := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Download a model's weights",
		Long: `Download a model's weights through the server. Unknown names are
registered as user models when --checkpoint and --recipe are given;
registered names must start with "user.".

Examples:
  lemonade-server pull Qwen3-0.6B-GGUF
  lemonade-server pull user.my-model \
    --checkpoint unsloth/Qwen3-0.6B-GGUF:Q4_K_M --recipe llamacpp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.checkpoint, "checkpoint", "", "Checkpoint reference for registration (org/repo[:variant])")
	cmd.Flags().StringVar(&flags.recipe, "recipe", "", "Engine recipe for registration (llamacpp, flm, ...)")
	cmd.Flags().BoolVar(&flags.reasoning, "reasoning", false, "Label the registered model as reasoning")
	cmd.Flags().BoolVar(&flags.vision, "vision", false, "Label the registered model as vision")
	cmd.Flags().StringVar(&flags.mmproj, "mmproj", "", "Multimodal projector file for vision models")

	return cmd
}

func runPull(cmd *cobra.Command, model string, flags *pullFlags) error {
	err := newClient().pull(cmd.Context(), pullRequest{
		ModelName:  model,
		Checkpoint: flags.checkpoint,
		Recipe:     flags.recipe,
		Reasoning:  flags.reasoning,
		Vision:     flags.vision,
		MMProj:     flags.mmproj,
	}, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	cmd.Printf("Pulled %s\n", model)
	return nil
}
