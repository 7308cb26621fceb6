package main

import (
	"strings"

	"github.com/spf13/cobra"
)

func buildChatCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the tool-using assistant",
		Long: "Chat runs the agentic query loop against the configured LLM provider. " +
			"With a message argument it answers once and exits; without one it opens " +
			"an interactive prompt. Tool calls the model emits (including subagent " +
			"dispatch via the task tool) execute locally and stream their progress.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, strings.Join(args, " "), opts)
		},
	}
	addConfigFlag(cmd)
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "LLM provider (anthropic, openai); defaults to llm.default_provider")
	cmd.Flags().StringVar(&opts.Model, "model", "", "Model override; defaults to CORECTL_MODEL or the provider's default_model")
	cmd.Flags().StringVar(&opts.System, "system", "", "System prompt override")
	cmd.Flags().StringVar(&opts.SessionKey, "session", "", "Session key; defaults to a per-directory key under session.cli_scope")
	cmd.Flags().IntVar(&opts.MaxIterations, "max-iterations", 0, "Cap on tool-use iterations per turn")
	cmd.Flags().BoolVar(&opts.ShowUsage, "usage", false, "Print token usage and cost after each turn")
	return cmd
}
