package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sentinel/internal/observe"
)

func newAskCmd(opts *options) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the safety assistant a question",
		Long: `Sends a one-shot question to the configured LLM. With --session the
recent turns of that safety check are given as context.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg, observe.DefaultMetrics())
			if err != nil {
				return err
			}
			defer rt.Close()

			chat, err := rt.requireChat()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, err = chat.AskStream(cmd.Context(), sessionID, strings.Join(args, " "), func(s string) {
				fmt.Fprint(out, s)
			})
			fmt.Fprintln(out)
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session whose recent turns are sent as context")
	return cmd
}
