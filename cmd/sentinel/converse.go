package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/observe"
)

func newConverseCmd(opts *options) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "converse",
		Short: "Run one safety check interactively on the terminal",
		Long: `Starts a safety check as if a person had been detected and asks each
question on the terminal. Answer optional questions with an empty line to
leave them blank; Ctrl+D stops early.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg, observe.DefaultMetrics())
			if err != nil {
				return err
			}
			defer rt.Close()
			return converse(cmd.Context(), rt.engine, sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id of the check; generated when empty")
	return cmd
}

// converse drives one conversation from in to out until it completes or in
// is exhausted.
func converse(ctx context.Context, e *conversation.Engine, sessionID string, in io.Reader, out io.Writer) error {
	resp, err := e.Execute(ctx, conversation.Request{SessionID: sessionID, TriggerConversation: true})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Safety check %s\n", resp.SessionID)

	lines := bufio.NewScanner(in)
	for {
		switch resp.Action {
		case conversation.ActionComplete:
			fmt.Fprintf(out, "%s\n%s\n", resp.Summary, resp.Message)
			return nil
		case conversation.ActionIdle:
			fmt.Fprintln(out, resp.Message)
			return nil
		case conversation.ActionError:
			return errors.New(resp.Error)
		}

		fmt.Fprintf(out, "[%d/%d] %s%s\n> ", resp.Step, resp.TotalSteps, resp.Question, hint(resp))
		if !lines.Scan() {
			fmt.Fprintln(out)
			if err := lines.Err(); err != nil {
				return fmt.Errorf("read reply: %w", err)
			}
			fmt.Fprintf(out, "Stopped before completion; session %s keeps its answers\n", resp.SessionID)
			return nil
		}
		resp, err = e.Execute(ctx, conversation.Reply(resp.SessionID, resp.QuestionID, strings.TrimSpace(lines.Text())))
		if err != nil {
			return err
		}
	}
}

func hint(r conversation.Response) string {
	switch {
	case r.QuestionType == conversation.Boolean:
		return " (yes/no)"
	case !r.Required:
		return " (optional)"
	}
	return ""
}
