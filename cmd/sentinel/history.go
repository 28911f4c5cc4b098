package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sentinel/internal/observe"
	"github.com/MrWong99/sentinel/pkg/memory"
)

const defaultHistoryLimit = 20

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent conversation turns, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1, got %d", limit)
			}
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg, observe.DefaultMetrics())
			if err != nil {
				return err
			}
			defer rt.Close()
			return printHistory(cmd.Context(), rt.store, sessionID, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only show this session")
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultHistoryLimit, "number of turns")
	return cmd
}

func printHistory(ctx context.Context, store memory.SessionStore, sessionID string, limit int, out io.Writer) error {
	var (
		turns []memory.Turn
		err   error
	)
	if sessionID != "" {
		turns, err = store.RecentTurns(ctx, sessionID, limit)
	} else if hr, ok := store.(memory.HistoryReader); ok {
		turns, err = hr.LatestTurns(ctx, limit)
	} else {
		return errors.New("this store cannot list turns across sessions; pass --session")
	}
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Fprintln(out, "No conversation history.")
		return nil
	}

	slices.Reverse(turns)
	for _, t := range turns {
		fmt.Fprintf(out, "%s  %-24s %-9s %s\n", t.Timestamp.Local().Format(time.DateTime), t.SessionID, t.Role, t.Content)
	}
	return nil
}
