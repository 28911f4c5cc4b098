package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sentinel/internal/mcptool"
	"github.com/MrWong99/sentinel/internal/observe"
)

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Sentinel tools to an MCP host over stdio",
		Long: `Runs an MCP server on stdin/stdout so agent hosts can drive safety
checks, feed detection frames and read history. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, observe.DefaultMetrics())
			if err != nil {
				return err
			}
			defer rt.Close()

			tools := mcptool.NewTools(mcptool.Deps{Engine: rt.engine, Monitor: rt.monitor, Chat: rt.chat})
			slog.Info("mcp server starting", "tools", len(tools), "store", cfg.Store.Backend)
			return mcptool.Serve(ctx, mcptool.NewServer(version, tools))
		},
	}
}
