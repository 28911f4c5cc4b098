// Command sentinel is the entry point of the Sentinel presence monitor.
//
//	sentinel serve                      run the HTTP API, Discord transport and config watcher
//	sentinel converse                   run one safety check interactively on the terminal
//	sentinel detect --stream cam <file> feed JSON frames from a file or stdin
//	sentinel history [--session id]     print recent conversation turns
//	sentinel ask "question"             ask the LLM collaborator
//	sentinel mcp                        serve the MCP tools over stdio
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sentinel/internal/config"
)

// version is overwritten at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "sentinel.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "sentinel",
		Short:         "Presence monitor that runs a safety check when a person is detected",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newConverseCmd(opts),
		newDetectCmd(opts),
		newHistoryCmd(opts),
		newAskCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

// load reads the configuration and installs the default logger. A missing
// file is only an error when --config was given explicitly.
func (o *options) load(cmd *cobra.Command) (*config.Config, *slog.LevelVar, error) {
	cfg, err := config.Load(o.configPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		return nil, nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", o.configPath)
	default:
		return nil, nil, err
	}

	if o.logLevel != "" {
		lvl := config.LogLevel(o.logLevel)
		if !lvl.IsValid() {
			return nil, nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), level))
	return cfg, level, nil
}

// newLogger writes text logs to w at the level held by level, so the level
// can be changed while running.
func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
