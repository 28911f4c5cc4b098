package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sentinel/internal/api"
	"github.com/MrWong99/sentinel/internal/config"
	"github.com/MrWong99/sentinel/internal/discord"
	"github.com/MrWong99/sentinel/internal/health"
	"github.com/MrWong99/sentinel/internal/monitor"
	"github.com/MrWong99/sentinel/internal/observe"
	"github.com/MrWong99/sentinel/pkg/memory"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var watchInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the Discord transport and the config watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, level, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), opts.configPath, cfg, level, watchInterval)
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 5*time.Second, "config file polling interval; 0 disables hot reload")
	return cmd
}

func serve(parent context.Context, configPath string, cfg *config.Config, level *slog.LevelVar, watchInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "sentinel", ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	met := observe.DefaultMetrics()

	rt, err := newRuntime(ctx, cfg, met)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("runtime close error", "err", err)
		}
	}()

	slog.Info("sentinel starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"store", cfg.Store.Backend,
		"threshold", cfg.Detection.ConfidenceThreshold,
		"consecutive_frames", cfg.Detection.ConsecutiveFrames,
		"providers", describeProviders(cfg),
	)

	var apiOpts []api.Option
	if rt.chat != nil {
		apiOpts = append(apiOpts, api.WithChat(rt.chat))
	}
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           newHandler(api.New(rt.engine, rt.monitor, apiOpts...), rt.store, tel.MetricsHandler(), met),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if cfg.Discord.Enabled() {
		bot, err := discord.New(gctx, discordConfig(cfg.Discord), rt.monitor, rt.store)
		if err != nil {
			stop()
			return errors.Join(err, g.Wait())
		}
		slog.Info("discord bot connected", "channel_id", cfg.Discord.ChannelID, "stream_id", cfg.Discord.StreamID)
		g.Go(func() error {
			defer func() {
				if err := bot.Close(); err != nil {
					slog.Warn("discord bot close error", "err", err)
				}
			}()
			if err := bot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("discord: %w", err)
			}
			return nil
		})
	}

	if watchInterval > 0 && configExists(configPath) {
		w, err := config.NewWatcher(configPath, reloader(rt.monitor, level), config.WithInterval(watchInterval))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	err = g.Wait()
	slog.Info("goodbye")
	return err
}

// newHandler composes the API, health probes and the Prometheus endpoint
// behind the metrics middleware.
func newHandler(s *api.Server, store memory.SessionStore, metrics http.Handler, met *observe.Metrics) http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)

	var checks []health.Checker
	if p, ok := store.(health.Pinger); ok {
		checks = append(checks, health.Ping("session_store", p))
	}
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", metrics)

	return observe.Middleware(met)(mux)
}

// reloader applies hot-reloadable config changes to the running server.
func reloader(mon *monitor.Monitor, level *slog.LevelVar) config.ChangeFunc {
	return func(_, _ *config.Config, d config.ConfigDiff) {
		if d.ThresholdChanged {
			old := mon.Threshold()
			if err := mon.SetThreshold(d.NewThreshold); err != nil {
				slog.Error("config reload: threshold rejected", "err", err)
			} else {
				slog.Info("config reload: threshold changed", "from", old, "to", d.NewThreshold)
			}
		}
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Level())
			slog.Info("config reload: log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config reload: changes take effect after restart", "keys", d.RestartRequired)
		}
	}
}

func discordConfig(d config.DiscordConfig) discord.Config {
	return discord.Config{
		Token:             d.Token,
		GuildID:           d.GuildID,
		ChannelID:         d.ChannelID,
		StreamID:          d.StreamID,
		OperatorRoleID:    d.OperatorRoleID,
		DashboardInterval: d.DashboardInterval,
	}
}

func configExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
