// Package discord is the Discord chat transport of Sentinel. The bot watches
// one text channel on behalf of one monitor stream: safety questions are
// posted there, channel messages and yes/no buttons answer them, and a live
// dashboard embed shows the monitor state. The /sentinel slash command
// exposes status, threshold and history.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sentinel/internal/monitor"
	"github.com/MrWong99/sentinel/pkg/memory"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID scopes slash command registration. Empty registers them
	// globally.
	GuildID string

	// ChannelID is the text channel the bot converses in.
	ChannelID string

	// StreamID is the monitor stream whose conversations are relayed.
	StreamID string

	// OperatorRoleID is the role allowed to change the threshold. Empty
	// allows everyone.
	OperatorRoleID string

	// DashboardInterval is the embed refresh interval. Zero disables the
	// dashboard.
	DashboardInterval time.Duration
}

// Bot owns the Discord gateway connection and wires the relay, commands
// and dashboard to it.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	cfg       Config
	mon       *monitor.Monitor
	router    *CommandRouter
	relay     *Relay
	stats     *Stats
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New connects to Discord and registers the message and interaction
// handlers.
func New(_ context.Context, cfg Config, mon *monitor.Monitor, store memory.SessionStore) (*Bot, error) {
	if cfg.ChannelID == "" {
		return nil, errors.New("discord: channel id must not be empty")
	}
	if mon == nil {
		return nil, errors.New("discord: monitor must not be nil")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	stats := NewStats(0)
	b := &Bot{
		session: session,
		cfg:     cfg,
		mon:     mon,
		router:  NewCommandRouter(),
		stats:   stats,
		relay: NewRelay(RelayConfig{
			Sender:    session,
			Replier:   mon,
			Stats:     stats,
			ChannelID: cfg.ChannelID,
			StreamID:  cfg.StreamID,
			SelfID:    session.State.User.ID,
		}),
	}

	NewCommands(CommandsConfig{
		Controller:  mon,
		Store:       store,
		Stats:       stats,
		Permissions: NewPermissionChecker(cfg.OperatorRoleID),
		StreamID:    cfg.StreamID,
	}).Register(b.router)
	b.router.RegisterComponentPrefix(answerPrefix, func(s Responder, i *discordgo.InteractionCreate) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.relay.HandleAnswerButton(ctx, s, i)
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.relay.HandleMessage(ctx, m.Message)
	})

	return b, nil
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Run registers slash commands, relays hub events to the channel and keeps
// the dashboard fresh until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.cfg.GuildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	g, ctx := errgroup.WithContext(ctx)
	sub := b.mon.Hub().Subscribe()
	g.Go(func() error { return b.relay.Run(ctx, sub) })
	if b.cfg.DashboardInterval > 0 {
		d := NewDashboard(DashboardConfig{
			Sender:    b.session,
			ChannelID: b.cfg.ChannelID,
			Interval:  b.cfg.DashboardInterval,
			Source:    b.mon,
			Stats:     b.stats,
		})
		g.Go(func() error { return d.Run(ctx) })
	}
	slog.Info("discord relay started", "channel", b.cfg.ChannelID, "stream", b.cfg.StreamID)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close unregisters the slash commands and disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.cfg.GuildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		slog.Info("discord bot closed")
	})
	return closeErr
}
