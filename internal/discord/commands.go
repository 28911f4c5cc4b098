package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/sentinel/pkg/memory"
)

// Controller is the monitor surface used by the slash commands.
// [*monitor.Monitor] implements it.
type Controller interface {
	StatusSource
	SetThreshold(t float64) error
	Active(streamID string) (sessionID, questionID string, ok bool)
}

// Defaults of /sentinel history.
const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 25
)

// Commands implements the /sentinel slash command:
//
//	/sentinel status               monitor state as an embed
//	/sentinel threshold value:<n>  change the detection threshold (operators)
//	/sentinel history [limit]      recent turns of the running check, or of
//	                               all sessions when none is running
type Commands struct {
	ctrl     Controller
	store    memory.SessionStore
	stats    *Stats
	perms    *PermissionChecker
	streamID string
	started  time.Time
}

// CommandsConfig holds the dependencies of [Commands].
type CommandsConfig struct {
	Controller  Controller
	Store       memory.SessionStore
	Stats       *Stats
	Permissions *PermissionChecker
	StreamID    string
}

// NewCommands creates the command handlers.
func NewCommands(cfg CommandsConfig) *Commands {
	perms := cfg.Permissions
	if perms == nil {
		perms = NewPermissionChecker("")
	}
	return &Commands{
		ctrl:     cfg.Controller,
		store:    cfg.Store,
		stats:    cfg.Stats,
		perms:    perms,
		streamID: cfg.StreamID,
		started:  time.Now(),
	}
}

// Register adds the command and its subcommands to r.
func (c *Commands) Register(r *CommandRouter) {
	r.RegisterCommand("sentinel/status", c.definition(), c.handleStatus)
	r.RegisterHandler("sentinel/threshold", c.handleThreshold)
	r.RegisterHandler("sentinel/history", c.handleHistory)
}

func (c *Commands) definition() *discordgo.ApplicationCommand {
	minThreshold := 0.0
	return &discordgo.ApplicationCommand{
		Name:        "sentinel",
		Description: "Presence monitor",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the monitor state",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "threshold",
				Description: "Change the detection confidence threshold",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:        discordgo.ApplicationCommandOptionNumber,
					Name:        "value",
					Description: "New threshold between 0 and 1",
					Required:    true,
					MinValue:    &minThreshold,
					MaxValue:    1,
				}},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "history",
				Description: "Show recent conversation turns",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "limit",
					Description: fmt.Sprintf("Number of turns (default %d)", defaultHistoryLimit),
				}},
			},
		},
	}
}

// subOptions returns the options of the invoked subcommand by name.
func subOptions(i *discordgo.InteractionCreate) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption)
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return out
	}
	for _, o := range data.Options[0].Options {
		out[o.Name] = o
	}
	return out
}

func (c *Commands) handleStatus(s Responder, i *discordgo.InteractionCreate) {
	var snap Snapshot
	if c.stats != nil {
		snap = c.stats.Snapshot()
	}
	RespondEmbed(s, i, buildEmbed(c.ctrl, snap, time.Since(c.started), false))
}

func (c *Commands) handleThreshold(s Responder, i *discordgo.InteractionCreate) {
	if !c.perms.IsOperator(i) {
		RespondEphemeral(s, i, "Only operators can change the threshold.")
		return
	}
	opt, ok := subOptions(i)["value"]
	if !ok {
		RespondError(s, i, errors.New("value is required"))
		return
	}
	old := c.ctrl.Threshold()
	if err := c.ctrl.SetThreshold(opt.FloatValue()); err != nil {
		RespondError(s, i, err)
		return
	}
	RespondEphemeral(s, i, fmt.Sprintf("Threshold changed from %.2f to %.2f.", old, c.ctrl.Threshold()))
}

func (c *Commands) handleHistory(s Responder, i *discordgo.InteractionCreate) {
	limit := defaultHistoryLimit
	if opt, ok := subOptions(i)["limit"]; ok {
		limit = min(max(int(opt.IntValue()), 1), maxHistoryLimit)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		turns []memory.Turn
		err   error
		title string
	)
	if sessionID, _, ok := c.ctrl.Active(c.streamID); ok {
		title = "Running check " + sessionID
		turns, err = c.store.RecentTurns(ctx, sessionID, limit)
	} else if hr, ok := c.store.(memory.HistoryReader); ok {
		title = "Latest turns"
		turns, err = hr.LatestTurns(ctx, limit)
	} else {
		RespondEphemeral(s, i, "No safety check is running.")
		return
	}
	if err != nil {
		RespondError(s, i, err)
		return
	}
	RespondEphemeral(s, i, formatTurns(title, turns))
}

// formatTurns renders turns (newest first) oldest first.
func formatTurns(title string, turns []memory.Turn) string {
	if len(turns) == 0 {
		return title + ": no turns recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", title)
	for idx := len(turns) - 1; idx >= 0; idx-- {
		t := turns[idx]
		fmt.Fprintf(&b, "`%s` %s: %s\n", t.Timestamp.Format("15:04:05"), t.Role, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
