package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/sentinel/internal/monitor"
)

// Embed sidebar colors.
const (
	embedColorGreen = 0x2ECC71
	embedColorAmber = 0xF1C40F
	embedColorRed   = 0xE74C3C
)

// defaultInterval is the default dashboard update interval.
const defaultInterval = 30 * time.Second

// EmbedSender is the subset of [discordgo.Session] the dashboard needs.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// StatusSource provides the live monitor state shown on the dashboard.
// [*monitor.Monitor] implements it.
type StatusSource interface {
	Threshold() float64
	ActiveConversations() int
	Streams() []monitor.StreamStatus
}

// Dashboard keeps one embed in the channel up to date with the monitor's
// state. The embed is created on the first update and edited in place
// afterwards.
//
// Thread-safe for concurrent use.
type Dashboard struct {
	mu        sync.Mutex
	sender    EmbedSender
	channelID string
	messageID string
	interval  time.Duration
	source    StatusSource
	stats     *Stats
	started   time.Time
}

// DashboardConfig holds dependencies for creating a Dashboard.
type DashboardConfig struct {
	Sender    EmbedSender
	ChannelID string
	Interval  time.Duration // Default: 30 seconds
	Source    StatusSource
	Stats     *Stats
}

// NewDashboard creates a Dashboard.
func NewDashboard(cfg DashboardConfig) *Dashboard {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Dashboard{
		sender:    cfg.Sender,
		channelID: cfg.ChannelID,
		interval:  interval,
		source:    cfg.Source,
		stats:     cfg.Stats,
		started:   time.Now(),
	}
}

// Run updates the embed every interval until ctx is done, then posts a
// final "offline" version.
func (d *Dashboard) Run(ctx context.Context) error {
	d.update(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.update(true)
			return nil
		case <-ticker.C:
			d.update(false)
		}
	}
}

func (d *Dashboard) update(final bool) {
	var snap Snapshot
	if d.stats != nil {
		snap = d.stats.Snapshot()
	}
	embed := buildEmbed(d.source, snap, time.Since(d.started), final)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.messageID == "" {
		if final {
			return
		}
		msg, err := d.sender.ChannelMessageSendEmbed(d.channelID, embed)
		if err != nil {
			slog.Warn("dashboard: failed to create embed message", "channel", d.channelID, "err", err)
			return
		}
		d.messageID = msg.ID
		slog.Debug("dashboard: created embed message", "message_id", msg.ID, "channel", d.channelID)
		return
	}
	if _, err := d.sender.ChannelMessageEditEmbed(d.channelID, d.messageID, embed); err != nil {
		slog.Warn("dashboard: failed to edit embed message", "message_id", d.messageID, "err", err)
	}
}

// buildEmbed renders the monitor state. The color is green while idle,
// amber while any conversation runs and red once the monitor went offline.
func buildEmbed(src StatusSource, snap Snapshot, uptime time.Duration, final bool) *discordgo.MessageEmbed {
	active := src.ActiveConversations()
	fields := []*discordgo.MessageEmbedField{
		{Name: "Threshold", Value: fmt.Sprintf("%.2f", src.Threshold()), Inline: true},
		{Name: "Active conversations", Value: fmt.Sprintf("%d", active), Inline: true},
		{Name: "Uptime", Value: formatDuration(uptime), Inline: true},
		{Name: "Frames", Value: fmt.Sprintf("%d (%d undecodable)", snap.Frames, snap.DecodeErrors), Inline: true},
		{Name: "Confirmations", Value: fmt.Sprintf("%d", snap.Confirmations), Inline: true},
		{Name: "Safety checks", Value: fmt.Sprintf("%d started, %d completed", snap.Started, snap.Completed), Inline: true},
	}
	if snap.Errors > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Errors", Value: fmt.Sprintf("%d", snap.Errors), Inline: true})
	}
	if snap.Replies.P50 > 0 || snap.Replies.P95 > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Reply latency",
			Value: fmt.Sprintf("p50=%s p95=%s", formatMs(snap.Replies.P50), formatMs(snap.Replies.P95)),
		})
	}
	if streams := formatStreams(src.Streams()); streams != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Streams", Value: streams})
	}

	embed := &discordgo.MessageEmbed{
		Title:     "Sentinel",
		Color:     embedColorGreen,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: "Monitoring"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	switch {
	case final:
		embed.Color = embedColorRed
		embed.Description = "Monitor stopped."
		embed.Footer.Text = "Offline"
	case active > 0:
		embed.Color = embedColorAmber
		embed.Footer.Text = "Safety check in progress"
	}
	return embed
}

// formatStreams renders one line per stream inside a code block.
func formatStreams(streams []monitor.StreamStatus) string {
	if len(streams) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("```\n")
	for _, s := range streams {
		fmt.Fprintf(&b, "%s  %s", s.Stream, s.Window)
		if s.QuestionID != "" {
			fmt.Fprintf(&b, "  awaiting %s", s.QuestionID)
		}
		b.WriteByte('\n')
	}
	b.WriteString("```")
	return b.String()
}

// formatMs formats a duration as milliseconds with one decimal place.
func formatMs(d time.Duration) string {
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
