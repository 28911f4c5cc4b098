package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/sentinel/internal/conversation"
	"github.com/MrWong99/sentinel/internal/monitor"
)

// answerPrefix starts the custom_id of the yes/no buttons attached to
// boolean questions: "answer:<question_id>:<yes|no>".
const answerPrefix = "answer:"

// MessageSender is the subset of [discordgo.Session] used to post messages.
type MessageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Replier forwards operator replies to a stream's conversation.
// [*monitor.Monitor] implements it.
type Replier interface {
	Reply(ctx context.Context, streamID, text string) (conversation.Response, error)
	Active(streamID string) (sessionID, questionID string, ok bool)
}

// Relay connects one Discord channel to one monitor stream. Conversation
// events of the stream are posted to the channel; messages written in the
// channel are answers to the pending question.
type Relay struct {
	sender    MessageSender
	replier   Replier
	stats     *Stats
	channelID string
	streamID  string
	selfID    string
}

// RelayConfig holds the dependencies of a [Relay].
type RelayConfig struct {
	Sender    MessageSender
	Replier   Replier
	Stats     *Stats
	ChannelID string
	StreamID  string

	// SelfID is the bot's user id. The bot's own messages are ignored.
	SelfID string
}

// NewRelay creates a Relay.
func NewRelay(cfg RelayConfig) *Relay {
	return &Relay{
		sender:    cfg.Sender,
		replier:   cfg.Replier,
		stats:     cfg.Stats,
		channelID: cfg.ChannelID,
		streamID:  cfg.StreamID,
		selfID:    cfg.SelfID,
	}
}

// HandleMessage routes a channel message to the stream's conversation. The
// response is not posted here; it arrives through the event feed like
// every other conversation response. Only an idle response, which the
// monitor does not publish, is answered directly.
func (r *Relay) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == r.selfID {
		return
	}
	if m.ChannelID != r.channelID {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	resp, err := r.reply(ctx, m.Author.ID, text)
	if err == nil && resp.Action == conversation.ActionIdle {
		r.send(&discordgo.MessageSend{Content: "No safety check is running right now."})
	}
}

// HandleAnswerButton answers a boolean question from its yes/no buttons.
// A click on a question that is no longer pending is rejected.
func (r *Relay) HandleAnswerButton(ctx context.Context, s Responder, i *discordgo.InteractionCreate) {
	questionID, answer, ok := parseAnswerID(i.MessageComponentData().CustomID)
	if !ok {
		RespondEphemeral(s, i, "Unknown answer.")
		return
	}
	if _, pending, active := r.replier.Active(r.streamID); !active || pending != questionID {
		RespondEphemeral(s, i, "This question is no longer open.")
		return
	}

	var userID string
	switch {
	case i.Member != nil && i.Member.User != nil:
		userID = i.Member.User.ID
	case i.User != nil:
		userID = i.User.ID
	}
	if _, err := r.reply(ctx, userID, answer); err != nil {
		RespondError(s, i, err)
		return
	}
	content := answer
	if i.Message != nil {
		content = fmt.Sprintf("%s\nAnswered: **%s**", i.Message.Content, answer)
	}
	UpdateMessage(s, i, content)
}

func (r *Relay) reply(ctx context.Context, author, text string) (conversation.Response, error) {
	start := time.Now()
	resp, err := r.replier.Reply(ctx, r.streamID, text)
	if r.stats != nil {
		r.stats.RecordReply(time.Since(start))
	}
	if err != nil {
		slog.Warn("discord: reply failed", "stream", r.streamID, "author", author, "err", err)
	}
	return resp, err
}

// Run posts hub events of the relay's stream until ctx is done or the
// subscription closes.
func (r *Relay) Run(ctx context.Context, sub *monitor.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.Stream != r.streamID {
				continue
			}
			if r.stats != nil {
				r.stats.Observe(ev)
			}
			if msg := buildMessage(ev); msg != nil {
				r.send(msg)
			}
		}
	}
}

func (r *Relay) send(msg *discordgo.MessageSend) {
	if _, err := r.sender.ChannelMessageSendComplex(r.channelID, msg); err != nil {
		slog.Warn("discord: failed to post message", "channel", r.channelID, "err", err)
	}
}

// buildMessage renders ev, attaching yes/no buttons to boolean questions.
func buildMessage(ev monitor.Event) *discordgo.MessageSend {
	text := FormatEvent(ev)
	if text == "" {
		return nil
	}
	msg := &discordgo.MessageSend{Content: text}
	if resp := ev.Conversation; resp.Action == conversation.ActionAsk && resp.QuestionType == conversation.Boolean {
		msg.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Yes", Style: discordgo.SuccessButton, CustomID: answerID(resp.QuestionID, "yes")},
				discordgo.Button{Label: "No", Style: discordgo.DangerButton, CustomID: answerID(resp.QuestionID, "no")},
			}},
		}
	}
	return msg
}

func answerID(questionID, answer string) string {
	return answerPrefix + questionID + ":" + answer
}

func parseAnswerID(customID string) (questionID, answer string, ok bool) {
	rest, found := strings.CutPrefix(customID, answerPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", "", false
	}
	questionID, answer = rest[:i], rest[i+1:]
	return questionID, answer, answer == "yes" || answer == "no"
}

// FormatEvent renders the channel message for ev. Frame events and idle
// responses render as "". The first question of a check names the stream
// that triggered it.
func FormatEvent(ev monitor.Event) string {
	if ev.Type != monitor.EventConversation || ev.Conversation == nil {
		return ""
	}
	text := FormatResponse(*ev.Conversation)
	if text != "" && ev.Conversation.Action == conversation.ActionAsk && ev.Conversation.Step == 1 {
		text = fmt.Sprintf("Person detected on **%s**. Starting safety check.\n%s", ev.Stream, text)
	}
	return text
}

// FormatResponse renders a conversation response as a chat message.
func FormatResponse(resp conversation.Response) string {
	switch resp.Action {
	case conversation.ActionAsk:
		var b strings.Builder
		fmt.Fprintf(&b, "**Question %d/%d:** %s", resp.Step, resp.TotalSteps, resp.Question)
		switch {
		case resp.QuestionType == conversation.Boolean:
			b.WriteString(" _(yes/no)_")
		case !resp.Required:
			b.WriteString(" _(optional)_")
		}
		return b.String()
	case conversation.ActionComplete:
		return fmt.Sprintf("%s\n%s", resp.Summary, resp.Message)
	case conversation.ActionError:
		return "Safety check error: " + resp.Error
	}
	return ""
}
