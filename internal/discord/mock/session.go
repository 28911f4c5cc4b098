// Package mock provides test doubles for the Discord session surfaces the
// transport uses.
package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
type InteractionResponder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// Err is returned by InteractionRespond when non-nil.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// Channel records messages and embeds posted to channels. Safe for
// concurrent use.
type Channel struct {
	mu sync.Mutex

	// Messages records every ChannelMessageSendComplex call.
	Messages []*discordgo.MessageSend

	// Embeds records created embeds; Edits records edited ones.
	Embeds []*discordgo.MessageEmbed
	Edits  []*discordgo.MessageEmbed

	// Err is returned by every method when non-nil.
	Err error

	next int
}

// ChannelMessageSendComplex records data.
func (m *Channel) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, data)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.message(channelID, data.Content), nil
}

// ChannelMessageSendEmbed records embed.
func (m *Channel) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Embeds = append(m.Embeds, embed)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.message(channelID, ""), nil
}

// ChannelMessageEditEmbed records embed as an edit.
func (m *Channel) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Edits = append(m.Edits, embed)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (m *Channel) message(channelID, content string) *discordgo.Message {
	m.next++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", m.next), ChannelID: channelID, Content: content}
}

// Contents returns the text of every posted message.
func (m *Channel) Contents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Messages))
	for i, msg := range m.Messages {
		out[i] = msg.Content
	}
	return out
}

// Snapshot returns copies of the recorded messages, embeds and edits.
func (m *Channel) Snapshot() (messages []*discordgo.MessageSend, embeds, edits []*discordgo.MessageEmbed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.MessageSend(nil), m.Messages...),
		append([]*discordgo.MessageEmbed(nil), m.Embeds...),
		append([]*discordgo.MessageEmbed(nil), m.Edits...)
}
