package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/sentinel/internal/discord/mock"
)

func TestPermissionChecker_IsOperator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		roleID string
		inter  *discordgo.InteractionCreate
		want   bool
	}{
		{
			name:   "member with operator role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				Member: &discordgo.Member{Roles: []string{"role-456", "role-123"}},
			}},
			want: true,
		},
		{
			name:   "member without operator role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				Member: &discordgo.Member{Roles: []string{"role-456"}},
			}},
			want: false,
		},
		{
			name:   "no role configured allows all",
			roleID: "",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				Member: &discordgo.Member{},
			}},
			want: true,
		},
		{
			name:   "direct message is never privileged",
			roleID: "role-123",
			inter:  &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewPermissionChecker(tt.roleID).IsOperator(tt.inter); got != tt.want {
				t.Errorf("IsOperator() = %v, want %v", got, tt.want)
			}
		})
	}
}

func noop(Responder, *discordgo.InteractionCreate) {}

func TestCommandRouter_ApplicationCommands_Dedup(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	cmd := &discordgo.ApplicationCommand{Name: "sentinel"}
	r.RegisterCommand("sentinel/status", cmd, noop)
	r.RegisterCommand("sentinel/history", cmd, noop)
	r.RegisterHandler("sentinel/threshold", noop)

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 || cmds[0].Name != "sentinel" {
		t.Fatalf("ApplicationCommands() = %v, want one deduplicated sentinel command", cmds)
	}
}

func commandInteraction(name, sub string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	data := discordgo.ApplicationCommandInteractionData{Name: name}
	if sub != "" {
		data.Options = []*discordgo.ApplicationCommandInteractionDataOption{{
			Name:    sub,
			Type:    discordgo.ApplicationCommandOptionSubCommand,
			Options: opts,
		}}
	}
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionApplicationCommand,
		Data: data,
	}}
}

func componentInteraction(customID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionMessageComponent,
		Data:    discordgo.MessageComponentInteractionData{CustomID: customID},
		Message: &discordgo.Message{Content: "**Question 2/3:** Are safety protocols confirmed?"},
		Member:  &discordgo.Member{User: &discordgo.User{ID: "user-1"}},
	}}
}

func TestCommandRouter_Handle(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got []string
	r.RegisterHandler("sentinel/status", func(Responder, *discordgo.InteractionCreate) { got = append(got, "status") })
	r.RegisterComponent("exact", func(Responder, *discordgo.InteractionCreate) { got = append(got, "exact") })
	r.RegisterComponentPrefix("answer:", func(Responder, *discordgo.InteractionCreate) { got = append(got, "prefix") })

	resp := &mock.InteractionResponder{}
	r.Handle(resp, commandInteraction("sentinel", "status"))
	r.Handle(resp, componentInteraction("exact"))
	r.Handle(resp, componentInteraction("answer:q1:yes"))

	want := []string{"status", "exact", "prefix"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(resp.Responses) != 0 {
		t.Errorf("router responded itself: %d responses", len(resp.Responses))
	}
}

func TestCommandRouter_UnknownRespondsEphemeral(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	resp := &mock.InteractionResponder{}
	r.Handle(resp, commandInteraction("sentinel", "nope"))
	r.Handle(resp, componentInteraction("nope"))

	if len(resp.Responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(resp.Responses))
	}
	for _, got := range resp.Responses {
		if got.Data.Flags != discordgo.MessageFlagsEphemeral {
			t.Errorf("response %q is not ephemeral", got.Data.Content)
		}
	}
}
