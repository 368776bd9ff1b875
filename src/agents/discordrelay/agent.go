package discordrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/bus"
)

const (
	Module = "agents.notify.discord_agent"
	Class  = "DiscordRelayAgent"
)

// Discord rejects messages longer than this.
const maxMessageLen = 2000

func init() {
	agentcore.RegisterModule(Module, Class, func() (agentcore.Agent, error) {
		return NewAgent(nil), nil
	})
}

// Sender is the part of *discordgo.Session the relay uses.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Agent forwards selected bus events to a Discord channel.
type Agent struct {
	deps      agentcore.RuntimeDeps
	sender    Sender
	channelID string
	events    map[string]bool

	sent   atomic.Int64
	failed atomic.Int64
}

// NewAgent builds a relay. A nil sender is replaced by a discordgo session
// during Initialize.
func NewAgent(sender Sender) *Agent {
	return &Agent{sender: sender, events: map[string]bool{}}
}

// BindRuntime implements agentcore.RuntimeBinder.
func (a *Agent) BindRuntime(deps agentcore.RuntimeDeps) { a.deps = deps }

// Initialize reads discord_channel_id, discord_relay_events and, when no
// sender was injected, discord_token.
func (a *Agent) Initialize(context.Context) error {
	a.channelID = strings.TrimSpace(a.deps.Setting("discord_channel_id"))
	events := a.deps.Setting("discord_relay_events")
	if events == "" {
		events = "resource.alert,threat.indicator,registry.updated"
	}
	for _, ev := range strings.Split(events, ",") {
		if ev = strings.TrimSpace(ev); ev != "" {
			a.events[ev] = true
		}
	}
	if a.channelID == "" {
		return errors.New("discordrelay: discord_channel_id not configured")
	}
	if a.sender != nil {
		return nil
	}
	token := strings.TrimSpace(a.deps.Setting("discord_token"))
	if token == "" {
		return errors.New("discordrelay: discord_token not configured")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("discordrelay: session: %w", err)
	}
	if a.deps.HTTP != nil {
		session.Client = a.deps.HTTP
	}
	a.sender = session
	return nil
}

// HandleEvent posts matching events. It reports false for events it does not
// relay or could not send.
func (a *Agent) HandleEvent(ctx context.Context, event bus.Event) bool {
	if a.sender == nil || a.channelID == "" {
		return false
	}
	if !a.events[event.Type] && !a.events[bus.Wildcard] {
		return false
	}
	if _, err := a.sender.ChannelMessageSend(a.channelID, Format(event), discordgo.WithContext(ctx)); err != nil {
		a.failed.Add(1)
		if a.deps.Logger != nil {
			a.deps.Logger.Printf("discord relay %s: %v", event.Type, err)
		}
		return false
	}
	a.sent.Add(1)
	return true
}

// Diagnose implements agentcore.HealthReporter.
func (a *Agent) Diagnose() map[string]any {
	events := make([]string, 0, len(a.events))
	for ev := range a.events {
		events = append(events, ev)
	}
	sort.Strings(events)
	return map[string]any{
		"channel_id": a.channelID,
		"events":     events,
		"sent":       a.sent.Load(),
		"failed":     a.failed.Load(),
		"connected":  a.sender != nil,
	}
}

// Heartbeat reports whether the relay can send.
func (a *Agent) Heartbeat() bool { return a.sender != nil && a.channelID != "" }

// Format renders an event as a Discord message.
func Format(event bus.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**", event.Type)
	if event.SourceAgent != "" {
		fmt.Fprintf(&b, " from `%s`", event.SourceAgent)
	}
	fenceAt := -1
	if len(event.Data) > 0 {
		raw, err := json.MarshalIndent(event.Data, "", "  ")
		if err == nil {
			fenceAt = b.Len()
			fmt.Fprintf(&b, "\n```json\n%s\n```", raw)
		}
	}
	out := b.String()
	if len(out) > maxMessageLen {
		// Truncated output keeps whole runes and a closed code block.
		const closing = "\n...\n```"
		cut := maxMessageLen - len(closing)
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		if fenceAt >= 0 && cut > fenceAt {
			out = out[:cut] + closing
		} else {
			out = out[:cut] + "\n..."
		}
	}
	return out
}
