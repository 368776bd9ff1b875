package discordrelay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	channel string
	sent    []string
	err     error
}

func (f *fakeSender) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.channel = channelID
	f.sent = append(f.sent, content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func settings(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func TestRelaysSelectedEvents(t *testing.T) {
	sender := &fakeSender{}
	agent := NewAgent(sender)
	agent.BindRuntime(agentcore.RuntimeDeps{Settings: settings(map[string]string{
		"discord_channel_id":   "123",
		"discord_relay_events": "resource.alert",
	})})
	require.NoError(t, agent.Initialize(context.Background()))

	assert.True(t, agent.HandleEvent(context.Background(), bus.NewEvent("resource.alert", "cpu", map[string]any{"percent": 97.5})))
	assert.False(t, agent.HandleEvent(context.Background(), bus.NewEvent("agent.heartbeat", "hb", nil)))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "123", sender.channel)
	assert.Contains(t, sender.sent[0], "**resource.alert** from `cpu`")
	assert.Contains(t, sender.sent[0], "97.5")
	assert.EqualValues(t, 1, agent.Diagnose()["sent"])
}

func TestSendFailureIsCounted(t *testing.T) {
	agent := NewAgent(&fakeSender{err: errors.New("401")})
	agent.BindRuntime(agentcore.RuntimeDeps{Settings: settings(map[string]string{
		"discord_channel_id":   "1",
		"discord_relay_events": "*",
	})})
	require.NoError(t, agent.Initialize(context.Background()))

	assert.False(t, agent.HandleEvent(context.Background(), bus.NewEvent("anything", "", nil)))
	assert.EqualValues(t, 1, agent.Diagnose()["failed"])
}

func TestInitializeNeedsChannelAndToken(t *testing.T) {
	agent := NewAgent(nil)
	agent.BindRuntime(agentcore.RuntimeDeps{})
	assert.ErrorContains(t, agent.Initialize(context.Background()), "discord_channel_id")
	assert.False(t, agent.Heartbeat())
	assert.False(t, agent.HandleEvent(context.Background(), bus.NewEvent("resource.alert", "", nil)))

	agent = NewAgent(nil)
	agent.BindRuntime(agentcore.RuntimeDeps{Settings: settings(map[string]string{"discord_channel_id": "1"})})
	assert.ErrorContains(t, agent.Initialize(context.Background()), "discord_token")
}

func TestFormatTruncates(t *testing.T) {
	msg := Format(bus.NewEvent("big", "", map[string]any{"blob": strings.Repeat("x", 5000)}))
	assert.LessOrEqual(t, len(msg), maxMessageLen)
	assert.True(t, strings.HasSuffix(msg, "...\n```"), "the json fence is closed")
	assert.Equal(t, 2, strings.Count(msg, "```"))

	wide := Format(bus.NewEvent("wide", "", map[string]any{"blob": strings.Repeat("é", 3000)}))
	assert.LessOrEqual(t, len(wide), maxMessageLen)
	assert.True(t, utf8.ValidString(wide), "runes are not split")
	assert.True(t, strings.HasSuffix(wide, "...\n```"))
}
