// Package catalog links every built-in agent into the binary. Import it for
// its side effects.
package catalog

import (
	_ "github.com/stake-plus/agentexec/src/agents/builder"
	_ "github.com/stake-plus/agentexec/src/agents/discordrelay"
	_ "github.com/stake-plus/agentexec/src/agents/heartbeat"
	_ "github.com/stake-plus/agentexec/src/agents/journal"
	_ "github.com/stake-plus/agentexec/src/agents/monitor"
	_ "github.com/stake-plus/agentexec/src/agents/threatintel"
)
