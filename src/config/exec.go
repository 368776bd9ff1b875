package config

import (
	"strings"
	"time"

	"github.com/stake-plus/agentexec/src/registry"
)

// ExecConfig configures the agent host process.
type ExecConfig struct {
	RegistryPath  string
	WorkspaceRoot string
	StopTimeout   time.Duration
	BusBuffer     int
	WatchRegistry bool
	HTTPTimeout   time.Duration

	Redis   RedisConfig
	Discord DiscordConfig
	API     APIConfig
	Journal JournalConfig

	ThreatFeeds []string
}

// RedisConfig controls the Redis stream sink.
type RedisConfig struct {
	Enabled bool
	URL     string
	Stream  string
}

// DiscordConfig controls the Discord relay agent.
type DiscordConfig struct {
	Token     string
	ChannelID string
	Events    []string
}

// APIConfig controls the admin HTTP API.
type APIConfig struct {
	Enabled       bool
	Addr          string
	JWTSecret     string
	AdminPassHash string
	CORSOrigins   []string
	RatePerMinute int
	TLSCert       string
	TLSKey        string
}

// JournalConfig controls event persistence to MySQL.
type JournalConfig struct {
	Enabled bool
	Events  []string
}

// LoadExecConfig resolves settings (database cache first, then environment,
// then defaults). Call data.LoadSettings beforehand when a database is
// available.
func LoadExecConfig() ExecConfig {
	return ExecConfig{
		RegistryPath:  GetSetting("agents_registry_path", "AGENTS_REGISTRY", registry.DefaultPath),
		WorkspaceRoot: GetSetting("agents_workspace", "AGENTS_WORKSPACE", "."),
		StopTimeout:   getSecondsSetting("agents_stop_timeout", "AGENTS_STOP_TIMEOUT", 2*time.Second),
		BusBuffer:     getIntSetting("agents_bus_buffer", "AGENTS_BUS_BUFFER", 256),
		WatchRegistry: getBoolSetting("agents_watch_registry", "AGENTS_WATCH_REGISTRY", true),
		HTTPTimeout:   getSecondsSetting("agents_http_timeout_seconds", "AGENTS_HTTP_TIMEOUT", 30*time.Second),
		Redis: RedisConfig{
			Enabled: getBoolSetting("enable_redis_sink", "ENABLE_REDIS_SINK", false),
			URL:     GetSetting("redis_url", "REDIS_URL", "redis://localhost:6379/0"),
			Stream:  GetSetting("redis_stream", "REDIS_STREAM", "agentexec.events"),
		},
		Discord: DiscordConfig{
			Token:     GetSetting("discord_token", "DISCORD_TOKEN", ""),
			ChannelID: GetSetting("discord_channel_id", "DISCORD_CHANNEL_ID", ""),
			Events:    parseCSV(GetSetting("discord_relay_events", "DISCORD_RELAY_EVENTS", "resource.alert,threat.indicator,registry.updated")),
		},
		API: APIConfig{
			Enabled:       getBoolSetting("enable_api", "ENABLE_API", true),
			Addr:          GetSetting("api_addr", "API_ADDR", "127.0.0.1:8088"),
			JWTSecret:     GetSetting("jwt_secret", "JWT_SECRET", ""),
			AdminPassHash: GetSetting("admin_password_hash", "ADMIN_PASSWORD_HASH", ""),
			CORSOrigins:   parseCSV(GetSetting("api_cors_origins", "API_CORS_ORIGINS", "")),
			RatePerMinute: getIntSetting("api_rate_per_minute", "API_RATE_PER_MINUTE", 120),
			TLSCert:       GetSetting("api_tls_cert", "API_TLS_CERT", ""),
			TLSKey:        GetSetting("api_tls_key", "API_TLS_KEY", ""),
		},
		Journal: JournalConfig{
			Enabled: getBoolSetting("enable_journal", "ENABLE_JOURNAL", true),
			Events:  parseCSV(GetSetting("journal_events", "JOURNAL_EVENTS", "*")),
		},
		ThreatFeeds: parseCSV(GetSetting("threat_feeds", "THREAT_FEEDS", "")),
	}
}

// AgentSettings exposes the agent-facing parts of the config under the
// setting names agents read through RuntimeDeps.Setting. Empty values are
// left out so lookups fall through to GetSetting.
func (c ExecConfig) AgentSettings() map[string]string {
	out := map[string]string{}
	put := func(name, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out[name] = value
		}
	}
	put("discord_token", c.Discord.Token)
	put("discord_channel_id", c.Discord.ChannelID)
	put("discord_relay_events", strings.Join(c.Discord.Events, ","))
	put("journal_events", strings.Join(c.Journal.Events, ","))
	put("threat_feeds", strings.Join(c.ThreatFeeds, ","))
	return out
}
