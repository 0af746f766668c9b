// Package config provides the configuration schema, loader, and provider
// registry for the Glyphoxa voice agent gateway.
package config

import "time"

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Agents    AgentsConfig    `yaml:"agents"`
	Session   SessionConfig   `yaml:"session"`
	MCP       MCPConfig       `yaml:"mcp"`
	DTMF      DTMFConfig      `yaml:"dtmf"`
}

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// ServerConfig holds network and logging settings for the gateway process.
type ServerConfig struct {
	// CallerListenAddr is the TCP address the caller audio WebSocket listens on.
	CallerListenAddr string `yaml:"caller_listen_addr"`

	// ObserverListenAddr is the TCP address the observer relay WebSocket listens on.
	ObserverListenAddr string `yaml:"observer_listen_addr"`

	// CallControlListenAddr is the TCP address the call-control webhook listens on.
	CallControlListenAddr string `yaml:"call_control_listen_addr"`

	// HealthListenAddr is the TCP address the health/readiness endpoints listen on.
	HealthListenAddr string `yaml:"health_listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// ObserverOrigins lists the allowed CORS origins for the observer relay socket.
	// Empty means same-origin only.
	ObserverOrigins []string `yaml:"observer_origins"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// BudgetTier constrains which MCP tools are offered to an agent's LLM calls
// based on the tool's declared/measured latency.
type BudgetTier string

const (
	BudgetFast     BudgetTier = "fast"
	BudgetStandard BudgetTier = "standard"
	BudgetDeep     BudgetTier = "deep"
)

// IsValid reports whether t is a recognised budget tier.
func (t BudgetTier) IsValid() bool {
	switch t {
	case BudgetFast, BudgetStandard, BudgetDeep:
		return true
	default:
		return false
	}
}

// AgentsConfig describes the two stages of the call dialog: the
// authentication agent (Stage 1) and the main intake agent (Stage 2).
type AgentsConfig struct {
	Auth   AgentConfig `yaml:"auth"`
	Intake AgentConfig `yaml:"intake"`
}

// AgentConfig describes a single dialog agent's persona, voice, and tool
// access.
type AgentConfig struct {
	// Name is the agent's identifier, used as the Histories/context-manager key.
	Name string `yaml:"name"`

	// SystemPrompt is the base instruction injected as the leading history
	// entry (kind=system) on every turn; templated with live slot values.
	SystemPrompt string `yaml:"system_prompt"`

	// Voice configures the TTS voice profile for this agent.
	Voice VoiceConfig `yaml:"voice"`

	// Tools lists MCP tool names this agent is permitted to invoke.
	Tools []string `yaml:"tools"`

	// BudgetTier constrains which tools are offered to the LLM based on latency.
	BudgetTier BudgetTier `yaml:"budget_tier"`
}

// VoiceConfig specifies the TTS voice parameters for an agent.
type VoiceConfig struct {
	// Provider is the TTS provider name (e.g., "elevenlabs", "coqui").
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// PitchShift adjusts pitch in the range [-10, +10]. 0 means default.
	PitchShift float64 `yaml:"pitch_shift"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 1.0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// SessionConfig holds settings for the session store.
type SessionConfig struct {
	// Backend selects the store implementation. Valid values: "memory", "postgres".
	Backend string `yaml:"backend"`

	// PostgresDSN is the connection string for the durable session mirror.
	// Required when Backend is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`

	// DefaultTTL is parsed from the config file but not read by the gateway:
	// Persist calls pass a zero ttl and no session record expires.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// MCPConfig holds the list of Model Context Protocol servers to connect to,
// in addition to the built-in healthcare tool catalogue.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// Transport specifies how an MCP server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	default:
		return false
	}
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// DTMFConfig tunes the DTMF validation lifecycle.
type DTMFConfig struct {
	// MaxDigits is checked to be non-negative but is not passed to the DTMF
	// lifecycle; an attempt completes once as many digits as the expected
	// sequence holds have been entered.
	MaxDigits int `yaml:"max_digits"`

	// CollectTimeout bounds the gap between digits in the collecting_digits
	// state; a digit arriving after a longer gap fails the current attempt,
	// and the lifecycle fails only once its attempts are used up.
	CollectTimeout time.Duration `yaml:"collect_timeout"`

	// ValidationPattern must compile as a regular expression. The DTMF
	// lifecycle uses it only when it consists solely of ASCII digits, as the
	// literal sequence the caller must enter; any other value is not matched
	// as a pattern and leaves the call with an empty expected sequence.
	ValidationPattern string `yaml:"validation_pattern"`
}
