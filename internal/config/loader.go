package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the dialog orchestrator will not be able to generate responses")
	}

	// Session
	switch cfg.Session.Backend {
	case "", "memory":
	case "postgres":
		if cfg.Session.PostgresDSN == "" {
			errs = append(errs, errors.New("session.postgres_dsn is required when session.backend is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("session.backend %q is invalid; valid values: memory, postgres", cfg.Session.Backend))
	}

	// Agents
	if cfg.Agents.Auth.Name == "" {
		errs = append(errs, errors.New("agents.auth.name is required"))
	}
	if cfg.Agents.Intake.Name == "" {
		errs = append(errs, errors.New("agents.intake.name is required"))
	}
	if cfg.Agents.Auth.Name != "" && cfg.Agents.Auth.Name == cfg.Agents.Intake.Name {
		errs = append(errs, fmt.Errorf("agents.auth.name and agents.intake.name must differ, both are %q", cfg.Agents.Auth.Name))
	}
	for _, a := range []struct {
		prefix string
		cfg    AgentConfig
	}{
		{"agents.auth", cfg.Agents.Auth},
		{"agents.intake", cfg.Agents.Intake},
	} {
		if a.cfg.BudgetTier != "" && !a.cfg.BudgetTier.IsValid() {
			errs = append(errs, fmt.Errorf("%s.budget_tier %q is invalid; valid values: fast, standard, deep", a.prefix, a.cfg.BudgetTier))
		}
		if a.cfg.Voice.SpeedFactor != 0 {
			if a.cfg.Voice.SpeedFactor < 0.5 || a.cfg.Voice.SpeedFactor > 2.0 {
				errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", a.prefix, a.cfg.Voice.SpeedFactor))
			}
		}
		if a.cfg.Voice.PitchShift < -10 || a.cfg.Voice.PitchShift > 10 {
			errs = append(errs, fmt.Errorf("%s.voice.pitch_shift %.2f is out of range [-10, 10]", a.prefix, a.cfg.Voice.PitchShift))
		}
		if a.cfg.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && a.cfg.Voice.Provider != cfg.Providers.TTS.Name {
			slog.Warn("agent voice provider does not match configured TTS provider",
				"agent", a.cfg.Name,
				"voice_provider", a.cfg.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}
	}

	// DTMF
	if cfg.DTMF.ValidationPattern != "" {
		if _, err := regexp.Compile(cfg.DTMF.ValidationPattern); err != nil {
			errs = append(errs, fmt.Errorf("dtmf.validation_pattern %q does not compile: %w", cfg.DTMF.ValidationPattern, err))
		}
	}
	if cfg.DTMF.MaxDigits < 0 {
		errs = append(errs, fmt.Errorf("dtmf.max_digits must be non-negative, got %d", cfg.DTMF.MaxDigits))
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
