// Command glyphoxa runs the healthcare-insurance voice agent gateway: it
// loads configuration, constructs the configured LLM/STT/TTS providers,
// assembles the [app.App], and serves the caller/observer sockets, the
// call-control webhook, and the health/metrics endpoints until an
// interrupt or terminate signal is received.
//
// Grounded on cmd/glyphoxa/main.go's run() structure: flag parsing,
// config.Load, a slog logger keyed off the configured log level, a
// provider registry built via buildProviders, an ASCII startup summary,
// signal.NotifyContext-driven lifecycle, and a timed graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/glyphoxa/internal/app"
	"github.com/MrWong99/glyphoxa/internal/config"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/anyllm"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/openai"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt/deepgram"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts/coqui"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts/elevenlabs"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "glyphoxa:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(*cfg, reg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	printStartupSummary(*cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, *cfg, *providers)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("glyphoxa: run loop exited with error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newLogger builds a slog.Logger writing text-formatted records to stderr
// at the level named by level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// registerBuiltinProviders registers every provider constructor this
// gateway ships with against reg, matching [config.ValidProviderNames].
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []openai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	for _, name := range []string{"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"} {
		name := name
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			opts := anyllmOptions(e)
			return anyllm.New(name, e.Model, opts...)
		})
	}

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{}
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{}
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		return coqui.New(e.BaseURL, coqui.WithOutputSampleRate(8000))
	})
}

// anyllmOptions translates the generic [config.ProviderEntry] fields into
// any-llm-go options shared by every anyllm-backed provider name.
func anyllmOptions(e config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return opts
}

// buildProviders constructs the three configured providers via reg.
func buildProviders(cfg config.Config, reg *config.Registry) (*app.Providers, error) {
	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	return &app.Providers{LLM: llmProvider, STT: sttProvider, TTS: ttsProvider}, nil
}

// printStartupSummary writes a fixed-width ASCII box summarizing the
// resolved configuration, mirroring the startup banner a human operator
// would watch for when bringing a new gateway instance online.
func printStartupSummary(cfg config.Config) {
	fmt.Println("+----------------------------------------------------+")
	fmt.Println("|            Glyphoxa Voice Agent Gateway             |")
	fmt.Println("+----------------------------------------------------+")
	printField("LLM provider", cfg.Providers.LLM.Name)
	printField("STT provider", cfg.Providers.STT.Name)
	printField("TTS provider", cfg.Providers.TTS.Name)
	printField("Dialog agents", fmt.Sprintf("%s, %s", cfg.Agents.Auth.Name, cfg.Agents.Intake.Name))
	printField("MCP servers", fmt.Sprintf("%d configured", len(cfg.MCP.Servers)))
	printField("Session backend", cfg.Session.Backend)
	printField("Caller listen", cfg.Server.CallerListenAddr)
	printField("Observer listen", cfg.Server.ObserverListenAddr)
	printField("Call-control listen", cfg.Server.CallControlListenAddr)
	printField("Health listen", cfg.Server.HealthListenAddr)
	fmt.Println("+----------------------------------------------------+")
}

func printField(label, value string) {
	if len(value) > 19 {
		value = value[:19]
	}
	fmt.Printf("| %-20s %-31s|\n", label+":", value)
}
