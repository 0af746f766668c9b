// Package app wires together every component the gateway needs for one
// running process: the session store, the MCP tool host, the resilient
// provider wrappers, the call-event processor, the WebSocket router, and
// the HTTP servers that expose them.
//
// Grounded on internal/app/app.go's Providers/App struct split, its
// functional-Option injection points, and its New/Run/Shutdown lifecycle
// (multi-step init building closers in forward order, Run blocking on
// ctx.Done(), Shutdown running closers with a deadline) — trimmed from
// seven provider kinds and a per-NPC agent roster down to the three
// provider kinds and the fixed two-stage (auth, intake) dialog this
// gateway drives.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/glyphoxa/internal/callcontrol/dtmf"
	"github.com/MrWong99/glyphoxa/internal/callcontrol/eventproc"
	"github.com/MrWong99/glyphoxa/internal/callpipeline/turn"
	"github.com/MrWong99/glyphoxa/internal/config"
	"github.com/MrWong99/glyphoxa/internal/dialog/llmstream"
	"github.com/MrWong99/glyphoxa/internal/dialog/orchestrator"
	"github.com/MrWong99/glyphoxa/internal/health"
	"github.com/MrWong99/glyphoxa/internal/mcp"
	"github.com/MrWong99/glyphoxa/internal/mcp/mcphost"
	"github.com/MrWong99/glyphoxa/internal/mcp/tools/healthtools"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/internal/observer/hub"
	"github.com/MrWong99/glyphoxa/internal/resilience"
	"github.com/MrWong99/glyphoxa/internal/session"
	"github.com/MrWong99/glyphoxa/internal/transport/wsrouter"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// Providers holds the three provider instances the gateway drives a call
// with. Unlike the NPC-voice teacher's seven-kind roster (LLM, STT, TTS,
// S2S, Embeddings, VAD, Audio) this domain only speaks the cascaded
// STT-LLM-TTS pipeline: there is no speech-to-speech engine, no embeddings
// store, and no local VAD/audio-platform layer to wire.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// App owns every long-lived dependency for one running gateway process.
// Construct one with [New], start it with [Run], and release it with
// [Shutdown].
type App struct {
	cfg       config.Config
	providers Providers

	store   session.Store
	mcpHost mcp.Host

	hub       *hub.Hub
	processor *eventproc.Processor
	router    *wsrouter.Router

	health       *health.Handler
	metrics      *observe.Metrics
	otelShutdown func(context.Context) error

	servers []*managedServer

	dtmfMu  sync.Mutex
	dtmfSet map[string]*dtmf.Lifecycle

	closers  []func() error
	stopOnce sync.Once
}

// Option customizes [New]'s initialization. The zero value of every
// dependency is built from cfg; Options exist so tests can inject fakes
// without constructing a full config-driven stack.
type Option func(*App)

// WithSessionStore injects a pre-built session store, bypassing
// cfg.Session-driven construction.
func WithSessionStore(store session.Store) Option {
	return func(a *App) { a.store = store }
}

// WithMCPHost injects a pre-built MCP host, bypassing server registration
// and calibration.
func WithMCPHost(host mcp.Host) Option {
	return func(a *App) { a.mcpHost = host }
}

// New builds the full dependency graph described by cfg and providers,
// applying opts first so injected fakes short-circuit the corresponding
// init step.
func New(ctx context.Context, cfg config.Config, providers Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		dtmfSet:   make(map[string]*dtmf.Lifecycle),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.initSession(ctx); err != nil {
		return nil, fmt.Errorf("app: init session store: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp host: %w", err)
	}
	if err := a.initObserve(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	a.hub = hub.New()
	a.processor = eventproc.New(a.store, a.hub, noopCallControl{})
	a.registerCallControlHandlers()

	llmProvider := resilience.NewLLMFallback(providers.LLM, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	sttProvider := resilience.NewSTTFallback(providers.STT, cfg.Providers.STT.Name, resilience.FallbackConfig{})
	ttsProvider := resilience.NewTTSFallback(providers.TTS, cfg.Providers.TTS.Name, resilience.FallbackConfig{})

	a.router = &wsrouter.Router{
		Store:       a.store,
		Hub:         a.hub,
		STTProvider: sttProvider,
		TTSProvider: ttsProvider,
		Voice:       configVoiceProfile(cfg.Agents.Intake.Voice),
		SampleRate:  8000,
		STTConfig: stt.StreamConfig{
			SampleRate: 8000,
			Channels:   1,
			Language:   "en-US",
		},
		NewOrchestrator: a.newOrchestrator(llmProvider),
		StopWords:       []string{"goodbye", "hang up"},
		GreetText:       "Thanks for calling. Let's start by confirming who I'm speaking with.",
		GreetWait:       300 * time.Millisecond,
	}

	a.health = health.New(a.healthCheckers()...)

	if err := a.initServers(); err != nil {
		return nil, fmt.Errorf("app: init http servers: %w", err)
	}

	return a, nil
}

// newOrchestrator returns the wsrouter.Router.NewOrchestrator factory:
// a fresh two-stage Orchestrator bound to llmProvider, this App's MCP host,
// and sessionID, matching turn.Orchestrator.
func (a *App) newOrchestrator(llmProvider llm.Provider) func(sessionID string) turn.Orchestrator {
	runner := llmstream.NewHostAdapter(func(ctx context.Context, name, args string) (string, bool, error) {
		res, err := a.mcpHost.ExecuteTool(ctx, name, args)
		if err != nil {
			return "", false, err
		}
		return res.Content, res.IsError, nil
	})

	return func(sessionID string) turn.Orchestrator {
		return &orchestrator.Orchestrator{
			SessionID:  sessionID,
			Store:      a.store,
			LLM:        llmProvider,
			Tools:      runner,
			Hub:        a.hub,
			SampleRate: 8000,
			Auth: orchestrator.AgentDef{
				Name:   a.cfg.Agents.Auth.Name,
				Tools:  a.toolsFor(a.cfg.Agents.Auth),
				Prompt: authPrompt(a.cfg.Agents.Auth.SystemPrompt),
			},
			Intake: orchestrator.AgentDef{
				Name:   a.cfg.Agents.Intake.Name,
				Tools:  a.toolsFor(a.cfg.Agents.Intake),
				Prompt: intakePrompt(a.cfg.Agents.Intake.SystemPrompt),
			},
			CompletionDetector: detectIntakeCompletion,
		}
	}
}

// toolsFor resolves cfg.Tools (a list of names) against the tool catalogue
// available to cfg's budget tier, preserving the host's fastest-first
// ordering and silently dropping names the host does not (yet) serve.
func (a *App) toolsFor(cfg config.AgentConfig) []llm.ToolDefinition {
	tier := configBudgetTier(cfg.BudgetTier)
	available := a.mcpHost.AvailableTools(tier)

	wanted := make(map[string]bool, len(cfg.Tools))
	for _, name := range cfg.Tools {
		wanted[name] = true
	}

	defs := make([]llm.ToolDefinition, 0, len(cfg.Tools))
	for _, def := range available {
		if wanted[def.Name] {
			defs = append(defs, def)
		}
	}
	return defs
}

// authPrompt and intakePrompt build per-turn system prompts from the
// configured template. authPrompt returns the template unchanged;
// intakePrompt appends a line naming the caller and policy id read from the
// session's context. Grounded on hotctx/assembler.go's template-then-diff
// approach, simplified here to a plain append since this domain's prompts
// only ever need caller identity and policy id, not an arbitrary entity graph.
func authPrompt(template string) func(*session.Session) string {
	return func(sess *session.Session) string {
		return template
	}
}

func intakePrompt(template string) func(*session.Session) string {
	return func(sess *session.Session) string {
		name, _ := sess.Context[session.CtxCallerName].(string)
		policy, _ := sess.Context[session.CtxPolicyID].(string)
		return fmt.Sprintf("%s\n\nCaller: %s (policy %s).", template, name, policy)
	}
}

// detectIntakeCompletion ends the call once the intake agent records a
// successful schedule_appointment, refill_prescription, or
// escalate_emergency outcome.
func detectIntakeCompletion(toolName, resultJSON string) bool {
	var res struct {
		Scheduled bool   `json:"scheduled"`
		Escalated bool   `json:"escalated"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &res); err != nil {
		return false
	}
	switch toolName {
	case "schedule_appointment":
		return res.Scheduled
	case "refill_prescription":
		return res.Status == "submitted"
	case "escalate_emergency":
		return res.Escalated
	default:
		return false
	}
}

// initSession builds the configured session store, wrapped in a
// [session.MemoryGuard] so degraded-memory calls still complete rather
// than erroring out.
func (a *App) initSession(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Session.Backend {
	case "", "memory":
		a.store = session.NewMemoryGuard(session.NewKVStore())
		return nil
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Session.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres session store: %w", err)
		}
		a.addCloser(func() error {
			pool.Close()
			return nil
		})
		a.store = session.NewMemoryGuard(session.NewPostgresStore(pool))
		return nil
	default:
		return fmt.Errorf("unknown session backend %q", a.cfg.Session.Backend)
	}
}

// initMCP builds the MCP host (unless injected), registers the built-in
// healthcare tool catalogue, connects every configured external MCP
// server, and calibrates tool latencies.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost != nil {
		return nil
	}

	h := mcphost.New()
	a.addCloser(h.Close)
	a.mcpHost = h

	for _, tool := range healthtools.Tools() {
		if err := h.RegisterBuiltin(mcphost.BuiltinTool{
			Definition:  tool.Definition,
			Handler:     tool.Handler,
			DeclaredP50: tool.DeclaredP50,
			DeclaredMax: tool.DeclaredMax,
		}); err != nil {
			return fmt.Errorf("register builtin tool %q: %w", tool.Definition.Name, err)
		}
	}

	for _, srv := range a.cfg.MCP.Servers {
		if err := h.RegisterServer(ctx, mcp.ServerConfig{
			Name:      srv.Name,
			Transport: configTransport(srv.Transport),
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
	}

	if err := h.Calibrate(ctx); err != nil {
		slog.Warn("app: mcp calibration failed, using declared latencies", "error", err)
	}
	return nil
}

// initObserve wires the OpenTelemetry metrics/trace providers and the
// Metrics instrument set that the HTTP middleware and pipeline stages
// record against.
func (a *App) initObserve(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "glyphoxa-voice-gateway",
	})
	if err != nil {
		return err
	}
	a.otelShutdown = shutdown

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = metrics
	return nil
}

// addCloser registers fn to run during Shutdown, in the order registered.
func (a *App) addCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// configBudgetTier maps the YAML-facing [config.BudgetTier] to the
// runtime [types.BudgetTier] the MCP host and orchestrator use.
func configBudgetTier(tier config.BudgetTier) types.BudgetTier {
	switch tier {
	case config.BudgetFast:
		return types.BudgetFast
	case config.BudgetDeep:
		return types.BudgetDeep
	default:
		return types.BudgetStandard
	}
}

// configVoiceProfile maps a [config.VoiceConfig] to the runtime
// [types.VoiceProfile] a TTS session is constructed with.
func configVoiceProfile(vc config.VoiceConfig) types.VoiceProfile {
	return types.VoiceProfile{
		ID:          vc.VoiceID,
		Provider:    vc.Provider,
		PitchShift:  vc.PitchShift,
		SpeedFactor: vc.SpeedFactor,
	}
}

// configTransport maps a [config.Transport] to the string values
// [mcp.ServerConfig.Transport] expects ("stdio", "http", "sse").
// streamable-http is the only HTTP transport this gateway's config
// exposes today, so it always maps to "http".
func configTransport(t config.Transport) string {
	if t == config.TransportStreamableHTTP {
		return "http"
	}
	return "stdio"
}

// validDigits reports whether buf is entirely ASCII digits, the shape
// cfg.DTMF.ValidationPattern is expected to describe. Full regular
// expression support for ValidationPattern is a documented follow-on; today
// it is interpreted as a literal expected digit sequence (see
// [dtmf.Config.Expected]).
var validDigits = regexp.MustCompile(`^[0-9]+$`)
