// Package orchestrator implements the two-stage dialog orchestrator: route
// each committed user turn to the auth agent until authentication succeeds,
// then to the intake agent for the remainder of the call, maintaining an
// independent history and templated system prompt per agent.
//
// Grounded almost directly on agent/orchestrator.Orchestrator's Route
// method: compute the routing decision, snapshot what downstream I/O needs,
// then perform that I/O (prompt templating, LLM streaming, tool
// invocation) without holding a lock. The auth/intake agent pair reuses
// agentEntry's shape, specialized to exactly two named agents instead of
// an open roster. System-prompt-at-index-0 management is
// grounded on hotctx/assembler.go's template-then-diff approach, here
// delegated to session.Session.AppendSystem's replace-in-place semantics.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/callpipeline/framecodec"
	"github.com/MrWong99/glyphoxa/internal/callpipeline/ttssession"
	"github.com/MrWong99/glyphoxa/internal/dialog/llmstream"
	"github.com/MrWong99/glyphoxa/internal/observer/hub"
	"github.com/MrWong99/glyphoxa/internal/session"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// AgentDef names one of the two dialog-stage agents: its history key, its
// tool catalog, and the function that (re)builds its templated system
// prompt from live session state every turn.
type AgentDef struct {
	Name   string
	Tools  []llm.ToolDefinition
	Prompt func(sess *session.Session) string
}

// AuthResult is the parsed return value of a successful authenticate_user
// tool call.
type AuthResult struct {
	Authenticated bool   `json:"authenticated"`
	CallerName    string `json:"caller_name"`
	PolicyID      string `json:"policy_id"`
}

// CompletionDetector inspects one tool-result entry produced by the intake
// agent and reports whether it signals the end of the dialog (e.g.
// schedule_appointment returning {"scheduled":true}, or escalate_emergency
// returning {"escalated":true}). A nil detector never reports completion.
type CompletionDetector func(toolName, resultJSON string) bool

// Orchestrator drives the two-stage dialog for exactly one call. Create one
// per accepted socket and never share across sessions, mirroring
// turn.Controller's per-socket lifetime; Handle satisfies turn.Orchestrator.
type Orchestrator struct {
	SessionID  string
	Store      session.Store
	LLM        llm.Provider
	Tools      llmstream.ToolRunner
	Hub        *hub.Hub
	TTS        *ttssession.Session
	SampleRate int

	Auth   AgentDef
	Intake AgentDef

	// CompletionDetector decides when the intake stage is done. Optional;
	// if nil, the call only ends on a stop word or disconnect.
	CompletionDetector CompletionDetector

	mu   sync.Mutex
	send func(raw []byte) error
}

// BindTransport wires the raw frame sender used to emit status/event frames
// and paced TTS audio over the caller socket. turn.Controller.Run calls
// this once, right after accepting a socket and before the first Handle
// call; Handle silently drops speech/event output until this has been
// called (e.g. during tests that exercise only the routing logic).
func (o *Orchestrator) BindTransport(send func(raw []byte) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.send = send
}

func (o *Orchestrator) transport() func(raw []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.send
}

// Handle implements turn.Orchestrator: it loads the session, routes the
// turn to the active agent, drives one LLM Streaming Consumer cycle, then
// applies any stage transition (auth promotion or intake completion) before
// persisting.
func (o *Orchestrator) Handle(ctx context.Context, sessionID, userText string) (bool, error) {
	sess, err := o.Store.Load(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: load session %q: %w", sessionID, err)
	}

	def := o.route(sess)
	sess.AppendUser(def.Name, userText)
	if def.Prompt != nil {
		sess.AppendSystem(def.Name, def.Prompt(sess))
	}

	sink := &socketSink{o: o, ctx: ctx}
	consumer := &llmstream.Consumer{
		LLM:         o.LLM,
		Tools:       o.Tools,
		Hub:         o.Hub,
		Store:       o.Store,
		SessionID:   sessionID,
		AgentName:   def.Name,
		ToolCatalog: def.Tools,
	}
	if err := consumer.Run(ctx, sess, sink); err != nil {
		_ = o.Store.Persist(ctx, sess, 0)
		return false, fmt.Errorf("orchestrator: %s turn: %w", def.Name, err)
	}

	stop := false
	switch def.Name {
	case o.Auth.Name:
		o.tryPromoteAuth(sess)
	case o.Intake.Name:
		if o.CompletionDetector != nil {
			if last, ok := lastToolResult(sess, def.Name); ok && o.CompletionDetector(last.ToolName, last.Result) {
				sess.Context[session.CtxIntakeCompleted] = true
				o.emitFrame(ctx, "claim_submitted", map[string]any{"sessionId": sessionID})
				stop = true
			}
		}
	}

	if err := o.Store.Persist(ctx, sess, 0); err != nil {
		return false, fmt.Errorf("orchestrator: persist session: %w", err)
	}
	return stop, nil
}

// route picks the active agent: auth until the session is authenticated,
// intake afterward.
func (o *Orchestrator) route(sess *session.Session) AgentDef {
	if sess.Authenticated {
		return o.Intake
	}
	return o.Auth
}

// tryPromoteAuth inspects the auth agent's most recent tool result and, if
// it is a successful authenticate_user call, promotes the session into
// stage 2 by persisting the returned identity into context.
func (o *Orchestrator) tryPromoteAuth(sess *session.Session) {
	last, ok := lastToolResult(sess, o.Auth.Name)
	if !ok || last.ToolName != "authenticate_user" {
		return
	}
	var res AuthResult
	if err := json.Unmarshal([]byte(last.Result), &res); err != nil || !res.Authenticated {
		return
	}
	sess.Authenticated = true
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	sess.Context[session.CtxCallerName] = res.CallerName
	sess.Context[session.CtxPolicyID] = res.PolicyID
}

// lastToolResult returns the most recent tool-result entry in agent's
// history belonging to the current (last) user turn, or ok=false if the
// turn produced none.
func lastToolResult(sess *session.Session, agent string) (session.TurnEntry, bool) {
	h := sess.Histories[agent]
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Kind == session.KindToolResult {
			return h[i], true
		}
		if h[i].Kind == session.KindUser {
			break
		}
	}
	return session.TurnEntry{}, false
}

// emitFrame sends a JSON status/event frame over the bound transport. It is
// a no-op if BindTransport has not been called.
func (o *Orchestrator) emitFrame(ctx context.Context, kind string, fields map[string]any) {
	send := o.transport()
	if send == nil {
		return
	}
	payload := map[string]any{"type": kind, "ts": time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range fields {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = send(raw)
}

// socketSink adapts one Handle call's ctx/Orchestrator pair to
// llmstream.Sink: Speak synthesizes and paces one sentence fragment as PCM
// audio frames, ToolStart/ToolEnd emit the tool lifecycle event frames over
// the same socket.
type socketSink struct {
	o   *Orchestrator
	ctx context.Context
}

func (s *socketSink) Speak(text string) {
	send := s.o.transport()
	if send == nil || s.o.TTS == nil {
		return
	}
	s.o.emitFrame(s.ctx, "assistant_streaming", map[string]any{"text": text})

	pcm, err := s.o.TTS.SynthesizeToPCM(s.ctx, text)
	if err != nil {
		s.o.emitFrame(s.ctx, "error", map[string]any{"message": err.Error()})
		return
	}
	sender := &framecodec.Sender{
		Store:      s.o.Store,
		SessionID:  s.o.SessionID,
		SampleRate: s.o.SampleRate,
		Send:       send,
	}
	if err := sender.SendPCM(s.ctx, pcm); err != nil {
		s.o.emitFrame(s.ctx, "error", map[string]any{"message": err.Error()})
	}
}

func (s *socketSink) ToolStart(callID, tool, argsJSON string) {
	s.o.emitFrame(s.ctx, "tool_start", map[string]any{
		"callId": callID,
		"tool":   tool,
		"args":   argsJSON,
	})
}

func (s *socketSink) ToolEnd(callID, tool string, elapsed time.Duration, result string, toolErr error) {
	fields := map[string]any{
		"callId":    callID,
		"tool":      tool,
		"elapsedMs": elapsed.Milliseconds(),
	}
	if toolErr != nil {
		fields["status"] = "error"
		fields["error"] = toolErr.Error()
	} else {
		fields["status"] = "ok"
		fields["result"] = result
	}
	s.o.emitFrame(s.ctx, "tool_end", fields)
}
