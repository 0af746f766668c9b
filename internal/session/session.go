// Package session owns the per-call state bundle — authentication status,
// per-agent conversation histories, the shared context map, the outbound
// utterance queue, and latency samples — and the [Store] contract that
// mediates concurrent access to it from the Turn Controller, the
// orchestrator, and the call event processor.
//
// [Store] is the persistence boundary. [KVStore] keeps sessions resident in
// memory with field-level atomic updates; [PostgresStore] additionally
// mirrors every session write to Postgres so a call can be resumed after a
// gateway restart and so completed calls can be audited.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the variants of a [TurnEntry].
type Kind string

const (
	KindSystem            Kind = "system"
	KindUser              Kind = "user"
	KindAssistant         Kind = "assistant"
	KindAssistantToolCall Kind = "assistant_tool_request"
	KindToolResult        Kind = "tool_result"
)

// TurnEntry is one entry in an agent's ordered history. Which fields are
// populated depends on Kind:
//
//   - system, user, assistant: Text carries the utterance.
//   - assistant_tool_request: ToolName, ArgsJSON (an opaque arguments blob)
//     and CallID carry the requested invocation.
//   - tool_result: CallID and ToolName identify the call being answered,
//     Result carries the JSON-serialized tool output (or error object).
type TurnEntry struct {
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	ArgsJSON  string    `json:"args_json,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Result    string    `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingUtterance is one entry in a session's outbound FIFO — an utterance
// queued for TTS synthesis along with the voice parameters it should be
// spoken with.
type PendingUtterance struct {
	Text        string    `json:"text"`
	VoiceID     string    `json:"voice_id,omitempty"`
	SpeedFactor float64   `json:"speed_factor,omitempty"`
	PitchShift  float64   `json:"pitch_shift,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// LatencySample records one timed span within a named pipeline stage (e.g.
// "stt", "llm_first_token", "tts_first_frame").
type LatencySample struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// Well-known context keys. These live under Session.Context and, once a
// session is live, are the only fields legally mutated outside the Turn
// Controller — via [Store.SetContextKey].
const (
	CtxCallerPhone     = "caller_phone"
	CtxCallerName      = "caller_name"
	CtxPolicyID        = "policy_id"
	CtxSlots           = "slots"
	CtxToolOutputs     = "tool_outputs"
	CtxTTSInterrupted  = "tts_interrupted"
	CtxBotSpeaking     = "bot_speaking"
	CtxInterruptCount  = "interrupt_count"
	CtxGreeted         = "greeted"
	CtxCallActive      = "call_active"
	CtxValidationState    = "validation_state"
	CtxValidationBuffer   = "validation_buffer"
	CtxValidationAttempts = "validation_attempts"
	CtxIntakeCompleted    = "intake_completed"
)

// Session is the per-call/per-socket state bundle owned by one Turn
// Controller for its lifetime, and mirrored into the shared KV store so
// that any process restart or cross-component read sees consistent state.
type Session struct {
	ID string `json:"id"`

	Authenticated bool   `json:"authenticated"`
	ActiveAgent   string `json:"active_agent,omitempty"`

	// Histories holds one ordered turn-entry list per named agent (e.g.
	// "auth", "intake"). Histories for different agents are independent;
	// user/assistant turns for one agent are never copied into another's
	// except indirectly via Context.
	Histories map[string][]TurnEntry `json:"histories"`

	// Context holds caller identity fields, the slot store, tool outputs,
	// and transient flags. See the Ctx* constants for well-known keys.
	Context map[string]any `json:"context"`

	// Queue is the ordered FIFO of pending outbound utterances.
	Queue []PendingUtterance `json:"queue,omitempty"`

	LatencySamples map[string][]LatencySample `json:"latency_samples,omitempty"`
}

// NewSession creates an empty Session for a newly-accepted call or socket,
// with invariant-satisfying zero-valued maps. If id is empty a UUIDv4 is
// generated.
func NewSession(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:             id,
		Histories:      make(map[string][]TurnEntry),
		Context:        make(map[string]any),
		LatencySamples: make(map[string][]LatencySample),
	}
}

// ErrUnmatchedToolResult is returned by [Session.AppendToolResult] when no
// preceding assistant-tool-request with the same call-id exists in the
// named agent's history.
var ErrUnmatchedToolResult = errors.New("session: tool-result has no matching assistant-tool-request")

// AppendSystem inserts or replaces the leading system entry for agent's
// history. A history carries at most one system entry, always at index 0;
// calling this again with different text replaces it in place, which is how
// the orchestrator keeps a templated system prompt current turn to turn.
func (s *Session) AppendSystem(agent, text string) {
	h := s.Histories[agent]
	entry := TurnEntry{Kind: KindSystem, Text: text, Timestamp: time.Now()}
	if len(h) > 0 && h[0].Kind == KindSystem {
		if h[0].Text == text {
			return
		}
		h[0] = entry
		s.Histories[agent] = h
		return
	}
	s.Histories[agent] = append([]TurnEntry{entry}, h...)
}

// AppendUser appends a user turn to agent's history.
func (s *Session) AppendUser(agent, text string) {
	s.Histories[agent] = append(s.Histories[agent], TurnEntry{
		Kind: KindUser, Text: text, Timestamp: time.Now(),
	})
}

// AppendAssistant appends an assistant text turn to agent's history.
func (s *Session) AppendAssistant(agent, text string) {
	s.Histories[agent] = append(s.Histories[agent], TurnEntry{
		Kind: KindAssistant, Text: text, Timestamp: time.Now(),
	})
}

// AppendToolRequest appends an assistant-tool-request entry to agent's
// history.
func (s *Session) AppendToolRequest(agent, callID, toolName, argsJSON string) {
	s.Histories[agent] = append(s.Histories[agent], TurnEntry{
		Kind: KindAssistantToolCall, CallID: callID, ToolName: toolName,
		ArgsJSON: argsJSON, Timestamp: time.Now(),
	})
}

// AppendToolResult appends a tool-result entry to agent's history. It
// returns [ErrUnmatchedToolResult] if no preceding assistant-tool-request
// with the same callID exists in this agent's history, enforcing the
// tool-result pairing invariant.
func (s *Session) AppendToolResult(agent, callID, toolName, result string) error {
	h := s.Histories[agent]
	matched := false
	for _, e := range h {
		if e.Kind == KindAssistantToolCall && e.CallID == callID {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("%w: call-id %q agent %q", ErrUnmatchedToolResult, callID, agent)
	}
	s.Histories[agent] = append(h, TurnEntry{
		Kind: KindToolResult, CallID: callID, ToolName: toolName,
		Result: result, Timestamp: time.Now(),
	})
	return nil
}

// ChangedFlags reports which top-level sections of a session differ from
// the caller's previously-observed copy, as detected by [Store.Refresh].
type ChangedFlags struct {
	Context   bool
	Histories bool
	Queue     bool
}

// Any reports whether any section changed.
func (c ChangedFlags) Any() bool {
	return c.Context || c.Histories || c.Queue
}

// Store is the session persistence contract backing the shared KV layer.
// Implementations must be safe for concurrent use across many sessions.
// SetContextKey is the only legal fast path for cross-owner live-flag
// writes (bot_speaking, tts_interrupted, interrupt_count, ...): it performs
// a field-level update without a full read-modify-write of the session
// document, so concurrent writers to different keys never clobber each
// other.
type Store interface {
	// Load returns the session for id. If no record exists, it returns a
	// freshly-initialized [Session] (via [NewSession]) rather than an
	// error — a missing session is the normal condition for a brand-new
	// call, not a fault.
	Load(ctx context.Context, id string) (*Session, error)

	// Persist writes the full session document. The ttl argument is
	// accepted, but none of the implementations in this package (KVStore,
	// PostgresStore, MemoryGuard) expires a record; every record is kept
	// until Delete.
	Persist(ctx context.Context, sess *Session, ttl time.Duration) error

	// GetContextKey reads a single key from the session's context map
	// without decoding histories. ok is false if the key is absent.
	GetContextKey(ctx context.Context, id, key string) (value any, ok bool, err error)

	// SetContextKey writes a single key into the session's context map as
	// a field-level update, without reading or rewriting histories.
	SetContextKey(ctx context.Context, id, key string, value any) error

	// Refresh reports which of {context, histories, queue} have changed in
	// the backing store since the last Load/Persist/Refresh this Store
	// instance observed for id, letting an owner's auto-refresh coroutine
	// notice cross-owner SetContextKey writes without rereading the whole
	// document on every tick.
	Refresh(ctx context.Context, id string) (ChangedFlags, error)

	// Delete removes the session record entirely.
	Delete(ctx context.Context, id string) error
}

// ErrNotFound is retained for callers that want to distinguish "never
// existed" from other errors; unlike the prior design, [Store.Load] does
// not return it for an absent session (it synthesizes a fresh one instead).
// Implementations may still return it from Delete for an unknown id.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "session: not found" }
