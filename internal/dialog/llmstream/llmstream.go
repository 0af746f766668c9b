// Package llmstream implements the LLM Streaming Consumer: it drives one
// streaming chat completion, emits sentence-bounded fragments to TTS and the
// broadcast hub, assembles multi-fragment tool calls, executes them, and
// drains a follow-up completion over the updated history.
//
// Grounded directly on engine/cascade/cascade.go's forwardSentences/
// firstSentenceBoundary/collectFirstSentence helpers, extended with the
// additional CJK sentence-boundary runes this domain requires and full
// multi-fragment tool-call argument assembly (cascade.go's own Engine only
// forwards a fixed tool catalog to the strong model and calls a single
// toolHandler — it never assembles streamed tool-call fragments itself).
// Lifecycle event emission is grounded on mcphost/metrics.go's
// measurement-recording shape, repurposed to emit socket-facing events
// instead of only rolling-window latencies.
package llmstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/glyphoxa/internal/observer/hub"
	"github.com/MrWong99/glyphoxa/internal/session"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// Default timeouts for one tool invocation and one streaming completion.
const (
	DefaultToolTimeout   = 10 * time.Second
	DefaultStreamTimeout = 30 * time.Second
)

// ToolRunner executes one tool call by name against a JSON arguments string
// and returns a JSON-serializable (or already-serialized) result string.
// Implementations wrap the process-wide tool registry (mcphost.Host).
type ToolRunner interface {
	ExecuteTool(ctx context.Context, name, argsJSON string) (result string, isError bool, err error)
}

// HostAdapter adapts a process-wide tool host to the ToolRunner interface.
// Construct with NewHostAdapter, passing the host's ExecuteTool method.
type HostAdapter struct {
	execute func(ctx context.Context, name, args string) (content string, isError bool, err error)
}

// NewHostAdapter wraps execute (typically (*mcphost.Host).ExecuteTool,
// flattened to this package's simpler result shape by the caller) as a
// ToolRunner.
func NewHostAdapter(execute func(ctx context.Context, name, args string) (content string, isError bool, err error)) *HostAdapter {
	return &HostAdapter{execute: execute}
}

// ExecuteTool implements ToolRunner.
func (h *HostAdapter) ExecuteTool(ctx context.Context, name, argsJSON string) (string, bool, error) {
	return h.execute(ctx, name, argsJSON)
}

// Sink receives the consumer's lifecycle and speech events. A real socket
// wraps these as outbound `{"type": "...", ...}` status/event JSON frames.
type Sink interface {
	// Speak delivers one sentence-bounded text fragment for TTS to emit.
	Speak(text string)
	// ToolStart/ToolEnd report tool lifecycle events.
	ToolStart(callID, tool, argsJSON string)
	ToolEnd(callID, tool string, elapsed time.Duration, result string, toolErr error)
}

// Consumer drives one streaming completion cycle for one agent turn.
type Consumer struct {
	LLM        llm.Provider
	Tools      ToolRunner
	Hub        *hub.Hub
	Store      session.Store
	SessionID  string
	AgentName  string
	ToolCatalog []llm.ToolDefinition
}

// sentenceBoundaries is the extended set of boundary runes: ASCII sentence
// punctuation plus the CJK equivalents and a bare newline.
const sentenceBoundaries = ".!?;。！？；\n"

// firstSentenceBoundary returns the byte index of the first boundary rune in
// s, or -1 if none is present.
func firstSentenceBoundary(s string) int {
	return strings.IndexAny(s, sentenceBoundaries)
}

// cancelled reports whether the turn has been barge-in cancelled, read from
// the session's tts_interrupted flag. Once cancelled, Run stops forwarding
// to TTS but keeps draining the stream so history stays coherent.
func (c *Consumer) cancelled(ctx context.Context) bool {
	val, ok, err := c.Store.GetContextKey(ctx, c.SessionID, session.CtxTTSInterrupted)
	if err != nil || !ok {
		return false
	}
	b, _ := val.(bool)
	return b
}

// Run executes one full turn: opens a streaming completion over history,
// forwards sentence-bounded fragments to sink, assembles any streamed tool
// call, executes it via Tools, appends the tool-result to history, and — if
// a tool call occurred — drains a second no-tools completion the same way.
// Run mutates sess in place; the caller persists it.
func (c *Consumer) Run(ctx context.Context, sess *session.Session, sink Sink) error {
	streamCtx, cancel := context.WithTimeout(ctx, DefaultStreamTimeout)
	defer cancel()

	req := llm.CompletionRequest{
		Messages:    toMessages(sess.Histories[c.AgentName]),
		Tools:       c.ToolCatalog,
		Temperature: 0.5,
		MaxTokens:   4096,
	}

	text, call, err := c.drain(streamCtx, req, sink)
	if err != nil {
		return fmt.Errorf("llmstream: first stream: %w", err)
	}
	if text != "" {
		sess.AppendAssistant(c.AgentName, text)
	}

	if call == nil {
		return nil
	}

	sess.AppendToolRequest(c.AgentName, call.ID, call.Name, call.Arguments)

	var args map[string]any
	if jsonErr := json.Unmarshal([]byte(call.Arguments), &args); jsonErr != nil {
		sink.ToolEnd(call.ID, call.Name, 0, "", fmt.Errorf("llmstream: parse tool arguments: %w", jsonErr))
		return nil
	}

	sink.ToolStart(call.ID, call.Name, call.Arguments)
	toolCtx, toolCancel := context.WithTimeout(ctx, DefaultToolTimeout)
	start := time.Now()
	result, isError, toolErr := c.Tools.ExecuteTool(toolCtx, call.Name, call.Arguments)
	toolCancel()
	elapsed := time.Since(start)

	if toolErr != nil {
		sink.ToolEnd(call.ID, call.Name, elapsed, "", toolErr)
		return nil
	}
	if isError {
		sink.ToolEnd(call.ID, call.Name, elapsed, result, fmt.Errorf("llmstream: tool %q returned an application error", call.Name))
	} else {
		sink.ToolEnd(call.ID, call.Name, elapsed, result, nil)
	}

	if err := sess.AppendToolResult(c.AgentName, call.ID, call.Name, result); err != nil {
		return fmt.Errorf("llmstream: append tool result: %w", err)
	}

	// Second, no-tools follow-up stream, drained identically.
	followupCtx, followupCancel := context.WithTimeout(ctx, DefaultStreamTimeout)
	defer followupCancel()
	followupReq := llm.CompletionRequest{
		Messages:    toMessages(sess.Histories[c.AgentName]),
		Temperature: 0.5,
		MaxTokens:   4096,
	}
	followupText, _, err := c.drain(followupCtx, followupReq, sink)
	if err != nil {
		return fmt.Errorf("llmstream: follow-up stream: %w", err)
	}
	if followupText != "" {
		sess.AppendAssistant(c.AgentName, followupText)
	}
	return nil
}

// drain opens req, forwards sentence-bounded fragments to sink (unless the
// turn is barge-in cancelled, in which case it keeps reading without
// forwarding), and assembles any streamed tool call across fragments.
// Returns the full committed assistant text and the first assembled tool
// call, if any; further tool calls in the same stream are not returned.
func (c *Consumer) drain(ctx context.Context, req llm.CompletionRequest, sink Sink) (string, *llm.ToolCall, error) {
	ch, err := c.LLM.StreamCompletion(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var full strings.Builder
	var buf strings.Builder
	assembled := map[string]*llm.ToolCall{}
	var order []string

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		text := buf.String()
		full.WriteString(text)
		if !c.cancelled(ctx) {
			sink.Speak(text)
			if c.Hub != nil {
				_ = c.Hub.Broadcast(text, hub.SenderAssistant)
			}
		}
		buf.Reset()
	}

	for chunk := range ch {
		if chunk.Text != "" {
			buf.WriteString(chunk.Text)
			for {
				b := buf.String()
				idx := firstSentenceBoundary(b)
				if idx < 0 {
					break
				}
				_, size := utf8.DecodeRuneInString(b[idx:])
				rest := strings.TrimLeft(b[idx+size:], " \t\n\r")
				buf.Reset()
				buf.WriteString(b[:len(b)-len(rest)])
				flush()
				buf.WriteString(rest)
			}
		}

		for _, tc := range chunk.ToolCalls {
			existing, ok := assembled[tc.ID]
			if !ok {
				cp := tc
				assembled[tc.ID] = &cp
				order = append(order, tc.ID)
				continue
			}
			existing.Arguments += tc.Arguments
			if existing.Name == "" {
				existing.Name = tc.Name
			}
		}

		if chunk.FinishReason != "" {
			break
		}
	}
	flush()

	if len(order) == 0 {
		return full.String(), nil, nil
	}
	return full.String(), assembled[order[0]], nil
}

// toMessages converts an agent's turn-entry history into the ordered
// provider-facing message list. Tool-request/tool-result entries are
// rendered as assistant/tool role messages carrying their structured data
// inline, since pkg/types.Message only models plain role+content pairs.
func toMessages(history []session.TurnEntry) []llm.Message {
	msgs := make([]llm.Message, 0, len(history))
	for _, e := range history {
		switch e.Kind {
		case session.KindSystem:
			msgs = append(msgs, llm.Message{Role: "system", Content: e.Text})
		case session.KindUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: e.Text})
		case session.KindAssistant:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: e.Text})
		case session.KindAssistantToolCall:
			msgs = append(msgs, llm.Message{
				Role:      "assistant",
				ToolCalls: []llm.ToolCall{{ID: e.CallID, Name: e.ToolName, Arguments: e.ArgsJSON}},
			})
		case session.KindToolResult:
			msgs = append(msgs, llm.Message{Role: "tool", Content: e.Result, ToolCallID: e.CallID})
		}
	}
	return msgs
}
