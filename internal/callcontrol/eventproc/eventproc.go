// Package eventproc implements the Call Event Processor: it consumes
// call-control cloud-event envelopes, extracts the call-connection id, and
// dispatches to every handler registered for that event's type.
//
// Grounded on discord.CommandRouter's registration-table dispatch
// (map[key]handler, sequential per-event execution) and the lock-guarded
// active-entity sets found in resilience.CircuitBreaker and
// agent/orchestrator's muted-agent map: handlers run sequentially and in
// isolation — one handler's failure is logged and the processor moves on to
// the next, never joining errors across handlers.
package eventproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/glyphoxa/internal/observer/hub"
	"github.com/MrWong99/glyphoxa/internal/session"
)

// EventType enumerates the fixed set of call-control cloud-event types the
// processor understands.
type EventType string

const (
	EventConnected              EventType = "Microsoft.Communication.CallConnected"
	EventDisconnected           EventType = "Microsoft.Communication.CallDisconnected"
	EventCreateCallFailed       EventType = "Microsoft.Communication.CreateCallFailed"
	EventAnswerCallFailed       EventType = "Microsoft.Communication.AnswerFailed"
	EventParticipantsUpdated    EventType = "Microsoft.Communication.ParticipantsUpdated"
	EventDTMFReceived           EventType = "Microsoft.Communication.ContinuousDtmfRecognitionToneReceived"
	EventDTMFFailed             EventType = "Microsoft.Communication.ContinuousDtmfRecognitionToneFailed"
	EventDTMFStopped            EventType = "Microsoft.Communication.ContinuousDtmfRecognitionStopped"
	EventPlayCompleted          EventType = "Microsoft.Communication.PlayCompleted"
	EventPlayFailed             EventType = "Microsoft.Communication.PlayFailed"
	EventPlayCanceled           EventType = "Microsoft.Communication.PlayCanceled"
	EventRecognizeCompleted     EventType = "Microsoft.Communication.RecognizeCompleted"
	EventRecognizeFailed        EventType = "Microsoft.Communication.RecognizeFailed"
	EventRecognizeCanceled      EventType = "Microsoft.Communication.RecognizeCanceled"
)

// Envelope is the minimal cloud-event shape the processor extracts from each
// incoming call-control webhook payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// eventData is the subset of fields needed to extract the call-connection
// id, common to every call-control event payload.
type eventData struct {
	CallConnectionID string `json:"callConnectionId"`
}

// CallControlClient is the minimal call-control surface handlers need (play
// audio prompts and hang up; it has no DTMF recognition controls). A real deployment
// wires this to the telephony provider's SDK client; tests use a stub.
type CallControlClient interface {
	PlayPrompt(ctx context.Context, callID, text string) error
	HangUp(ctx context.Context, callID string) error
}

// EventContext is the per-event context passed to every handler: the
// decoded event, the call-id, the session store, the broadcast hub, and the
// call-control client.
type EventContext struct {
	Event   Envelope
	Type    EventType
	CallID  string
	Store   session.Store
	Hub     *hub.Hub
	Control CallControlClient
}

// Handler processes one call-control event. A returned error is logged by
// the processor; it never aborts processing of subsequent handlers or
// subsequent events.
type Handler func(ctx context.Context, ec EventContext) error

// Processor dispatches call-control events to registered handlers and
// tracks the set of active call-ids. Safe for concurrent use.
type Processor struct {
	Store   session.Store
	Hub     *hub.Hub
	Control CallControlClient

	mu       sync.Mutex
	handlers map[EventType][]Handler
	active   map[string]struct{}
}

// New creates an empty Processor wired to store, hub, and control.
func New(store session.Store, h *hub.Hub, control CallControlClient) *Processor {
	return &Processor{
		Store:    store,
		Hub:      h,
		Control:  control,
		handlers: make(map[EventType][]Handler),
		active:   make(map[string]struct{}),
	}
}

// Register adds handler to the list invoked for events of the given type.
// Multiple handlers may be registered for the same type; they run in
// registration order.
func (p *Processor) Register(t EventType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = append(p.handlers[t], handler)
}

// Dispatch decodes raw as a cloud-event envelope and invokes every handler
// registered for its type. Unknown types log a warning and are dropped.
// Handlers run sequentially; a handler error is logged and does not stop
// the remaining handlers from running.
func (p *Processor) Dispatch(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("eventproc: decode envelope: %w", err)
	}

	var data eventData
	_ = json.Unmarshal(env.Data, &data)

	t := EventType(env.Type)

	p.mu.Lock()
	handlers := make([]Handler, len(p.handlers[t]))
	copy(handlers, p.handlers[t])
	p.mu.Unlock()

	if len(handlers) == 0 {
		slog.Warn("eventproc: no handlers registered for event type", "type", env.Type, "callId", data.CallConnectionID)
		return nil
	}

	switch t {
	case EventConnected:
		p.markActive(data.CallConnectionID)
	case EventDisconnected:
		p.markInactive(data.CallConnectionID)
	}

	ec := EventContext{
		Event:   env,
		Type:    t,
		CallID:  data.CallConnectionID,
		Store:   p.Store,
		Hub:     p.Hub,
		Control: p.Control,
	}

	for _, handler := range handlers {
		if err := handler(ctx, ec); err != nil {
			slog.Error("eventproc: handler failed", "type", env.Type, "callId", data.CallConnectionID, "error", err)
		}
	}
	return nil
}

// ActiveCallIDs returns a snapshot of the currently active call-ids.
func (p *Processor) ActiveCallIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

// IsActive reports whether callID is currently tracked as active.
func (p *Processor) IsActive(callID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[callID]
	return ok
}

func (p *Processor) markActive(callID string) {
	if callID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[callID] = struct{}{}
}

func (p *Processor) markInactive(callID string) {
	if callID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, callID)
}
