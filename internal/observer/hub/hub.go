// Package hub implements the Broadcast Hub: a process-wide set of observer
// sockets that receive a fan-out copy of every user/assistant/system
// message exchanged on a call.
//
// Grounded on the copy-under-lock-then-iterate-outside-lock
// pattern (agent/orchestrator.BroadcastScene's snapshots copy,
// resilience.FallbackGroup's per-entry iteration): Broadcast takes the
// subscriber lock only long enough to copy the current subscriber set, then
// performs all I/O outside the lock so one slow or blocked subscriber can
// never stall the others.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Sender is the minimal transport surface a subscriber needs: deliver one
// JSON-encoded message. Implementations wrap a websocket connection.
// A returned error evicts the subscriber.
type Sender interface {
	Send(payload []byte) error
}

// Sender label values for the "sender" field of a broadcast payload.
const (
	SenderUser      = "User"
	SenderAssistant = "Assistant"
	SenderSystem    = "System"
)

type broadcastPayload struct {
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// Hub fans out broadcast messages to every subscribed observer socket
// exactly once per call. Safe for concurrent use.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]Sender
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{subscribers: make(map[string]Sender)}
}

// Add registers s under id, replacing any previous subscriber registered
// under the same id.
func (h *Hub) Add(id string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = s
}

// Remove unregisters the subscriber under id, if any. Safe to call more
// than once or for an id that was never registered.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, id)
}

// Count returns the number of currently subscribed observer sockets.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Broadcast delivers message to every currently-subscribed observer exactly
// once, tagged with sender (one of SenderUser/SenderAssistant/SenderSystem).
// A subscriber whose Send fails is logged and evicted; the failure never
// prevents delivery to the remaining subscribers.
func (h *Hub) Broadcast(message, sender string) error {
	payload, err := json.Marshal(broadcastPayload{Message: message, Sender: sender})
	if err != nil {
		return err
	}

	h.mu.Lock()
	snapshot := make(map[string]Sender, len(h.subscribers))
	for id, s := range h.subscribers {
		snapshot[id] = s
	}
	h.mu.Unlock()

	var failed []string
	for id, s := range snapshot {
		if err := s.Send(payload); err != nil {
			slog.Warn("observer hub: subscriber send failed, evicting", "subscriber", id, "error", err)
			failed = append(failed, id)
		}
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, id := range failed {
			delete(h.subscribers, id)
		}
		h.mu.Unlock()
	}

	return nil
}
