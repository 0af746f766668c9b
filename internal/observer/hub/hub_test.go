package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type recordingSender struct {
	mu   sync.Mutex
	got  [][]byte
	fail bool
}

func (r *recordingSender) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("send failed")
	}
	r.got = append(r.got, payload)
	return nil
}

func TestBroadcast_DeliversToAllSubscribersOnce(t *testing.T) {
	h := New()
	a := &recordingSender{}
	b := &recordingSender{}
	h.Add("a", a)
	h.Add("b", b)

	if err := h.Broadcast("hello", SenderUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for name, s := range map[string]*recordingSender{"a": a, "b": b} {
		if len(s.got) != 1 {
			t.Fatalf("subscriber %s got %d messages, want 1", name, len(s.got))
		}
		var payload broadcastPayload
		if err := json.Unmarshal(s.got[0], &payload); err != nil {
			t.Fatalf("subscriber %s: invalid payload: %v", name, err)
		}
		if payload.Message != "hello" || payload.Sender != SenderUser {
			t.Errorf("subscriber %s: unexpected payload %+v", name, payload)
		}
	}
}

func TestBroadcast_EvictsFailingSubscriber(t *testing.T) {
	h := New()
	good := &recordingSender{}
	bad := &recordingSender{fail: true}
	h.Add("good", good)
	h.Add("bad", bad)

	if err := h.Broadcast("hello", SenderSystem); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Count() != 1 {
		t.Fatalf("expected 1 subscriber remaining after eviction, got %d", h.Count())
	}
	if len(good.got) != 1 {
		t.Error("expected the good subscriber to still receive the message")
	}
}

func TestRemove_StopsFutureDelivery(t *testing.T) {
	h := New()
	s := &recordingSender{}
	h.Add("a", s)
	h.Remove("a")

	if err := h.Broadcast("hello", SenderAssistant); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.got) != 0 {
		t.Error("expected removed subscriber to receive nothing")
	}
}

func TestCount(t *testing.T) {
	h := New()
	if h.Count() != 0 {
		t.Fatalf("expected 0, got %d", h.Count())
	}
	h.Add("a", &recordingSender{})
	h.Add("b", &recordingSender{})
	if h.Count() != 2 {
		t.Fatalf("expected 2, got %d", h.Count())
	}
}
