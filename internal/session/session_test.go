package session

import (
	"errors"
	"testing"
)

func TestSession_AppendSystem_SingleLeadingEntry(t *testing.T) {
	s := NewSession("s1")
	s.AppendSystem("auth", "you are the auth agent")
	s.AppendUser("auth", "my name is Alice")
	s.AppendSystem("auth", "you are the auth agent, caller_name=Alice")

	h := s.Histories["auth"]
	if len(h) != 2 {
		t.Fatalf("expected 2 entries (system + user), got %d", len(h))
	}
	if h[0].Kind != KindSystem {
		t.Fatalf("expected leading entry to be system, got %v", h[0].Kind)
	}
	if h[0].Text != "you are the auth agent, caller_name=Alice" {
		t.Errorf("expected system entry to be replaced in place, got %q", h[0].Text)
	}
	if h[1].Kind != KindUser {
		t.Errorf("expected second entry to remain the user turn, got %v", h[1].Kind)
	}
}

func TestSession_AppendSystem_NoOpWhenUnchanged(t *testing.T) {
	s := NewSession("s1")
	s.AppendSystem("auth", "prompt v1")
	s.AppendSystem("auth", "prompt v1")
	if len(s.Histories["auth"]) != 1 {
		t.Errorf("re-appending identical system text should not grow history, got %d entries", len(s.Histories["auth"]))
	}
}

func TestSession_AppendToolResult_RequiresMatchingRequest(t *testing.T) {
	s := NewSession("s1")
	err := s.AppendToolResult("intake", "call-1", "schedule_appointment", `{"ok":true}`)
	if !errors.Is(err, ErrUnmatchedToolResult) {
		t.Fatalf("expected ErrUnmatchedToolResult, got %v", err)
	}
}

func TestSession_AppendToolResult_Succeeds(t *testing.T) {
	s := NewSession("s1")
	s.AppendToolRequest("intake", "call-1", "schedule_appointment", `{"date":"2026-08-01"}`)
	err := s.AppendToolResult("intake", "call-1", "schedule_appointment", `{"ok":true}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := s.Histories["intake"]
	if len(h) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(h))
	}
	if h[1].Kind != KindToolResult || h[1].CallID != "call-1" {
		t.Errorf("expected matching tool-result entry, got %+v", h[1])
	}
}

func TestSession_HistoriesIndependentPerAgent(t *testing.T) {
	s := NewSession("s1")
	s.AppendUser("auth", "hello from auth")
	s.AppendUser("intake", "hello from intake")
	if len(s.Histories["auth"]) != 1 || len(s.Histories["intake"]) != 1 {
		t.Fatalf("expected independent single-entry histories, got auth=%d intake=%d",
			len(s.Histories["auth"]), len(s.Histories["intake"]))
	}
}

func TestChangedFlags_Any(t *testing.T) {
	if (ChangedFlags{}).Any() {
		t.Error("zero-value ChangedFlags should report no changes")
	}
	if !(ChangedFlags{Queue: true}).Any() {
		t.Error("expected Any() true when Queue changed")
	}
}
