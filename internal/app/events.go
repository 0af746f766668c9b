package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/MrWong99/glyphoxa/internal/callcontrol/dtmf"
	"github.com/MrWong99/glyphoxa/internal/callcontrol/eventproc"
	"github.com/MrWong99/glyphoxa/internal/session"
)

// toneNames maps the telephony provider's spelled-out tone names to their
// digit characters (e.g. Azure Communication Services's
// ContinuousDtmfRecognitionToneReceived payload).
var toneNames = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"pound": "#", "asterisk": "*",
}

// dtmfDigit extracts the single digit character from a DTMF event's
// "data" payload, accepting either a bare {"tone":"five"} field or a nested
// {"toneInfo":{"tone":"5"}} shape.
func dtmfDigit(raw json.RawMessage) (string, error) {
	var payload struct {
		Tone     string `json:"tone"`
		ToneInfo struct {
			Tone string `json:"tone"`
		} `json:"toneInfo"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	tone := payload.Tone
	if tone == "" {
		tone = payload.ToneInfo.Tone
	}
	if digit, ok := toneNames[tone]; ok {
		return digit, nil
	}
	return tone, nil
}

// noopCallControl stands in for the telephony provider's call-control SDK
// client. A real deployment wires eventproc.Processor to that client's
// PlayPrompt/HangUp methods; without a configured telephony credential set
// this gateway still accepts and replays call-control webhook events (DTMF
// digits, connect/disconnect) against the session store, it just can't
// issue new commands back to the call.
type noopCallControl struct{}

func (noopCallControl) PlayPrompt(_ context.Context, callID, _ string) error {
	slog.Debug("app: PlayPrompt is a no-op without a configured call-control client", "callId", callID)
	return nil
}

func (noopCallControl) HangUp(_ context.Context, callID string) error {
	slog.Debug("app: HangUp is a no-op without a configured call-control client", "callId", callID)
	return nil
}

// registerCallControlHandlers wires the Call Event Processor's
// connect/disconnect/DTMF event types to this call's session state and DTMF
// Validation Lifecycle.
func (a *App) registerCallControlHandlers() {
	a.processor.Register(eventproc.EventConnected, func(ctx context.Context, ec eventproc.EventContext) error {
		return ec.Store.SetContextKey(ctx, ec.CallID, session.CtxCallActive, true)
	})

	a.processor.Register(eventproc.EventDisconnected, func(ctx context.Context, ec eventproc.EventContext) error {
		a.dtmfMu.Lock()
		delete(a.dtmfSet, ec.CallID)
		a.dtmfMu.Unlock()
		return ec.Store.SetContextKey(ctx, ec.CallID, session.CtxCallActive, false)
	})

	a.processor.Register(eventproc.EventDTMFReceived, a.handleDTMF)
}

// handleDTMF forwards one received touch-tone digit to the call's DTMF
// Validation Lifecycle, lazily creating it on first use. Expected is
// interpreted as a literal digit sequence read from cfg.DTMF (see
// [validDigits]'s doc comment for why ValidationPattern is not yet treated
// as a regular expression).
func (a *App) handleDTMF(ctx context.Context, ec eventproc.EventContext) error {
	digit, _ := dtmfDigit(ec.Event.Data)
	if digit == "" {
		return nil
	}

	lifecycle := a.dtmfLifecycle(ec.CallID)
	_, err := lifecycle.DigitReceived(ctx, digit)
	return err
}

// dtmfLifecycle returns the DTMF Validation Lifecycle for callID, creating
// one on first use from cfg.DTMF.
func (a *App) dtmfLifecycle(callID string) *dtmf.Lifecycle {
	a.dtmfMu.Lock()
	defer a.dtmfMu.Unlock()

	if l, ok := a.dtmfSet[callID]; ok {
		return l
	}

	expected := a.cfg.DTMF.ValidationPattern
	if !validDigits.MatchString(expected) {
		expected = ""
	}
	l := dtmf.New(a.store, callID, dtmf.Config{
		Expected:     expected,
		DigitTimeout: a.cfg.DTMF.CollectTimeout,
	})
	a.dtmfSet[callID] = l
	return l
}
