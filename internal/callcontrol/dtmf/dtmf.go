// Package dtmf implements the DTMF Validation Lifecycle: a small per-call
// state machine that gates the dialog orchestrator behind a verified
// touch-tone digit sequence.
//
// Grounded on resilience.CircuitBreaker — a state machine of
// the same shape (closed/open/half-open generalizes to
// awaitingPromptPlay/collectingDigits/validated/failed) — plus
// agent/orchestrator's per-session-scoped lock discipline: every Lifecycle
// is owned by exactly one call-id and its buffer/attempt counter never
// leaks into another session's state.
package dtmf

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/session"
)

// State enumerates the lifecycle's four states.
type State string

const (
	StateAwaitingPromptPlay State = "awaiting_prompt_play"
	StateCollectingDigits   State = "collecting_digits"
	StateValidated          State = "validated"
	StateFailed             State = "failed"
)

const (
	defaultMaxAttempts  = 3
	defaultDigitTimeout = 15 * time.Second
)

// Config tunes one call's DTMF validation.
type Config struct {
	// Expected is the exact digit sequence the caller must enter.
	Expected string
	// MaxAttempts bounds how many collecting_digits rounds may fail before
	// the lifecycle becomes terminally failed. Default 3.
	MaxAttempts int
	// DigitTimeout is the maximum gap between digits before the in-progress
	// attempt is treated as failed. Default 15s.
	DigitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.DigitTimeout <= 0 {
		c.DigitTimeout = defaultDigitTimeout
	}
	return c
}

// Lifecycle tracks one call's DTMF validation state. It is session-scoped:
// create one per call-id and never share it across calls. Safe for
// concurrent use.
type Lifecycle struct {
	store     session.Store
	sessionID string
	cfg       Config

	mu        sync.Mutex
	state     State
	buffer    string
	attempts  int
	lastDigit time.Time
}

// New creates a Lifecycle for sessionID in state awaiting_prompt_play.
func New(store session.Store, sessionID string, cfg Config) *Lifecycle {
	return &Lifecycle{
		store:     store,
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		state:     StateAwaitingPromptPlay,
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// PromptPlayStarted transitions awaiting_prompt_play -> collecting_digits,
// the response to the call-control "play started" signal. It is a no-op
// outside awaiting_prompt_play (e.g. on a retry re-prompt it is expected to
// be called again, which is exactly the case it handles).
func (l *Lifecycle) PromptPlayStarted(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateAwaitingPromptPlay {
		l.mu.Unlock()
		return nil
	}
	l.state = StateCollectingDigits
	l.buffer = ""
	l.lastDigit = time.Now()
	l.mu.Unlock()
	return l.persist(ctx)
}

// DigitReceived appends digit to the collection buffer and evaluates the
// transition rules: a completed match transitions to validated; a wrong or
// overlong sequence, or a digit arriving after DigitTimeout has elapsed,
// consumes one attempt via retryOrFail. Digits received outside
// collecting_digits are ignored and the current state is returned unchanged.
func (l *Lifecycle) DigitReceived(ctx context.Context, digit string) (State, error) {
	l.mu.Lock()
	if l.state != StateCollectingDigits {
		state := l.state
		l.mu.Unlock()
		return state, nil
	}

	if !l.lastDigit.IsZero() && time.Since(l.lastDigit) > l.cfg.DigitTimeout {
		state := l.retryOrFailLocked()
		l.mu.Unlock()
		return state, l.persist(ctx)
	}

	l.buffer += digit
	l.lastDigit = time.Now()

	switch {
	case l.buffer == l.cfg.Expected:
		l.state = StateValidated
	case len(l.buffer) >= len(l.cfg.Expected):
		// Sequence is complete length but didn't match, or overran it.
		l.retryOrFailLocked()
	}

	state := l.state
	l.mu.Unlock()
	return state, l.persist(ctx)
}

// retryOrFailLocked consumes one attempt and either resets to
// awaiting_prompt_play for a retry or transitions to the terminal failed
// state once MaxAttempts is exhausted. Caller must hold l.mu.
func (l *Lifecycle) retryOrFailLocked() State {
	l.attempts++
	l.buffer = ""
	if l.attempts >= l.cfg.MaxAttempts {
		l.state = StateFailed
	} else {
		l.state = StateAwaitingPromptPlay
	}
	return l.state
}

// Attempts returns the number of failed collection attempts so far.
func (l *Lifecycle) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// persist writes the lifecycle's state under the owning session's
// validation.* context keys, field-level so no concurrent history write is
// disturbed.
func (l *Lifecycle) persist(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.mu.Lock()
	state, buffer, attempts := l.state, l.buffer, l.attempts
	l.mu.Unlock()

	if err := l.store.SetContextKey(ctx, l.sessionID, session.CtxValidationState, string(state)); err != nil {
		return err
	}
	if err := l.store.SetContextKey(ctx, l.sessionID, session.CtxValidationBuffer, buffer); err != nil {
		return err
	}
	return l.store.SetContextKey(ctx, l.sessionID, session.CtxValidationAttempts, attempts)
}
