// Package turn implements the Turn Controller: the state machine that owns
// one session's execution for the lifetime of its socket, consuming STT
// results, handling barge-in, committing turns to the dialog orchestrator,
// and pacing the resulting speech back out.
//
// Grounded directly on internal/app/session_manager.go's Start/Stop shape —
// a closers stack unwound in reverse and a context.WithCancel session-scoped
// context — generalized from "one Discord voice session" to "one caller
// socket session," and on engine/cascade.Engine.Process's
// cancellation-via-context plus background-goroutine/sync.WaitGroup
// discipline (Engine.Wait) for the in-flight send loop that barge-in must be
// able to preempt within one interrupt-poll tick.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/callpipeline/framecodec"
	"github.com/MrWong99/glyphoxa/internal/callpipeline/sttsession"
	"github.com/MrWong99/glyphoxa/internal/callpipeline/ttssession"
	"github.com/MrWong99/glyphoxa/internal/session"
)

// State enumerates the Turn Controller's states.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateCommitting State = "committing"
	StateSpeaking   State = "speaking"
	StateCancelled  State = "cancelled"
	StateTerminal   State = "terminal"
)

// Default numeric parameters for the Turn Controller's state machine.
const (
	DefaultGreetWait  = 2 * time.Second
	interruptPollTick = 80 * time.Millisecond
)

// Orchestrator routes one committed user turn to the active dialog agent.
// A real implementation streams the agent's reply to TTS itself (it owns the
// LLM Streaming Consumer); StopConversation reports whether a farewell/
// stop-word completion should end the call.
type Orchestrator interface {
	Handle(ctx context.Context, sessionID, userText string) (stopConversation bool, err error)
}

// Socket is the minimal transport surface Run needs: read one inbound JSON
// frame at a time and send raw bytes (JSON frames, including StopAudio
// commands) back out.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Send(raw []byte) error
}

// Controller owns one session's Turn Controller state machine. Create one
// per accepted socket; never share across sessions.
type Controller struct {
	SessionID    string
	Store        session.Store
	STT          *sttsession.Session
	TTS          *ttssession.Session
	Orchestrator Orchestrator
	SampleRate   int
	StopWords    []string
	GreetText    string
	GreetWait    time.Duration
	ActiveAgent  string

	mu    sync.Mutex
	state State

	busyMu sync.Mutex
	busy   bool
}

// textFrame carries a browser's pre-transcribed utterance (KindText) into
// consumeSTTEvents, which treats it exactly like a provider partial/final so
// both input paths share one barge-in/commit/stop-word pipeline.
type textFrame struct {
	text    string
	isFinal bool
}

// transportBinder is implemented by Orchestrators that need a raw frame
// sender to emit their own TTS audio and event frames (the real
// orchestrator.Orchestrator does); Run binds it once per socket, since the
// controller — not the orchestrator — owns the socket's lifetime.
type transportBinder interface {
	BindTransport(send func(raw []byte) error)
}

// Run drives the session's state machine until ctx is cancelled, the socket
// closes, a stop word is detected, or the call disconnects. It owns the
// socket for its entire lifetime — no other goroutine may read from or
// write to it concurrently.
func (c *Controller) Run(ctx context.Context, socket Socket) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if b, ok := c.Orchestrator.(transportBinder); ok {
		b.BindTransport(socket.Send)
	}

	c.setState(StateIdle)
	if err := c.greet(ctx, socket); err != nil {
		slog.Warn("turn: greeting failed", "session", c.SessionID, "error", err)
	}
	c.setState(StateListening)

	// stopConversation is signalled by the STT-event goroutine when a final
	// transcript matches a stop word.
	stopConversation := make(chan struct{})
	var stopOnce sync.Once
	signalStop := func() {
		stopOnce.Do(func() {
			close(stopConversation)
			// Unblock a socket.Read that is waiting on ctx so the read loop
			// observes the stop without needing another inbound frame.
			cancel()
		})
	}

	textFrames := make(chan textFrame, 4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.consumeSTTEvents(ctx, textFrames, signalStop)
	}()
	defer wg.Wait()

	demux := framecodec.NewDemuxer()
	for {
		select {
		case <-stopConversation:
			c.setState(StateTerminal)
			return nil
		case <-ctx.Done():
			c.setState(StateTerminal)
			return ctx.Err()
		default:
		}

		raw, err := socket.Read(ctx)
		if err != nil {
			c.setState(StateTerminal)
			select {
			case <-stopConversation:
				// The read only failed because signalStop cancelled ctx to
				// unblock it; the session ended normally, not on a transport
				// error.
				return nil
			default:
				return fmt.Errorf("turn: socket read: %w", err)
			}
		}

		frame, err := demux.Decode(raw)
		if err != nil {
			if err == framecodec.ErrUnknownParticipant {
				continue
			}
			slog.Warn("turn: decode frame", "session", c.SessionID, "error", err)
			continue
		}

		switch frame.Kind {
		case framecodec.KindAudioData:
			if err := c.STT.SendAudio(frame.Data); err != nil {
				slog.Warn("turn: stt send audio", "session", c.SessionID, "error", err)
			}
		case framecodec.KindStopAudio, framecodec.KindInterrupt:
			c.bargeIn(ctx)
		case framecodec.KindText:
			select {
			case textFrames <- textFrame{text: frame.Text, isFinal: frame.IsFinal}:
			case <-ctx.Done():
			}
		}
	}
}

// consumeSTTEvents runs for the lifetime of the session, reacting to partial
// transcripts (barge-in while bot_speaking) and final transcripts (commit a
// turn), independent of whether any further inbound audio frame arrives.
// Each commit runs in its own goroutine so that a partial transcript arriving
// while the orchestrator's reply is still streaming can still preempt it —
// committing never blocks this loop's ability to observe the next barge-in.
func (c *Controller) consumeSTTEvents(ctx context.Context, textFrames <-chan textFrame, signalStop func()) {
	var commitWG sync.WaitGroup
	defer commitWG.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.STT.Partials():
			if c.isBotSpeaking(ctx) {
				c.bargeIn(ctx)
			}
		case final, ok := <-c.STT.Finals():
			if !ok {
				return
			}
			if !c.tryCommitFinal(ctx, final.Text, &commitWG, signalStop) {
				return
			}
		case tf, ok := <-textFrames:
			if !ok {
				return
			}
			if !tf.isFinal {
				if c.isBotSpeaking(ctx) {
					c.bargeIn(ctx)
				}
				continue
			}
			if !c.tryCommitFinal(ctx, tf.text, &commitWG, signalStop) {
				return
			}
		}
	}
}

// tryCommitFinal handles one final transcript, whether it arrived from the
// real STT provider or a browser's pre-transcribed text frame: checks for a
// stop word, then commits the turn in its own goroutine (guarded by
// c.busy/c.busyMu) so a barge-in on the next partial is never blocked by an
// in-flight reply. Returns false if the caller's select loop should exit
// (a stop word ended the session).
func (c *Controller) tryCommitFinal(ctx context.Context, text string, commitWG *sync.WaitGroup, signalStop func()) bool {
	if c.containsStopWord(text) {
		signalStop()
		return false
	}

	c.busyMu.Lock()
	if c.busy {
		c.busyMu.Unlock()
		slog.Warn("turn: dropping final transcript, a turn is already in flight", "session", c.SessionID)
		return true
	}
	c.busy = true
	c.busyMu.Unlock()

	commitWG.Add(1)
	go func(text string) {
		defer commitWG.Done()
		defer func() {
			c.busyMu.Lock()
			c.busy = false
			c.busyMu.Unlock()
		}()
		stop, err := c.commit(ctx, text)
		if err != nil {
			slog.Error("turn: commit turn", "session", c.SessionID, "error", err)
		}
		if stop {
			signalStop()
		}
	}(text)
	return true
}

// commit appends the user turn, transitions to committing, and hands off to
// the orchestrator. Reply synthesis/pacing is owned by the orchestrator's
// LLM Streaming Consumer; commit only tracks the resulting state transition
// and stop-conversation signal.
func (c *Controller) commit(ctx context.Context, text string) (stopConversation bool, err error) {
	c.setState(StateCommitting)

	if err := c.Store.SetContextKey(ctx, c.SessionID, session.CtxBotSpeaking, true); err != nil {
		slog.Warn("turn: set bot_speaking", "session", c.SessionID, "error", err)
	}
	c.setState(StateSpeaking)

	stop, err := c.Orchestrator.Handle(ctx, c.SessionID, text)

	if setErr := c.Store.SetContextKey(ctx, c.SessionID, session.CtxBotSpeaking, false); setErr != nil {
		slog.Warn("turn: clear bot_speaking", "session", c.SessionID, "error", setErr)
	}
	c.setState(StateListening)

	if err != nil {
		return false, err
	}
	if stop {
		c.setState(StateTerminal)
	}
	return stop, nil
}

// bargeIn preempts an in-flight reply: stops TTS, marks tts_interrupted so
// the outbound Sender's poll aborts its send loop within one
// interruptPollTick, increments interrupt_count, and persists both before
// returning to listening.
func (c *Controller) bargeIn(ctx context.Context) {
	c.setState(StateCancelled)
	c.TTS.StopSpeaking()

	if err := c.Store.SetContextKey(ctx, c.SessionID, session.CtxTTSInterrupted, true); err != nil {
		slog.Warn("turn: set tts_interrupted", "session", c.SessionID, "error", err)
	}

	count := 0
	if val, ok, _ := c.Store.GetContextKey(ctx, c.SessionID, session.CtxInterruptCount); ok {
		if n, ok := val.(int); ok {
			count = n
		} else if f, ok := val.(float64); ok {
			count = int(f)
		}
	}
	if err := c.Store.SetContextKey(ctx, c.SessionID, session.CtxInterruptCount, count+1); err != nil {
		slog.Warn("turn: set interrupt_count", "session", c.SessionID, "error", err)
	}

	c.setState(StateListening)
}

// greet enqueues the session's greeting utterance once per session, guarded
// by the "greeted" context flag, and waits GreetWait before returning so the
// caller socket has settled.
func (c *Controller) greet(ctx context.Context, socket Socket) error {
	if c.GreetText == "" {
		return nil
	}
	if val, ok, _ := c.Store.GetContextKey(ctx, c.SessionID, session.CtxGreeted); ok {
		if b, _ := val.(bool); b {
			return nil
		}
	}

	pcm, err := c.TTS.SynthesizeToPCM(ctx, c.GreetText)
	if err != nil {
		return fmt.Errorf("turn: synthesize greeting: %w", err)
	}
	sender := &framecodec.Sender{
		Store:      c.Store,
		SessionID:  c.SessionID,
		SampleRate: c.SampleRate,
		Send:       socket.Send,
	}
	if err := sender.SendPCM(ctx, pcm); err != nil {
		return fmt.Errorf("turn: send greeting: %w", err)
	}

	if err := c.Store.SetContextKey(ctx, c.SessionID, session.CtxGreeted, true); err != nil {
		return fmt.Errorf("turn: persist greeted flag: %w", err)
	}

	wait := c.GreetWait
	if wait <= 0 {
		wait = DefaultGreetWait
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
	return nil
}

// containsStopWord reports whether text matches any configured stop word by
// case-insensitive substring.
func (c *Controller) containsStopWord(text string) bool {
	lower := strings.ToLower(text)
	for _, sw := range c.StopWords {
		if sw != "" && strings.Contains(lower, strings.ToLower(sw)) {
			return true
		}
	}
	return false
}

func (c *Controller) isBotSpeaking(ctx context.Context) bool {
	val, ok, err := c.Store.GetContextKey(ctx, c.SessionID, session.CtxBotSpeaking)
	if err != nil || !ok {
		return false
	}
	b, _ := val.(bool)
	return b
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
