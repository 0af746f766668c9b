// Package wsrouter implements the WebSocket Router: the HTTP/WebSocket
// surface that accepts the caller audio socket and the observer relay
// socket, wiring each accepted connection to the dependencies it needs and
// nothing more. The router performs no business logic of its own — routing
// a user turn through an agent, applying barge-in, and paging a human are
// all owned by the Turn Controller and the dialog orchestrator it drives.
//
// Grounded on pkg/audio/webrtc/signaling.go's accept-loop/per-connection
// struct shape (SignalingServer.Handler building an http.ServeMux of
// Go 1.22+ pattern routes, getOrCreateRoom's lazy per-id construction) and
// internal/discord/bot.go's ready-handler wiring pattern (construct
// dependencies once at startup, hand them to a per-connection owner that
// blocks until the connection's context is done), using
// github.com/coder/websocket — already a direct dependency via the
// Deepgram/ElevenLabs provider clients — in place of gorilla/websocket.
package wsrouter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/glyphoxa/internal/callpipeline/sttsession"
	"github.com/MrWong99/glyphoxa/internal/callpipeline/turn"
	"github.com/MrWong99/glyphoxa/internal/callpipeline/ttssession"
	"github.com/MrWong99/glyphoxa/internal/observer/hub"
	"github.com/MrWong99/glyphoxa/internal/session"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// readTimeout bounds how long the caller socket's Read may block before the
// Turn Controller treats the connection as idle — a 5s socket-receive idle
// tick.
const readTimeout = 5 * time.Second

// Router wires freshly accepted sockets onto freshly constructed Turn
// Controllers and Broadcast Hub subscriptions. Construct one per process;
// it holds no per-call state itself.
type Router struct {
	Store session.Store
	Hub   *hub.Hub

	STTProvider stt.Provider
	TTSProvider tts.Provider
	Voice       types.VoiceProfile
	SampleRate  int
	STTConfig   stt.StreamConfig

	// NewOrchestrator builds a fresh per-call Orchestrator for sessionID.
	// Required; the router has no domain knowledge of its own.
	NewOrchestrator func(sessionID string) turn.Orchestrator

	StopWords []string
	GreetText string
	GreetWait time.Duration
}

// Handler returns the HTTP surface serving the two socket endpoints.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/call", rt.handleCall)
	mux.HandleFunc("GET /ws/observe", rt.handleObserve)
	return mux
}

// handleCall accepts one caller audio socket, builds that call's STT/TTS
// sessions and Turn Controller, and blocks for the connection's lifetime.
// On return (normal stop word, disconnect, or error) the socket is closed;
// handleCall itself does not persist the session.
func (rt *Router) handleCall(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("wsrouter: accept call socket", "error", err)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx := r.Context()

	cfg := rt.STTConfig
	if cfg.SampleRate == 0 {
		cfg.SampleRate = rt.SampleRate
	}
	sttSess, err := sttsession.Start(ctx, rt.STTProvider, cfg)
	if err != nil {
		slog.Error("wsrouter: start stt session", "session", sessionID, "error", err)
		conn.Close(websocket.StatusInternalError, "stt unavailable")
		return
	}
	defer sttSess.Cancel("call_ended")

	controller := &turn.Controller{
		SessionID:    sessionID,
		Store:        rt.Store,
		STT:          sttSess,
		TTS:          ttssession.New(rt.TTSProvider, rt.Voice),
		Orchestrator: rt.NewOrchestrator(sessionID),
		SampleRate:   rt.SampleRate,
		StopWords:    rt.StopWords,
		GreetText:    rt.GreetText,
		GreetWait:    rt.GreetWait,
	}

	socket := &wsSocket{conn: conn, readTimeout: readTimeout}
	if err := controller.Run(ctx, socket); err != nil && ctx.Err() == nil {
		slog.Warn("wsrouter: call session ended with error", "session", sessionID, "error", err)
	}

	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// handleObserve accepts one observer relay socket, joins it to the
// Broadcast Hub, and drains inbound frames as keepalive pings until the
// connection closes.
func (rt *Router) handleObserve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("wsrouter: accept observer socket", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "observer disconnected")

	id := uuid.NewString()
	sender := &wsSocket{conn: conn, readTimeout: readTimeout}
	rt.Hub.Add(id, sender)
	defer rt.Hub.Remove(id)

	ctx := r.Context()
	for {
		if _, err := socketReadWithTimeout(ctx, conn, readTimeout); err != nil {
			return
		}
	}
}

// wsSocket adapts a *websocket.Conn to turn.Socket (and hub.Sender, for the
// observer relay) by speaking binary/text JSON frames.
type wsSocket struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := socketReadWithTimeout(ctx, s.conn, s.readTimeout)
	return data, err
}

func (s *wsSocket) Send(raw []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, raw)
}

func socketReadWithTimeout(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (websocket.MessageType, []byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	typ, data, err := conn.Read(readCtx)
	if err != nil {
		return typ, nil, fmt.Errorf("wsrouter: read frame: %w", err)
	}
	return typ, data, nil
}
