// Package sttsession wraps a [stt.Provider] session with the explicit
// cancel(reason) sink the turn controller needs for barge-in and call
// teardown, plus ambient-credential bearer token refresh for providers that
// authenticate via Google Application Default Credentials.
//
// The underlying stt.Provider/stt.SessionHandle pair already matches the
// Start/WriteBytes/Stop + partial/final contract almost exactly; this package
// adds only what that interface is missing.
package sttsession

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/auth/credentials"

	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// Session wraps an open [stt.SessionHandle] with a cancel(reason) sink.
// Safe for concurrent use.
type Session struct {
	handle stt.SessionHandle

	mu        sync.Mutex
	closed    bool
	cancelCh  chan string
}

// Start opens a new STT streaming session against provider and returns a
// Session ready to accept audio. The language in cfg may be left empty to
// enable continuous auto-language-id, if the underlying provider supports it.
func Start(ctx context.Context, provider stt.Provider, cfg stt.StreamConfig) (*Session, error) {
	handle, err := provider.StartStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sttsession: start stream: %w", err)
	}
	return &Session{
		handle:   handle,
		cancelCh: make(chan string, 1),
	}, nil
}

// SendAudio forwards a chunk of PCM audio to the underlying provider session.
func (s *Session) SendAudio(chunk []byte) error {
	return s.handle.SendAudio(chunk)
}

// Partials returns the provider's low-latency interim transcript channel.
func (s *Session) Partials() <-chan types.Transcript {
	return s.handle.Partials()
}

// Finals returns the provider's authoritative transcript channel.
func (s *Session) Finals() <-chan types.Transcript {
	return s.handle.Finals()
}

// SetKeywords replaces the active keyword boost list, see
// [stt.SessionHandle.SetKeywords].
func (s *Session) SetKeywords(keywords []types.KeywordBoost) error {
	return s.handle.SetKeywords(keywords)
}

// Cancel signals cancellation with reason (e.g. "barge_in", "call_ended") to
// anything selecting on [Session.Cancelled]. Non-blocking: if a cancellation
// is already pending, the new reason is dropped. Safe to call multiple times
// and after Close.
func (s *Session) Cancel(reason string) {
	select {
	case s.cancelCh <- reason:
	default:
	}
}

// Cancelled returns a channel that receives the pending cancellation reason:
// the first [Session.Cancel] reason not yet received, since later reasons are
// dropped while one is pending. The turn controller selects on this
// alongside Partials/Finals to detect mid-utterance cancellation.
func (s *Session) Cancelled() <-chan string {
	return s.cancelCh
}

// Close terminates the underlying provider session. Safe to call more than
// once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.handle.Close()
}

// BearerToken resolves an OAuth2 bearer token from Application Default
// Credentials for STT providers that authenticate over ambient Google
// credentials rather than a static API key. The returned token is refreshed
// on every call; callers needing repeated tokens should cache the result
// until its expiry.
func BearerToken(ctx context.Context) (string, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return "", fmt.Errorf("sttsession: detect default credentials: %w", err)
	}
	tok, err := creds.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("sttsession: refresh bearer token: %w", err)
	}
	return tok.Value, nil
}
