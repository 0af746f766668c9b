// Package ttssession wraps a [tts.Provider] with the two explicit speaking
// modes the turn controller needs: a cancellable streaming mode
// (StartSpeakingText/StopSpeaking) for live dialog turns, and a one-shot
// buffered mode (SynthesizeToPCM) for short fixed prompts such as DTMF
// collection tones.
//
// Grounded on engine/cascade.Engine's per-utterance textCh pattern: each
// utterance gets its own text channel and its own cancellable context, so
// stopping one utterance never disturbs a previous or following one.
package ttssession

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// defaultTextBuf is the buffer depth of the text channel fed to the provider
// during a streaming utterance, sized to absorb several sentences without
// blocking the producer.
const defaultTextBuf = 16

// Session wraps a [tts.Provider] for one caller's voice, tracking the
// currently in-flight utterance so it can be cancelled on barge-in.
// Safe for concurrent use; StartSpeakingText/StopSpeaking calls are
// serialized internally.
type Session struct {
	provider tts.Provider
	voice    types.VoiceProfile

	mu      sync.Mutex
	cancel  context.CancelFunc
	active  bool
}

// New wraps provider for synthesis using voice.
func New(provider tts.Provider, voice types.VoiceProfile) *Session {
	return &Session{provider: provider, voice: voice}
}

// StartSpeakingText begins streaming text fragments (as produced by the LLM
// streaming consumer) to the TTS provider and returns the audio channel the
// frame codec should pace out to the caller. Any previously in-flight
// utterance is stopped first, matching the "one utterance at a time per
// session" invariant.
//
// text should be closed by the caller once the utterance's final fragment
// has been sent; the returned audio channel closes when synthesis completes
// or StopSpeaking is called.
func (s *Session) StartSpeakingText(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	s.mu.Lock()
	if s.active && s.cancel != nil {
		s.cancel()
	}
	uttCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.active = true
	s.mu.Unlock()

	audioCh, err := s.provider.SynthesizeStream(uttCtx, text, s.voice)
	if err != nil {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("ttssession: start speaking: %w", err)
	}

	out := make(chan []byte, cap(audioCh))
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}()
		for chunk := range audioCh {
			select {
			case out <- chunk:
			case <-uttCtx.Done():
				return
			}
		}
	}()

	return out, nil
}

// StopSpeaking cancels the in-flight streaming utterance, if any. The audio
// channel returned by StartSpeakingText closes shortly after. Safe to call
// when no utterance is active.
func (s *Session) StopSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.active = false
}

// Speaking reports whether an utterance is currently being synthesized.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SynthesizeToPCM synthesizes a single fixed string to completion and
// returns the full PCM buffer, for short non-streamed prompts (DTMF
// collection tones, fixed disclaimers) where there is nothing to pipeline.
func (s *Session) SynthesizeToPCM(ctx context.Context, text string) ([]byte, error) {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := s.provider.SynthesizeStream(ctx, textCh, s.voice)
	if err != nil {
		return nil, fmt.Errorf("ttssession: synthesize to pcm: %w", err)
	}

	var out []byte
	for chunk := range audioCh {
		out = append(out, chunk...)
	}
	return out, nil
}
