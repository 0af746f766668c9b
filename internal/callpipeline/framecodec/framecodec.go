// Package framecodec implements the JSON audio frame envelope used on the
// caller audio socket: inbound demuxing of AudioData/AudioMetadata/
// CallConnected/StopAudio/StartAudio frames, participant-id allow-list
// rejection, sample-rate conversion when the telephony leg and the
// configured STT/TTS providers disagree on rate, and outbound fixed-size
// frame cutting with realtime pacing and mid-stream interrupt polling.
//
// Grounded on pkg/audio/types.AudioFrame and pkg/audio/discord/opus.go's
// frame-size arithmetic (sampleRate*frameDurationMs/1000*bytesPerSample),
// generalized from 20ms Opus frames to 10ms PCM frames; rate conversion
// delegates to pkg/audio's linear-interpolation resampler.
package framecodec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/MrWong99/glyphoxa/internal/session"
	"github.com/MrWong99/glyphoxa/pkg/audio"
)

const (
	// frameDurationMs is the outbound audio frame duration in milliseconds.
	frameDurationMs = 10
	// bytesPerSample is the PCM sample width (16-bit little-endian).
	bytesPerSample = 2
	// interruptPollEvery governs how often the outbound send loop checks the
	// session's tts_interrupted flag.
	interruptPollEvery = 80 * time.Millisecond
)

// FrameSize returns the number of bytes in one outbound frame at sampleRate:
// sampleRate * 0.01s * bytesPerSample.
func FrameSize(sampleRate int) int {
	return sampleRate * frameDurationMs / 1000 * bytesPerSample
}

// Kind enumerates the inbound/outbound JSON frame kinds exchanged over the
// caller audio socket.
type Kind string

const (
	KindAudioData     Kind = "AudioData"
	KindAudioMetadata Kind = "AudioMetadata"
	KindCallConnected Kind = "CallConnected"
	KindStopAudio     Kind = "StopAudio"
	KindStartAudio    Kind = "StartAudio"

	// KindText and KindInterrupt are synthetic kinds assigned to the
	// telephony-provider-less browser frame shapes — {"text":"...",
	// "is_final":bool} and {"type":"interrupt"} — that carry no "kind"
	// field of their own. Browsers that pre-transcribe skip the STT leg
	// entirely and submit text directly.
	KindText      Kind = "Text"
	KindInterrupt Kind = "Interrupt"
)

// InboundFrame is the demuxed representation of a single inbound JSON frame.
type InboundFrame struct {
	Kind             Kind
	Data             []byte // decoded PCM, set when Kind == KindAudioData
	ParticipantRawID string
	Timestamp        string
	Text             string // set when Kind == KindText
	IsFinal          bool   // set when Kind == KindText
}

// audioDataPayload mirrors the "audioData" object of an inbound AudioData frame.
type audioDataPayload struct {
	Data             string `json:"data"`
	ParticipantRawID string `json:"participantRawID"`
	Timestamp        string `json:"timestamp"`
}

// envelope mirrors the outer shape shared by all inbound frame kinds.
type envelope struct {
	Kind      Kind             `json:"kind"`
	AudioData audioDataPayload `json:"audioData"`
}

// ErrUnknownParticipant is returned by Decode when a frame's
// participantRawID does not match the call's known caller id, so the agent
// never transcribes its own synthesized audio looped back by the telephony
// provider.
var ErrUnknownParticipant = fmt.Errorf("framecodec: participant id does not match known caller")

// Demuxer decodes inbound JSON frames for one call, tracking the caller's
// participant id as learned from the first CallConnected frame.
// Safe for concurrent use.
type Demuxer struct {
	mu          sync.Mutex
	callerID    string
	callerKnown bool

	// CallerRate and STTRate, when both non-zero and different, make Decode
	// resample AudioData PCM from the telephony leg's native rate (commonly
	// 8000Hz for PSTN) to the rate the configured STT provider expects.
	// Zero in either field disables resampling (passthrough).
	CallerRate int
	STTRate    int
}

// NewDemuxer returns a Demuxer with no known caller participant id yet and no
// rate conversion configured.
func NewDemuxer() *Demuxer {
	return &Demuxer{}
}

// Decode parses a single raw JSON frame. For AudioData frames whose
// participantRawID does not match the learned caller id, it returns
// ErrUnknownParticipant — the caller should drop the frame rather than
// transcribe it. CallConnected frames record the caller id on a first-writer-
// wins basis.
func (d *Demuxer) Decode(raw []byte) (InboundFrame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundFrame{}, fmt.Errorf("framecodec: decode frame: %w", err)
	}

	switch env.Kind {
	case KindCallConnected:
		d.mu.Lock()
		if !d.callerKnown {
			d.callerID = env.AudioData.ParticipantRawID
			d.callerKnown = true
		}
		d.mu.Unlock()
		return InboundFrame{Kind: KindCallConnected, ParticipantRawID: env.AudioData.ParticipantRawID}, nil

	case KindAudioData:
		d.mu.Lock()
		known, expect := d.callerKnown, d.callerID
		d.mu.Unlock()
		if known && env.AudioData.ParticipantRawID != "" && env.AudioData.ParticipantRawID != expect {
			return InboundFrame{}, ErrUnknownParticipant
		}
		pcm, err := base64.StdEncoding.DecodeString(env.AudioData.Data)
		if err != nil {
			return InboundFrame{}, fmt.Errorf("framecodec: decode base64 pcm: %w", err)
		}
		if d.CallerRate != 0 && d.STTRate != 0 && d.CallerRate != d.STTRate {
			pcm = audio.ResampleMono16(pcm, d.CallerRate, d.STTRate)
		}
		return InboundFrame{
			Kind:             KindAudioData,
			Data:             pcm,
			ParticipantRawID: env.AudioData.ParticipantRawID,
			Timestamp:        env.AudioData.Timestamp,
		}, nil

	case KindAudioMetadata, KindStopAudio, KindStartAudio:
		return InboundFrame{Kind: env.Kind}, nil

	case "":
		return decodeBrowserFrame(raw)

	default:
		return InboundFrame{}, fmt.Errorf("framecodec: unknown frame kind %q", env.Kind)
	}
}

// browserEnvelope mirrors the shape browsers that pre-transcribe speech
// send in place of telephony-provider audio frames.
type browserEnvelope struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// decodeBrowserFrame decodes a frame with no "kind" field as either a
// {"type":"interrupt"} control frame or a {"text":"...","is_final":bool}
// pre-transcribed utterance frame.
func decodeBrowserFrame(raw []byte) (InboundFrame, error) {
	var be browserEnvelope
	if err := json.Unmarshal(raw, &be); err != nil {
		return InboundFrame{}, fmt.Errorf("framecodec: decode frame: %w", err)
	}
	if be.Type == "interrupt" {
		return InboundFrame{Kind: KindInterrupt}, nil
	}
	if be.Text != "" {
		return InboundFrame{Kind: KindText, Text: be.Text, IsFinal: be.IsFinal}, nil
	}
	return InboundFrame{}, fmt.Errorf("framecodec: unrecognized frame")
}

// StopAudioFrame is the fixed JSON payload sent to command the provider to
// stop playback mid-stream.
var StopAudioFrame = []byte(`{"Kind":"StopAudio","AudioData":null,"StopAudio":{}}`)

// EncodeFrame wraps a base64-encoded PCM chunk as an outbound AudioData
// frame envelope, using tidwall/sjson to build the JSON without a
// full struct round-trip.
func EncodeFrame(pcm []byte) ([]byte, error) {
	b64 := base64.StdEncoding.EncodeToString(pcm)
	raw, err := sjson.SetBytes(nil, "kind", string(KindAudioData))
	if err != nil {
		return nil, fmt.Errorf("framecodec: encode frame: %w", err)
	}
	raw, err = sjson.SetBytes(raw, "AudioData.data", b64)
	if err != nil {
		return nil, fmt.Errorf("framecodec: encode frame: %w", err)
	}
	return raw, nil
}

// Sender paces a PCM buffer out as fixed-size outbound frames, polling the
// session store's tts_interrupted flag every ~80ms and aborting the send
// loop as soon as it observes true.
type Sender struct {
	Store      session.Store
	SessionID  string
	SampleRate int
	// TTSRate is the sample rate the TTS provider actually synthesized pcm
	// at, when it differs from SampleRate (the caller's telephony leg rate).
	// Zero means pcm is already at SampleRate (passthrough).
	TTSRate int
	// Send delivers one encoded frame to the transport. Errors abort the
	// send loop.
	Send func(frame []byte) error
}

// SendPCM cuts pcm into fixed-size frames (zero-padding the final, short
// frame), encodes and sends each one with ~10ms inter-frame pacing, and
// returns early without error if interrupted via tts_interrupted or ctx
// cancellation. If TTSRate is set and differs from SampleRate, pcm is
// resampled to SampleRate before framing.
func (s *Sender) SendPCM(ctx context.Context, pcm []byte) error {
	if s.TTSRate != 0 && s.SampleRate != 0 && s.TTSRate != s.SampleRate {
		pcm = audio.ResampleMono16(pcm, s.TTSRate, s.SampleRate)
	}
	frameSize := FrameSize(s.SampleRate)
	if frameSize <= 0 {
		return fmt.Errorf("framecodec: invalid sample rate %d", s.SampleRate)
	}

	ticker := time.NewTicker(frameDurationMs * time.Millisecond)
	defer ticker.Stop()

	lastPoll := time.Now()
	for off := 0; off < len(pcm); off += frameSize {
		end := off + frameSize
		var frame []byte
		if end <= len(pcm) {
			frame = pcm[off:end]
		} else {
			frame = make([]byte, frameSize)
			copy(frame, pcm[off:])
		}

		if time.Since(lastPoll) >= interruptPollEvery {
			lastPoll = time.Now()
			if interrupted, err := s.isInterrupted(ctx); err == nil && interrupted {
				return nil
			}
		}

		encoded, err := EncodeFrame(frame)
		if err != nil {
			return err
		}
		if err := s.Send(encoded); err != nil {
			return fmt.Errorf("framecodec: send frame: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// isInterrupted reads the session's tts_interrupted flag via the fast
// field-level context-key path, avoiding a full session decode.
func (s *Sender) isInterrupted(ctx context.Context) (bool, error) {
	val, ok, err := s.Store.GetContextKey(ctx, s.SessionID, "tts_interrupted")
	if err != nil || !ok {
		return false, err
	}
	b, _ := val.(bool)
	return b, nil
}
