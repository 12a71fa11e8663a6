package realtime

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// Transcriber runs committed audio through a transcription model. The
// scheduler satisfies this through a small adapter; the pool's Acquire path
// handles model loading and eviction underneath.
type Transcriber interface {
	// Warm loads the model so later commits do not pay the launch cost.
	Warm(ctx context.Context, model string) error
	// Transcribe converts one WAV clip into text.
	Transcribe(ctx context.Context, model string, wav []byte, language string) (string, error)
}

// Session states. A session starts awaiting its configuration update and
// alternates between streaming and committing until closed.
type sessionState int

const (
	stateAwaitingUpdate sessionState = iota
	stateStreaming
	stateCommitting
	stateClosed
)

// clientMessage is the envelope of every inbound frame.
type clientMessage struct {
	Type    string         `json:"type"`
	Session *sessionConfig `json:"session,omitempty"`
	Audio   string         `json:"audio,omitempty"`
}

// sessionConfig carries the configurable session fields.
type sessionConfig struct {
	Model         string         `json:"model,omitempty"`
	Language      string         `json:"language,omitempty"`
	TurnDetection *turnDetection `json:"turn_detection,omitempty"`
}

// turnDetection mirrors the OpenAI realtime turn_detection object.
type turnDetection struct {
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// serverEvent is the envelope of every outbound frame.
type serverEvent struct {
	Type         string        `json:"type"`
	Session      *sessionInfo  `json:"session,omitempty"`
	AudioStartMs *int64        `json:"audio_start_ms,omitempty"`
	AudioEndMs   *int64        `json:"audio_end_ms,omitempty"`
	Transcript   *string       `json:"transcript,omitempty"`
	Error        *eventError   `json:"error,omitempty"`
}

type sessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
}

type eventError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Session is one realtime transcription conversation. All methods are driven
// from a single read loop, so only the audio buffer needs internal locking.
type Session struct {
	log         logging.Logger
	id          string
	state       sessionState
	model       string
	language    string
	buffer      *AudioBuffer
	vad         *VAD
	transcriber Transcriber
	// send delivers one event frame to the client.
	send func(event serverEvent) error
}

// newSessionID generates ids of the form sess_<24 hex chars>.
func newSessionID() string {
	raw := make([]byte, 12)
	_, _ = rand.Read(raw)
	return "sess_" + hex.EncodeToString(raw)
}

// NewSession creates a session and announces it to the client.
func NewSession(log logging.Logger, transcriber Transcriber, send func(event serverEvent) error) (*Session, error) {
	s := &Session{
		log:         log,
		id:          newSessionID(),
		state:       stateAwaitingUpdate,
		buffer:      NewAudioBuffer(),
		vad:         NewVAD(DefaultVADConfig()),
		transcriber: transcriber,
		send:        send,
	}
	err := s.send(serverEvent{
		Type:    "transcription_session.created",
		Session: &sessionInfo{ID: s.id},
	})
	return s, err
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Close discards the buffer and refuses further messages.
func (s *Session) Close() {
	s.state = stateClosed
	s.buffer.Clear()
}

// sendError reports a recoverable protocol failure. The connection stays
// open.
func (s *Session) sendError(kind, message string) error {
	return s.send(serverEvent{
		Type:  "error",
		Error: &eventError{Message: message, Type: kind},
	})
}

// HandleMessage dispatches one inbound frame. The returned error is fatal to
// the connection; protocol-level problems are answered with error frames
// instead.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) error {
	if s.state == stateClosed {
		return nil
	}

	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return s.sendError("invalid_request_error", "message is not valid JSON")
	}

	switch msg.Type {
	case "transcription_session.update":
		return s.handleUpdate(ctx, msg.Session)
	case "input_audio_buffer.append":
		return s.handleAppend(msg.Audio)
	case "input_audio_buffer.commit":
		return s.handleCommit(ctx)
	case "input_audio_buffer.clear":
		return s.handleClear()
	case "":
		return s.sendError("invalid_request_error", "message has no type")
	default:
		return s.sendError("invalid_request_error", "unknown message type: "+msg.Type)
	}
}

func (s *Session) handleUpdate(ctx context.Context, config *sessionConfig) error {
	if config == nil || config.Model == "" {
		return s.sendError("invalid_request_error", "session update requires a model")
	}

	if config.TurnDetection != nil {
		vadConfig := DefaultVADConfig()
		if config.TurnDetection.Threshold > 0 {
			vadConfig.EnergyThreshold = config.TurnDetection.Threshold
		}
		if config.TurnDetection.SilenceDurationMs > 0 {
			vadConfig.MinSilenceMs = config.TurnDetection.SilenceDurationMs
		}
		if config.TurnDetection.PrefixPaddingMs > 0 {
			vadConfig.MinSpeechMs = config.TurnDetection.PrefixPaddingMs
		}
		s.vad = NewVAD(vadConfig)
	}

	if err := s.transcriber.Warm(ctx, config.Model); err != nil {
		s.log.Warnf("Unable to load realtime model %s: %v", config.Model, err)
		return s.sendError("model_error", "unable to load model: "+err.Error())
	}

	s.model = config.Model
	s.language = config.Language
	if s.state == stateAwaitingUpdate {
		s.state = stateStreaming
	}

	return s.send(serverEvent{
		Type:    "transcription_session.updated",
		Session: &sessionInfo{ID: s.id, Model: s.model},
	})
}

func (s *Session) handleAppend(audio string) error {
	if s.state != stateStreaming {
		return s.sendError("invalid_request_error", "session is not configured for streaming")
	}
	chunk, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		return s.sendError("invalid_request_error", "audio is not valid base64")
	}
	s.buffer.Append(chunk)

	event := s.vad.Process(s.buffer.RecentWindow(vadWindowMs), s.buffer.DurationMs())
	switch event {
	case VADSpeechStart:
		startMs := s.vad.SpeechStartMs()
		return s.send(serverEvent{
			Type:         "input_audio_buffer.speech_started",
			AudioStartMs: &startMs,
		})
	case VADSpeechStop:
		endMs := s.vad.SpeechEndMs()
		if err := s.send(serverEvent{
			Type:       "input_audio_buffer.speech_stopped",
			AudioEndMs: &endMs,
		}); err != nil {
			return err
		}
		// A completed speech turn transcribes without waiting for an
		// explicit commit.
		return s.transcribe(context.Background())
	}
	return nil
}

func (s *Session) handleCommit(ctx context.Context) error {
	if s.state != stateStreaming {
		return s.sendError("invalid_request_error", "session is not configured for streaming")
	}
	if s.buffer.Len() == 0 {
		return s.sendError("invalid_request_error", "audio buffer is empty")
	}
	if err := s.send(serverEvent{Type: "input_audio_buffer.committed"}); err != nil {
		return err
	}
	return s.transcribe(ctx)
}

func (s *Session) handleClear() error {
	s.buffer.Clear()
	s.vad.Reset()
	return s.send(serverEvent{Type: "input_audio_buffer.cleared"})
}

// transcribe runs the buffered audio through the model and reports the
// transcript. The buffer is cleared only after success, so a failed commit
// can be retried.
func (s *Session) transcribe(ctx context.Context) error {
	if s.buffer.Len() == 0 {
		return nil
	}
	s.state = stateCommitting
	defer func() {
		if s.state == stateCommitting {
			s.state = stateStreaming
		}
	}()

	wav := s.buffer.WAV()
	s.log.Debugf("Transcribing %d bytes from session %s", len(wav), s.id)
	transcript, err := s.transcriber.Transcribe(ctx, s.model, wav, s.language)
	if err != nil {
		s.log.Warnf("Realtime transcription failed for session %s: %v", s.id, err)
		return s.sendError("transcription_error", "transcription failed: "+err.Error())
	}

	s.buffer.Clear()
	s.vad.Reset()
	return s.send(serverEvent{
		Type:       "conversation.item.input_audio_transcription.completed",
		Transcript: &transcript,
	})
}
