package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// Transcribe runs one audio buffer through a transcription model and returns
// the recognized text. Realtime sessions call this once per detected speech
// turn; it shares the pool with the HTTP transcription endpoint.
func (s *Scheduler) Transcribe(ctx context.Context, model string, audio []byte, language string) (string, error) {
	entry, err := s.catalog.Lookup(model)
	if err != nil {
		return "", err
	}
	if entry.Recipe != catalog.RecipeWhisperCpp {
		return "", inference.NewError(inference.ErrBadRequest,
			"model %s does not support audio transcription", entry.Name)
	}

	runner, err := s.Acquire(ctx, entry, inference.BackendModeCompletion)
	if err != nil {
		return "", err
	}
	defer s.Release(runner)

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.WriteField("model", entry.Name); err != nil {
		return "", err
	}
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			return "", err
		}
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"/api/v1/audio/transcriptions", bytes.NewReader(form.Bytes()))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	buffer := newResponseBuffer()
	runner.ServeHTTP(buffer, request)
	if buffer.status >= http.StatusBadRequest {
		return "", inference.NewError(inference.ErrUpstreamFailed,
			"transcription failed with status %d", buffer.status)
	}

	var reply struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(buffer.body.Bytes(), &reply); err != nil {
		return "", inference.NewError(inference.ErrUpstreamFailed,
			"transcription returned an unreadable reply")
	}
	return strings.TrimSpace(reply.Text), nil
}
