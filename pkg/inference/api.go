package inference

// APIPrefix is the prefix for the primary REST surface. All OpenAI-compatible
// and Lemonade-specific routes are mounted beneath it.
const APIPrefix = "/api/v1"

// LegacyAPIPrefix is an accepted alias for APIPrefix. Requests arriving under
// it are rewritten before routing.
const LegacyAPIPrefix = "/api/v0"

// OpenAIPrefix is an additional alias so that clients configured with a bare
// OpenAI base URL (for example "http://localhost:8000/v1") work unchanged.
const OpenAIPrefix = "/v1"

// OllamaAPIPrefix is the prefix for the Ollama compatibility surface.
const OllamaAPIPrefix = "/api"

// RequestOriginHeader is the HTTP header used to track the origin of inference
// requests. It is set internally by proxy handlers (e.g. the Ollama
// compatibility layer) so that telemetry can attribute usage by source.
const RequestOriginHeader = "X-Request-Origin"

// Valid origin values for the RequestOriginHeader.
const (
	// OriginOllamaCompletion indicates the request came from the Ollama /api/chat or /api/generate endpoints
	OriginOllamaCompletion = "ollama/completion"
	// OriginRealtimeTranscription indicates the request came from the realtime WebSocket session
	OriginRealtimeTranscription = "realtime/transcription"
)
