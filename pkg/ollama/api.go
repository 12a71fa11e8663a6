package ollama

import "encoding/json"

const (
	// modelModifiedAt is the fixed timestamp reported for local models.
	// The catalog does not track modification times and Ollama clients
	// only need the field to parse.
	modelModifiedAt = "2024-01-01T00:00:00Z"

	// runnerExpiresAt is reported for loaded runners. Residency is
	// governed by the scheduler rather than a keep-alive clock, so the
	// expiry horizon is effectively never.
	runnerExpiresAt = "2099-01-01T00:00:00Z"

	// reportedVersion is returned by /api/version. Clients gate features
	// on it, and 0.0.0 keeps them on the conservative path.
	reportedVersion = "0.0.0"
)

// ModelDetails is the detail block attached to tags, ps, and show
// responses.
type ModelDetails struct {
	ParentModel       string   `json:"parent_model"`
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// ModelSummary is one entry in the /api/tags listing.
type ModelSummary struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt string       `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// ListResponse is the /api/tags payload.
type ListResponse struct {
	Models []ModelSummary `json:"models"`
}

// ProcessModel is one entry in the /api/ps listing of loaded runners.
type ProcessModel struct {
	Name      string       `json:"name"`
	Model     string       `json:"model"`
	Size      int64        `json:"size"`
	Digest    string       `json:"digest"`
	Details   ModelDetails `json:"details"`
	ExpiresAt string       `json:"expires_at"`
	SizeVRAM  int64        `json:"size_vram"`
}

// ProcessResponse is the /api/ps payload.
type ProcessResponse struct {
	Models []ProcessModel `json:"models"`
}

// ShowRequest asks for model metadata. Clients are split between the
// name and model fields, so both are accepted everywhere.
type ShowRequest struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// ShowResponse is the modelfile-flavored metadata block for one model.
type ShowResponse struct {
	Modelfile  string                 `json:"modelfile"`
	Parameters string                 `json:"parameters"`
	Template   string                 `json:"template"`
	Details    ModelDetails           `json:"details"`
	ModelInfo  map[string]interface{} `json:"model_info"`
}

// DeleteRequest names the model to remove.
type DeleteRequest struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// PullRequest names the model to download.
type PullRequest struct {
	Name   string `json:"name"`
	Model  string `json:"model"`
	Stream *bool  `json:"stream"`
}

// VersionResponse is the /api/version payload.
type VersionResponse struct {
	Version string `json:"version"`
}

// ToolCall relays a function call between the Ollama and OpenAI wire
// shapes. Ollama carries arguments as an object while OpenAI encodes
// them as a JSON string, so the adapter converts on each crossing.
type ToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and arguments of a tool
// call.
type ToolCallFunction struct {
	Name      string      `json:"name"`
	Arguments interface{} `json:"arguments,omitempty"`
	Index     *int        `json:"index,omitempty"`
}

// Message is a single chat turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Images     []string   `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// sampling carries the generation parameters clients may set at the top
// level of a request. The same keys are also accepted inside the options
// object, with the top-level value winning when both are present.
type sampling struct {
	Temperature   *float64    `json:"temperature,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	TopK          *int        `json:"top_k,omitempty"`
	Seed          *int        `json:"seed,omitempty"`
	Stop          interface{} `json:"stop,omitempty"`
	NumPredict    *int        `json:"num_predict,omitempty"`
	RepeatPenalty *float64    `json:"repeat_penalty,omitempty"`
}

// ChatRequest is the /api/chat request body.
type ChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   *bool                  `json:"stream"`
	Format   json.RawMessage        `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
	Tools    json.RawMessage        `json:"tools,omitempty"`
	sampling
}

// GenerateRequest is the /api/generate request body.
type GenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  *bool                  `json:"stream"`
	Format  json.RawMessage        `json:"format,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
	sampling
}

// ChatResponse is a non-streaming /api/chat response. It doubles as the
// terminal record of a chat stream, which carries the same fields.
type ChatResponse struct {
	Model              string   `json:"model"`
	CreatedAt          string   `json:"created_at"`
	Message            *Message `json:"message,omitempty"`
	Done               bool     `json:"done"`
	DoneReason         string   `json:"done_reason,omitempty"`
	TotalDuration      int64    `json:"total_duration"`
	LoadDuration       int64    `json:"load_duration"`
	PromptEvalCount    int64    `json:"prompt_eval_count"`
	PromptEvalDuration int64    `json:"prompt_eval_duration"`
	EvalCount          int64    `json:"eval_count"`
	EvalDuration       int64    `json:"eval_duration"`
}

// chatStreamChunk is an intermediate record on a chat stream. Records
// that relay a finish_reason set done without the terminal statistics.
type chatStreamChunk struct {
	Model      string   `json:"model"`
	CreatedAt  string   `json:"created_at"`
	Message    *Message `json:"message,omitempty"`
	Done       bool     `json:"done"`
	DoneReason string   `json:"done_reason,omitempty"`
}

// GenerateResponse is a non-streaming /api/generate response and the
// terminal record of a generate stream. Context is always empty; the
// server does not hand out reusable context vectors.
type GenerateResponse struct {
	Model              string `json:"model"`
	CreatedAt          string `json:"created_at"`
	Response           string `json:"response"`
	Done               bool   `json:"done"`
	DoneReason         string `json:"done_reason,omitempty"`
	Context            []int  `json:"context"`
	TotalDuration      int64  `json:"total_duration"`
	LoadDuration       int64  `json:"load_duration"`
	PromptEvalCount    int64  `json:"prompt_eval_count"`
	PromptEvalDuration int64  `json:"prompt_eval_duration"`
	EvalCount          int64  `json:"eval_count"`
	EvalDuration       int64  `json:"eval_duration"`
}

// generateStreamChunk is an intermediate record on a generate stream.
type generateStreamChunk struct {
	Model      string `json:"model"`
	CreatedAt  string `json:"created_at"`
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
}

// EmbedRequest is the /api/embed request body. Input passes through to
// the embeddings backend untouched, so strings and arrays both work.
type EmbedRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input,omitempty"`
}

// EmbedResponse returns one embedding per input.
type EmbedResponse struct {
	Model           string            `json:"model"`
	Embeddings      []json.RawMessage `json:"embeddings"`
	TotalDuration   int64             `json:"total_duration"`
	LoadDuration    int64             `json:"load_duration"`
	PromptEvalCount int64             `json:"prompt_eval_count"`
}

// EmbeddingsRequest is the legacy single-embedding request body.
type EmbeddingsRequest struct {
	Model  string          `json:"model"`
	Prompt json.RawMessage `json:"prompt,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// EmbeddingsResponse is the legacy single-embedding payload.
type EmbeddingsResponse struct {
	Model     string          `json:"model"`
	Embedding json.RawMessage `json:"embedding"`
}

// pullStatus is a bare status record on a pull stream.
type pullStatus struct {
	Status string `json:"status"`
}

// pullDownloading reports transfer progress for one file on a pull
// stream.
type pullDownloading struct {
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
}

// errorResponse is the protocol's error shape, a bare string rather
// than the OpenAI error object.
type errorResponse struct {
	Error string `json:"error"`
}

// Upstream response slices this layer relays. Choices cover both chat
// shapes (message, delta) and the completion shape (text).

type openAIMessage struct {
	Role      string          `json:"role"`
	Content   *string         `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

type openAIChoice struct {
	Message      *openAIMessage `json:"message"`
	Delta        *openAIMessage `json:"delta"`
	Text         *string        `json:"text"`
	FinishReason *string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// openAITimings carries llama.cpp's measured timings, which beat the
// zero duration estimates the adapter reports otherwise.
type openAITimings struct {
	PromptN     *int64   `json:"prompt_n"`
	PredictedN  *int64   `json:"predicted_n"`
	PromptMS    *float64 `json:"prompt_ms"`
	PredictedMS *float64 `json:"predicted_ms"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Timings *openAITimings `json:"timings"`
}

type openAIEmbeddingsResponse struct {
	Data []openAIEmbeddingRow `json:"data"`
}

type openAIEmbeddingRow struct {
	Embedding json.RawMessage `json:"embedding"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
