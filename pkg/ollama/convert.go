package ollama

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference/models"
)

// normalizeModelName strips the :latest tag Ollama clients append to
// untagged names.
func normalizeModelName(name string) string {
	const suffix = ":latest"
	if len(name) > len(suffix) && strings.HasSuffix(name, suffix) {
		return strings.TrimSuffix(name, suffix)
	}
	return name
}

// modelDigest derives a stable content digest from the model id. The
// weight store has no manifest digests, and clients use the value only
// to distinguish models from one another.
func modelDigest(id string) string {
	sum := sha256.Sum256([]byte(id))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// isParameterSizeLabel matches labels like "7B" or "1.5B".
func isParameterSizeLabel(label string) bool {
	if len(label) < 2 || len(label) > 5 || label[len(label)-1] != 'B' {
		return false
	}
	for _, c := range label[:len(label)-1] {
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}

// isQuantizationLabel matches labels like "Q4_0" or "Q8_K_M".
func isQuantizationLabel(label string) bool {
	return len(label) >= 2 && label[0] == 'Q' && label[1] >= '0' && label[1] <= '9'
}

// detailsFor fills the protocol's detail block. The backend family
// stands in for the model family, and parameter size and quantization
// are recovered from catalog labels when present.
func detailsFor(family string, labels []string) ModelDetails {
	details := ModelDetails{
		Format:   "gguf",
		Family:   family,
		Families: []string{family},
	}
	for _, label := range labels {
		if isParameterSizeLabel(label) {
			details.ParameterSize = label
		}
		if isQuantizationLabel(label) {
			details.QuantizationLevel = label
		}
	}
	return details
}

// modelSummary converts one catalog model into a tags entry.
func modelSummary(m *models.OpenAIModel) ModelSummary {
	tag := m.ID + ":latest"
	return ModelSummary{
		Name:       tag,
		Model:      tag,
		ModifiedAt: modelModifiedAt,
		Size:       int64(m.Size * float64(1<<30)),
		Digest:     modelDigest(m.ID),
		Details:    detailsFor(m.Recipe, m.Labels),
	}
}

// ollamaOptionKeys maps option names onto their OpenAI equivalents.
// Sampler knobs with no OpenAI counterpart (mirostat, repeat_last_n and
// friends) are dropped.
var ollamaOptionKeys = map[string]string{
	"temperature":    "temperature",
	"top_p":          "top_p",
	"top_k":          "top_k",
	"seed":           "seed",
	"stop":           "stop",
	"num_predict":    "max_tokens",
	"repeat_penalty": "frequency_penalty",
}

func applySampling(dst map[string]interface{}, options map[string]interface{}, s sampling) {
	for key, mapped := range ollamaOptionKeys {
		if value, ok := options[key]; ok {
			dst[mapped] = value
		}
	}
	if s.Temperature != nil {
		dst["temperature"] = *s.Temperature
	}
	if s.TopP != nil {
		dst["top_p"] = *s.TopP
	}
	if s.TopK != nil {
		dst["top_k"] = *s.TopK
	}
	if s.Seed != nil {
		dst["seed"] = *s.Seed
	}
	if s.Stop != nil {
		dst["stop"] = s.Stop
	}
	if s.NumPredict != nil {
		dst["max_tokens"] = *s.NumPredict
	}
	if s.RepeatPenalty != nil {
		dst["frequency_penalty"] = *s.RepeatPenalty
	}
}

// wantsJSONFormat reports whether the request asked for the "json"
// output format. Schema objects are not supported and pass through
// unconstrained.
func wantsJSONFormat(format json.RawMessage) bool {
	var name string
	if err := json.Unmarshal(format, &name); err != nil {
		return false
	}
	return name == "json"
}

// toolCallsToOpenAI prepares client tool calls for the OpenAI side:
// the type field defaults to "function" and object arguments are
// re-encoded as JSON strings.
func toolCallsToOpenAI(calls []ToolCall) []ToolCall {
	converted := make([]ToolCall, len(calls))
	for i, tc := range calls {
		converted[i] = tc
		converted[i].Function.Index = nil
		if converted[i].Type == "" {
			converted[i].Type = "function"
		}
		if args, ok := tc.Function.Arguments.(map[string]interface{}); ok {
			if encoded, err := json.Marshal(args); err == nil {
				converted[i].Function.Arguments = string(encoded)
			}
		}
	}
	return converted
}

// toolCallsFromOpenAI converts upstream tool calls back into the Ollama
// shape: string arguments become objects, the type field is dropped,
// and each call gains its positional index.
func toolCallsFromOpenAI(raw json.RawMessage) []ToolCall {
	if len(raw) == 0 {
		return nil
	}
	var calls []ToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil
	}
	for i := range calls {
		calls[i].Type = ""
		if args, ok := calls[i].Function.Arguments.(string); ok && args != "" {
			var decoded map[string]interface{}
			if err := json.Unmarshal([]byte(args), &decoded); err == nil {
				calls[i].Function.Arguments = decoded
			}
		}
		index := i
		calls[i].Function.Index = &index
	}
	return calls
}

// messageToOpenAI converts one chat turn. Attached images turn the
// content into a multimodal part list with data URLs.
func messageToOpenAI(msg Message) map[string]interface{} {
	role := msg.Role
	if role == "" {
		role = "user"
	}
	m := map[string]interface{}{"role": role}
	if len(msg.Images) > 0 {
		parts := make([]map[string]interface{}, 0, len(msg.Images)+1)
		if msg.Content != "" {
			parts = append(parts, map[string]interface{}{
				"type": "text",
				"text": msg.Content,
			})
		}
		for _, img := range msg.Images {
			parts = append(parts, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": "data:image/png;base64," + img,
				},
			})
		}
		m["content"] = parts
	} else {
		m["content"] = msg.Content
	}
	if len(msg.ToolCalls) > 0 {
		m["tool_calls"] = toolCallsToOpenAI(msg.ToolCalls)
	}
	if msg.ToolCallID != "" {
		m["tool_call_id"] = msg.ToolCallID
	}
	return m
}

// chatToOpenAI builds the chat completion request body.
func chatToOpenAI(req *ChatRequest, stream bool) map[string]interface{} {
	out := map[string]interface{}{
		"model":  normalizeModelName(req.Model),
		"stream": stream,
	}
	messages := make([]map[string]interface{}, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = messageToOpenAI(msg)
	}
	out["messages"] = messages
	applySampling(out, req.Options, req.sampling)
	if len(req.Tools) > 0 {
		out["tools"] = req.Tools
	}
	if wantsJSONFormat(req.Format) {
		out["response_format"] = map[string]interface{}{"type": "json_object"}
	}
	return out
}

// generateToOpenAI builds the legacy completion request body.
func generateToOpenAI(req *GenerateRequest, stream bool) map[string]interface{} {
	out := map[string]interface{}{
		"model":  normalizeModelName(req.Model),
		"prompt": req.Prompt,
		"stream": stream,
	}
	applySampling(out, req.Options, req.sampling)
	return out
}

// evalStats extracts token counts and durations in nanoseconds. Usage
// supplies the counts; llama.cpp timings override both counts and
// durations when present.
func evalStats(oai openAIResponse) (promptEval, eval, promptDur, evalDur int64) {
	if oai.Usage != nil {
		promptEval = oai.Usage.PromptTokens
		eval = oai.Usage.CompletionTokens
	}
	if t := oai.Timings; t != nil {
		if t.PromptN != nil {
			promptEval = *t.PromptN
		}
		if t.PredictedN != nil {
			eval = *t.PredictedN
		}
		if t.PromptMS != nil {
			promptDur = int64(*t.PromptMS * 1e6)
		}
		if t.PredictedMS != nil {
			evalDur = int64(*t.PredictedMS * 1e6)
		}
	}
	return promptEval, eval, promptDur, evalDur
}

// chatResponseFromOpenAI converts a non-streaming chat completion.
func chatResponseFromOpenAI(model string, oai openAIResponse) ChatResponse {
	res := ChatResponse{Model: model, CreatedAt: modelModifiedAt, Done: true}
	if len(oai.Choices) > 0 {
		choice := oai.Choices[0]
		if choice.Message != nil {
			msg := &Message{Role: "assistant"}
			if choice.Message.Role != "" {
				msg.Role = choice.Message.Role
			}
			if choice.Message.Content != nil {
				msg.Content = *choice.Message.Content
			}
			msg.ToolCalls = toolCallsFromOpenAI(choice.Message.ToolCalls)
			res.Message = msg
		}
		res.DoneReason = "stop"
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			res.DoneReason = *choice.FinishReason
		}
	}
	res.PromptEvalCount, res.EvalCount, res.PromptEvalDuration, res.EvalDuration = evalStats(oai)
	return res
}

// chatChunkFromOpenAI converts one streaming delta.
func chatChunkFromOpenAI(model string, oai openAIResponse) chatStreamChunk {
	chunk := chatStreamChunk{Model: model, CreatedAt: modelModifiedAt}
	if len(oai.Choices) > 0 {
		choice := oai.Choices[0]
		if choice.Delta != nil {
			msg := &Message{Role: "assistant"}
			if choice.Delta.Role != "" {
				msg.Role = choice.Delta.Role
			}
			if choice.Delta.Content != nil {
				msg.Content = *choice.Delta.Content
			}
			msg.ToolCalls = toolCallsFromOpenAI(choice.Delta.ToolCalls)
			chunk.Message = msg
		}
		if choice.FinishReason != nil {
			chunk.Done = true
			chunk.DoneReason = *choice.FinishReason
		}
	}
	return chunk
}

// generateResponseFromOpenAI converts a non-streaming completion.
func generateResponseFromOpenAI(model string, oai openAIResponse) GenerateResponse {
	res := GenerateResponse{
		Model:      model,
		CreatedAt:  modelModifiedAt,
		Done:       true,
		DoneReason: "stop",
		Context:    []int{},
	}
	if len(oai.Choices) > 0 && oai.Choices[0].Text != nil {
		res.Response = *oai.Choices[0].Text
	}
	res.PromptEvalCount, res.EvalCount, res.PromptEvalDuration, res.EvalDuration = evalStats(oai)
	return res
}

// generateChunkFromOpenAI converts one streaming completion chunk. The
// completion endpoint reports text; chat-shaped deltas are accepted as
// a fallback.
func generateChunkFromOpenAI(model string, oai openAIResponse) generateStreamChunk {
	chunk := generateStreamChunk{Model: model, CreatedAt: modelModifiedAt}
	if len(oai.Choices) > 0 {
		choice := oai.Choices[0]
		switch {
		case choice.Text != nil:
			chunk.Response = *choice.Text
		case choice.Delta != nil && choice.Delta.Content != nil:
			chunk.Response = *choice.Delta.Content
		}
		if choice.FinishReason != nil {
			chunk.Done = true
			chunk.DoneReason = *choice.FinishReason
		}
	}
	return chunk
}
