package responses

import (
	"encoding/json"
	"fmt"
)

// ChatCompletionRequest represents an OpenAI chat completion request.
type ChatCompletionRequest struct {
	Model             string        `json:"model"`
	Messages          []ChatMessage `json:"messages"`
	Tools             []ChatTool    `json:"tools,omitempty"`
	ToolChoice        interface{}   `json:"tool_choice,omitempty"`
	Temperature       *float64      `json:"temperature,omitempty"`
	TopP              *float64      `json:"top_p,omitempty"`
	MaxTokens         *int          `json:"max_tokens,omitempty"`
	Stream            bool          `json:"stream,omitempty"`
	User              string        `json:"user,omitempty"`
	ParallelToolCalls *bool         `json:"parallel_tool_calls,omitempty"`
}

// ChatMessage represents a message in the chat completion format.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    interface{}    `json:"content"` // string or []ContentPart
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChatContentPart represents a content part in chat format.
type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

// ChatImageURL represents an image URL in chat format.
type ChatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ChatTool represents a tool in chat completion format.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

// ChatFunction represents a function definition.
type ChatFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

// ChatToolCall represents a tool call in chat format.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall represents a function call.
type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse represents an OpenAI chat completion response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice represents a choice in the chat completion response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage represents token usage in chat completion format.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatStreamChunk represents a streaming chunk from chat completions.
type ChatStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []ChatStreamChoice `json:"choices"`
	Usage   *ChatUsage         `json:"usage,omitempty"`
}

// ChatStreamChoice represents a choice in a streaming chunk.
type ChatStreamChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatDelta represents the delta in a streaming chunk.
type ChatDelta struct {
	Role             string         `json:"role,omitempty"`
	Content          string         `json:"content,omitempty"`
	ToolCalls        []ChatToolCall `json:"tool_calls,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
}

// TransformRequestToChatCompletion converts a Responses API request to a chat completion request.
func TransformRequestToChatCompletion(req *CreateRequest) (*ChatCompletionRequest, error) {
	chatReq := &ChatCompletionRequest{
		Model:             req.Model,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		MaxTokens:         req.MaxOutputTokens,
		Stream:            req.Stream,
		User:              req.User,
		ParallelToolCalls: req.ParallelToolCalls,
		ToolChoice:        req.ToolChoice,
	}

	// Convert tools
	if len(req.Tools) > 0 {
		chatReq.Tools = make([]ChatTool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			if tool.Type == "function" {
				chatTool := ChatTool{
					Type: "function",
				}
				if tool.Function != nil {
					chatTool.Function = ChatFunction{
						Name:        tool.Function.Name,
						Description: tool.Function.Description,
						Parameters:  tool.Function.Parameters,
					}
				} else {
					chatTool.Function = ChatFunction{
						Name:        tool.Name,
						Description: tool.Description,
						Parameters:  tool.Parameters,
					}
				}
				chatReq.Tools = append(chatReq.Tools, chatTool)
			}
		}
	}

	// Build messages array
	var messages []ChatMessage

	// Add system message from instructions
	if req.Instructions != "" {
		messages = append(messages, ChatMessage{
			Role:    "system",
			Content: req.Instructions,
		})
	}

	// Parse and convert input
	inputMessages, err := parseInput(req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse input: %w", err)
	}
	messages = append(messages, inputMessages...)

	chatReq.Messages = messages
	return chatReq, nil
}

// parseInput parses the input field which can be a string or array of items.
func parseInput(input json.RawMessage) ([]ChatMessage, error) {
	if len(input) == 0 {
		return nil, nil
	}

	// Try parsing as a string first
	var strInput string
	if err := json.Unmarshal(input, &strInput); err == nil {
		return []ChatMessage{{
			Role:    "user",
			Content: strInput,
		}}, nil
	}

	// Try parsing as an array of input items
	var items []InputItem
	if err := json.Unmarshal(input, &items); err != nil {
		return nil, fmt.Errorf("input must be a string or array of items: %w", err)
	}

	return convertInputItems(items)
}

// convertInputItems converts input items to chat messages.
func convertInputItems(items []InputItem) ([]ChatMessage, error) {
	var messages []ChatMessage

	for _, item := range items {
		switch {
		case item.Type == ItemTypeFunctionCallOutput || item.CallID != "":
			// Function call output -> tool message
			messages = append(messages, ChatMessage{
				Role:       "tool",
				Content:    item.Output,
				ToolCallID: item.CallID,
			})

		case item.Role != "":
			// Message-style input
			msg := ChatMessage{
				Role: item.Role,
			}

			// Parse content
			if len(item.Content) > 0 {
				content, err := parseContent(item.Content)
				if err != nil {
					return nil, err
				}
				msg.Content = content
			}

			messages = append(messages, msg)

		default:
			// Try to interpret as a simple message
			if len(item.Content) > 0 {
				content, err := parseContent(item.Content)
				if err != nil {
					return nil, err
				}
				messages = append(messages, ChatMessage{
					Role:    "user",
					Content: content,
				})
			}
		}
	}

	return messages, nil
}

// parseContent parses content which can be a string or array of content parts.
func parseContent(content json.RawMessage) (interface{}, error) {
	// Try string first
	var strContent string
	if err := json.Unmarshal(content, &strContent); err == nil {
		return strContent, nil
	}

	// Try array of content parts
	var parts []InputContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil, fmt.Errorf("content must be string or array: %w", err)
	}

	// Convert to chat format content parts
	chatParts := make([]ChatContentPart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case ContentTypeInputText, "text":
			chatParts = append(chatParts, ChatContentPart{
				Type: "text",
				Text: part.Text,
			})
		case ContentTypeInputImage, "image_url":
			chatParts = append(chatParts, ChatContentPart{
				Type: "image_url",
				ImageURL: &ChatImageURL{
					URL: part.ImageURL,
				},
			})
		}
	}

	return chatParts, nil
}

// TransformChatCompletionToResponse converts a chat completion response to a Responses API response.
func TransformChatCompletionToResponse(chatResp *ChatCompletionResponse, respID, model string) *Response {
	resp := NewResponse(respID, model)
	resp.Status = StatusCompleted

	if len(chatResp.Choices) > 0 {
		choice := chatResp.Choices[0]

		// Handle tool calls
		if len(choice.Message.ToolCalls) > 0 {
			for _, tc := range choice.Message.ToolCalls {
				resp.Output = append(resp.Output, OutputItem{
					ID:        GenerateItemID(),
					Type:      ItemTypeFunctionCall,
					Status:    StatusCompleted,
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}

		// Handle text content (separately from tool calls, so both can exist in the same response)
		if content, ok := choice.Message.Content.(string); ok && content != "" {
			msgItem := OutputItem{
				ID:     GenerateMessageID(),
				Type:   ItemTypeMessage,
				Role:   "assistant",
				Status: StatusCompleted,
				Content: []ContentPart{{
					Type:        ContentTypeOutputText,
					Text:        content,
					Annotations: []Annotation{},
				}},
			}
			resp.Output = append(resp.Output, msgItem)
			resp.OutputText = content
		} else if contentParts, ok := choice.Message.Content.([]ChatContentPart); ok && len(contentParts) > 0 {
			// Handle multi-part content (e.g., text + images)
			var outputText string
			var contentPartsList []ContentPart

			for _, part := range contentParts {
				var contentPart ContentPart
				switch part.Type {
				case "text":
					contentPart = ContentPart{
						Type:        ContentTypeOutputText,
						Text:        part.Text,
						Annotations: []Annotation{},
					}
					outputText += part.Text
				case "image_url":
					if part.ImageURL != nil {
						contentPart = ContentPart{
							Type:        ContentTypeOutputText,                         // Map to output text for compatibility
							Text:        fmt.Sprintf("[Image: %s]", part.ImageURL.URL), // Include URL reference
							Annotations: []Annotation{},
						}
						// Add image reference to output text
						if outputText != "" {
							outputText += " "
						}
						outputText += fmt.Sprintf("[Image: %s]", part.ImageURL.URL)
					}
				default:
					// Skip unknown content types
					continue
				}
				contentPartsList = append(contentPartsList, contentPart)
			}

			if len(contentPartsList) > 0 {
				msgItem := OutputItem{
					ID:      GenerateMessageID(),
					Type:    ItemTypeMessage,
					Role:    "assistant",
					Status:  StatusCompleted,
					Content: contentPartsList,
				}
				resp.Output = append(resp.Output, msgItem)
				resp.OutputText = outputText
			}
		}
	}

	// Convert usage
	if chatResp.Usage != nil {
		resp.Usage = &Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		}
	}

	return resp
}

// MarshalChatCompletionRequest marshals a chat completion request to JSON.
func MarshalChatCompletionRequest(req *ChatCompletionRequest) ([]byte, error) {
	return json.Marshal(req)
}
