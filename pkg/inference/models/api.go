// Package models serves the model management surface: catalog listings,
// weight pulls with optional progress streaming, and deletion. It sits next
// to the scheduling handler, which delegates the model routes here.
package models

// modelCreated is the fixed creation timestamp reported for catalog entries.
// Entries have no real creation time; clients only require the field to be
// present and stable.
const modelCreated = 1234567890

// OpenAIModel is one catalog entry in the OpenAI list representation,
// extended with the fields management clients need.
type OpenAIModel struct {
	// ID is the public model name.
	ID string `json:"id"`
	// Object is the object type. For OpenAIModel, it is always "model".
	Object string `json:"object"`
	// Created is the Unix epoch timestamp corresponding to the model creation.
	Created int64 `json:"created"`
	// OwnedBy is the model owner. At the moment, it is always "lemonade".
	OwnedBy string `json:"owned_by"`
	// Checkpoint is the upstream checkpoint reference.
	Checkpoint string `json:"checkpoint,omitempty"`
	// Recipe is the backend runtime family serving the model.
	Recipe string `json:"recipe,omitempty"`
	// Downloaded reports whether the weights are available locally.
	Downloaded bool `json:"downloaded"`
	// Suggested marks entries highlighted by clients.
	Suggested bool `json:"suggested,omitempty"`
	// Labels are the entry's capability labels.
	Labels []string `json:"labels"`
	// Size is the approximate download size in gigabytes, when known.
	Size float64 `json:"size,omitempty"`
	// MMProj is the multimodal projector file name, for vision models.
	MMProj string `json:"mmproj,omitempty"`
}

// OpenAIModelList represents a list of models using OpenAI conventions.
type OpenAIModelList struct {
	// Object is the object type. For OpenAIModelList, it is always "list".
	Object string `json:"object"`
	// Data is the list of models.
	Data []*OpenAIModel `json:"data"`
}

// PullRequest is the body of POST /api/v1/pull. Both model and model_name
// are accepted. When the name is unknown and the registration fields
// (checkpoint, recipe) are present, the entry is registered first.
type PullRequest struct {
	ModelName  string `json:"model_name"`
	Model      string `json:"model"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Recipe     string `json:"recipe,omitempty"`
	Reasoning  bool   `json:"reasoning,omitempty"`
	Vision     bool   `json:"vision,omitempty"`
	Embedding  bool   `json:"embedding,omitempty"`
	Reranking  bool   `json:"reranking,omitempty"`
	MMProj     string `json:"mmproj,omitempty"`
	// Stream switches the response to an NDJSON progress stream.
	Stream bool `json:"stream,omitempty"`
}

// Name returns the requested model under either field name.
func (r PullRequest) Name() string {
	if r.ModelName != "" {
		return r.ModelName
	}
	return r.Model
}

// PullResponse is the body returned by a non-streaming POST /api/v1/pull.
type PullResponse struct {
	Status    string `json:"status"`
	ModelName string `json:"model_name"`
}

// DeleteRequest is the body of POST /api/v1/delete. Both model and
// model_name are accepted.
type DeleteRequest struct {
	ModelName string `json:"model_name"`
	Model     string `json:"model"`
}

// Name returns the requested model under either field name.
func (r DeleteRequest) Name() string {
	if r.ModelName != "" {
		return r.ModelName
	}
	return r.Model
}

// DeleteResponse is the body returned by POST /api/v1/delete.
type DeleteResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
