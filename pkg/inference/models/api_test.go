package models

import (
	"testing"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
)

func TestToOpenAI(t *testing.T) {
	tests := []struct {
		name       string
		entry      catalog.Entry
		downloaded bool
		validate   func(t *testing.T, result *OpenAIModel)
	}{
		{
			name: "basic entry without labels",
			entry: catalog.Entry{
				Name:       "Qwen2.5-Coder-3B-Instruct-GGUF",
				Checkpoint: "unsloth/Qwen2.5-Coder-3B-Instruct-GGUF:Q4_0",
				Recipe:     catalog.RecipeLlamaCpp,
				SizeGB:     2.1,
			},
			downloaded: false,
			validate: func(t *testing.T, result *OpenAIModel) {
				if result.ID != "Qwen2.5-Coder-3B-Instruct-GGUF" {
					t.Errorf("Expected ID 'Qwen2.5-Coder-3B-Instruct-GGUF', got '%s'", result.ID)
				}
				if result.Object != "model" {
					t.Errorf("Expected Object 'model', got '%s'", result.Object)
				}
				if result.OwnedBy != "lemonade" {
					t.Errorf("Expected OwnedBy 'lemonade', got '%s'", result.OwnedBy)
				}
				if result.Created != modelCreated {
					t.Errorf("Expected Created %d, got %d", modelCreated, result.Created)
				}
				if result.Checkpoint != "unsloth/Qwen2.5-Coder-3B-Instruct-GGUF:Q4_0" {
					t.Errorf("Unexpected Checkpoint '%s'", result.Checkpoint)
				}
				if result.Downloaded {
					t.Error("Expected Downloaded false")
				}
				// Labels must serialize as [] rather than null.
				if result.Labels == nil {
					t.Error("Expected non-nil Labels")
				}
				if len(result.Labels) != 0 {
					t.Errorf("Expected empty Labels, got %v", result.Labels)
				}
				if result.Size != 2.1 {
					t.Errorf("Expected Size 2.1, got %v", result.Size)
				}
			},
		},
		{
			name: "entry with labels and projector",
			entry: catalog.Entry{
				Name:       "Gemma-3-4b-it-GGUF",
				Checkpoint: "ggml-org/gemma-3-4b-it-GGUF",
				Recipe:     catalog.RecipeLlamaCpp,
				MMProj:     "mmproj-model-f16.gguf",
				Labels:     []string{catalog.LabelVision},
				Suggested:  true,
			},
			downloaded: true,
			validate: func(t *testing.T, result *OpenAIModel) {
				if !result.Downloaded {
					t.Error("Expected Downloaded true")
				}
				if !result.Suggested {
					t.Error("Expected Suggested true")
				}
				if len(result.Labels) != 1 || result.Labels[0] != catalog.LabelVision {
					t.Errorf("Expected Labels [vision], got %v", result.Labels)
				}
				if result.MMProj != "mmproj-model-f16.gguf" {
					t.Errorf("Unexpected MMProj '%s'", result.MMProj)
				}
				if result.Recipe != catalog.RecipeLlamaCpp {
					t.Errorf("Unexpected Recipe '%s'", result.Recipe)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, ToOpenAI(tt.entry, tt.downloaded))
		})
	}
}

func TestToOpenAIListEmpty(t *testing.T) {
	result := ToOpenAIList(nil)

	if result.Object != "list" {
		t.Errorf("Expected Object 'list', got '%s'", result.Object)
	}
	if result.Data == nil {
		t.Error("Expected non-nil Data slice")
	}
	if len(result.Data) != 0 {
		t.Errorf("Expected empty Data slice, got %d items", len(result.Data))
	}
}

func TestRequestNamePrecedence(t *testing.T) {
	tests := []struct {
		name      string
		modelName string
		model     string
		expected  string
	}{
		{
			name:      "model_name wins over model",
			modelName: "user.primary",
			model:     "user.secondary",
			expected:  "user.primary",
		},
		{
			name:     "model as fallback",
			model:    "user.secondary",
			expected: "user.secondary",
		},
		{
			name:     "both absent",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pull := PullRequest{ModelName: tt.modelName, Model: tt.model}
			if got := pull.Name(); got != tt.expected {
				t.Errorf("PullRequest.Name() = %q, want %q", got, tt.expected)
			}
			del := DeleteRequest{ModelName: tt.modelName, Model: tt.model}
			if got := del.Name(); got != tt.expected {
				t.Errorf("DeleteRequest.Name() = %q, want %q", got, tt.expected)
			}
		})
	}
}
