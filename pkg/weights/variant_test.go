package weights

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

func TestSelectWeights(t *testing.T) {
	tests := []struct {
		name        string
		files       []string
		variant     string
		wantPrimary string
		wantShards  []string
		wantKind    inference.ErrorKind
	}{
		{
			name:        "exact file name",
			files:       []string{"ggml-tiny.bin", "ggml-tiny.en.bin"},
			variant:     "ggml-tiny.bin",
			wantPrimary: "ggml-tiny.bin",
		},
		{
			name:        "exact file in subdirectory",
			files:       []string{"weights/sd_turbo.safetensors"},
			variant:     "sd_turbo.safetensors",
			wantPrimary: "weights/sd_turbo.safetensors",
		},
		{
			name:     "exact file missing",
			files:    []string{"other.bin"},
			variant:  "ggml-tiny.bin",
			wantKind: inference.ErrWeightsMissing,
		},
		{
			name:        "single gguf no variant",
			files:       []string{"model-Q4_K_M.gguf", "README.md"},
			wantPrimary: "model-Q4_K_M.gguf",
		},
		{
			name:     "no gguf files",
			files:    []string{"README.md", "config.json"},
			wantKind: inference.ErrWeightsMissing,
		},
		{
			name:     "multiple ggufs no variant",
			files:    []string{"model-Q4_0.gguf", "model-Q8_0.gguf"},
			wantKind: inference.ErrAmbiguousWeights,
		},
		{
			name:        "star variant takes every gguf",
			files:       []string{"model-Q8_0.gguf", "model-Q4_0.gguf", "README.md"},
			variant:     "*",
			wantPrimary: "model-Q4_0.gguf",
			wantShards:  []string{"model-Q8_0.gguf"},
		},
		{
			name:     "star variant with no ggufs",
			files:    []string{"README.md"},
			variant:  "*",
			wantKind: inference.ErrWeightsMissing,
		},
		{
			name:        "variant tag selects",
			files:       []string{"model-Q4_0.gguf", "model-Q8_0.gguf"},
			variant:     "Q4_0",
			wantPrimary: "model-Q4_0.gguf",
		},
		{
			name:        "variant tag is case-insensitive",
			files:       []string{"Model-q4_k_m.gguf", "Model-q8_0.gguf"},
			variant:     "Q4_K_M",
			wantPrimary: "Model-q4_k_m.gguf",
		},
		{
			name:        "exact token beats substring",
			files:       []string{"model-Q4_0.gguf", "model-Q4_0_4_4.gguf"},
			variant:     "Q4_0",
			wantPrimary: "model-Q4_0.gguf",
		},
		{
			name:     "variant not present",
			files:    []string{"model-Q8_0.gguf"},
			variant:  "IQ2_XS",
			wantKind: inference.ErrWeightsMissing,
		},
		{
			name:        "mmproj files excluded",
			files:       []string{"mmproj-model-f16.gguf", "gemma-3-4b-it-Q4_K_M.gguf"},
			wantPrimary: "gemma-3-4b-it-Q4_K_M.gguf",
		},
		{
			name: "sharded model collapses",
			files: []string{
				"model-Q4_0-00002-of-00003.gguf",
				"model-Q4_0-00001-of-00003.gguf",
				"model-Q4_0-00003-of-00003.gguf",
			},
			variant:     "Q4_0",
			wantPrimary: "model-Q4_0-00001-of-00003.gguf",
			wantShards: []string{
				"model-Q4_0-00002-of-00003.gguf",
				"model-Q4_0-00003-of-00003.gguf",
			},
		},
		{
			name: "two distinct quantizations stay ambiguous",
			files: []string{
				"model-Q4_0-00001-of-00002.gguf",
				"model-Q4_0-00002-of-00002.gguf",
				"model-Q8_0-00001-of-00002.gguf",
				"model-Q8_0-00002-of-00002.gguf",
			},
			wantKind: inference.ErrAmbiguousWeights,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			selection, err := SelectWeights(tc.files, tc.variant)
			if tc.wantKind != "" {
				var infErr *inference.Error
				require.True(t, errors.As(err, &infErr), "expected classified error, got %v", err)
				require.Equal(t, tc.wantKind, infErr.Kind)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantPrimary, selection.Primary)
			require.Equal(t, tc.wantShards, selection.Shards)
		})
	}
}
