package catalog

// builtinEntries returns the models baked into the binary. The map is
// rebuilt on every call so callers can't mutate the source of truth.
func builtinEntries() map[string]Entry {
	return map[string]Entry{
		"Qwen3-0.6B-GGUF": {
			Checkpoint: "unsloth/Qwen3-0.6B-GGUF:Q4_0",
			Recipe:     RecipeLlamaCpp,
			Labels:     []string{LabelReasoning},
			SizeGB:     0.4,
			Suggested:  true,
		},
		"Qwen3-4B-GGUF": {
			Checkpoint: "unsloth/Qwen3-4B-GGUF:Q4_0",
			Recipe:     RecipeLlamaCpp,
			Labels:     []string{LabelReasoning},
			SizeGB:     2.4,
			Suggested:  true,
		},
		"Qwen3-8B-GGUF": {
			Checkpoint: "unsloth/Qwen3-8B-GGUF:Q4_0",
			Recipe:     RecipeLlamaCpp,
			Labels:     []string{LabelReasoning},
			SizeGB:     4.7,
		},
		"Qwen3-30B-A3B-GGUF": {
			Checkpoint: "unsloth/Qwen3-30B-A3B-GGUF:Q4_0",
			Recipe:     RecipeLlamaCpp,
			Labels:     []string{LabelReasoning},
			SizeGB:     17.0,
		},
		"Qwen2.5-Coder-3B-Instruct-GGUF": {
			Checkpoint: "unsloth/Qwen2.5-Coder-3B-Instruct-GGUF:Q4_0",
			Recipe:     RecipeLlamaCpp,
			SizeGB:     1.9,
		},
		"Llama-3.2-1B-Instruct-GGUF": {
			Checkpoint: "unsloth/Llama-3.2-1B-Instruct-GGUF:Q4_0",
			Recipe:     RecipeLlamaCpp,
			SizeGB:     0.8,
		},
		"Gemma-3-4b-it-GGUF": {
			Checkpoint: "ggml-org/gemma-3-4b-it-GGUF",
			Recipe:     RecipeLlamaCpp,
			MMProj:     "mmproj-model-f16.gguf",
			Labels:     []string{LabelVision},
			SizeGB:     3.2,
			Suggested:  true,
		},
		"Nomic-Embed-Text-V2-GGUF": {
			Checkpoint: "nomic-ai/nomic-embed-text-v2-moe-GGUF:Q4_0",
			Recipe:     RecipeLlamaCpp,
			Labels:     []string{LabelEmbeddings},
			SizeGB:     0.3,
			Suggested:  true,
		},
		"BGE-Reranker-V2-M3-GGUF": {
			Checkpoint: "gpustack/bge-reranker-v2-m3-GGUF:Q4_0",
			Recipe:     RecipeLlamaCpp,
			Labels:     []string{LabelReranking},
			SizeGB:     0.4,
		},
		"SD-Turbo": {
			Checkpoint: "stabilityai/sd-turbo:sd_turbo.safetensors",
			Recipe:     RecipeSDCpp,
			ImageDefaults: &ImageDefaults{
				Steps:    4,
				CFGScale: 1.0,
				Width:    512,
				Height:   512,
			},
			SizeGB: 2.5,
		},
		"Stable-Diffusion-1.5": {
			Checkpoint: "stable-diffusion-v1-5/stable-diffusion-v1-5:v1-5-pruned-emaonly.safetensors",
			Recipe:     RecipeSDCpp,
			ImageDefaults: &ImageDefaults{
				Steps:    20,
				CFGScale: 7.5,
				Width:    512,
				Height:   512,
			},
			SizeGB: 4.3,
		},
		"Whisper-Tiny": {
			Checkpoint: "ggerganov/whisper.cpp:ggml-tiny.bin",
			Recipe:     RecipeWhisperCpp,
			SizeGB:     0.1,
			Suggested:  true,
		},
		"Whisper-Base": {
			Checkpoint: "ggerganov/whisper.cpp:ggml-base.bin",
			Recipe:     RecipeWhisperCpp,
			SizeGB:     0.2,
		},
		"Kokoro-82M": {
			Checkpoint: "hexgrad/Kokoro-82M",
			Recipe:     RecipeKokoro,
			SizeGB:     0.4,
		},
		"Llama-3.2-1B-FLM": {
			Checkpoint: "llama3.2:1b",
			Recipe:     RecipeFLM,
			SizeGB:     0.8,
		},
	}
}
