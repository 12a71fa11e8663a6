// Package catalog maintains the registry of known models: a built-in list
// baked into the binary plus user-registered entries persisted to a JSON file
// in the cache directory.
package catalog

import (
	"strings"
)

// UserModelPrefix is the mandatory name prefix for user-registered entries.
// It keeps user names from colliding with built-in ones.
const UserModelPrefix = "user."

// Recipe names accepted by the catalog. Each corresponds to a backend
// runtime family.
const (
	RecipeLlamaCpp   = "llamacpp"
	RecipeFLM        = "flm"
	RecipeSDCpp      = "sdcpp"
	RecipeWhisperCpp = "whispercpp"
	RecipeKokoro     = "kokoro"
	// ONNX runtime recipes are recognized so that entries can be registered,
	// but no runtime for them ships on this platform.
	RecipeOGACPU    = "oga-cpu"
	RecipeOGAHybrid = "oga-hybrid"
)

// KnownRecipes enumerates every recipe the catalog accepts at registration.
var KnownRecipes = map[string]bool{
	RecipeLlamaCpp:   true,
	RecipeFLM:        true,
	RecipeSDCpp:      true,
	RecipeWhisperCpp: true,
	RecipeKokoro:     true,
	RecipeOGACPU:     true,
	RecipeOGAHybrid:  true,
}

// Capability labels used across the catalog.
const (
	LabelVision     = "vision"
	LabelEmbeddings = "embeddings"
	LabelReranking  = "reranking"
	LabelReasoning  = "reasoning"
)

// ImageDefaults carries the generation parameters applied when an images
// request omits them.
type ImageDefaults struct {
	Steps    int     `json:"steps,omitempty"`
	CFGScale float64 `json:"cfg_scale,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

// Entry describes one model the server knows how to load. Entries are
// immutable after registration.
type Entry struct {
	// Name is the public model identifier, unique and case-sensitive. It is
	// the map key in the catalog files and therefore not serialized inline.
	Name string `json:"-"`
	// Checkpoint is the remote checkpoint reference in "org/repo" or
	// "org/repo:variant" form. A variant containing a dot names an exact
	// file; otherwise it is a quantization hint matched against file names.
	Checkpoint string `json:"checkpoint"`
	// Recipe selects the backend runtime family.
	Recipe string `json:"recipe"`
	// MMProj is the multimodal projector file name within the checkpoint
	// repository, for vision models.
	MMProj string `json:"mmproj,omitempty"`
	// Labels declare model capabilities ("vision", "embeddings", ...).
	Labels []string `json:"labels,omitempty"`
	// ContextSize overrides the server's default context window when > 0.
	ContextSize int `json:"context_size,omitempty"`
	// ImageDefaults applies to image generation entries.
	ImageDefaults *ImageDefaults `json:"image_defaults,omitempty"`
	// SizeGB is the approximate download size, shown by the CLI.
	SizeGB float64 `json:"size,omitempty"`
	// Suggested marks entries highlighted by the UI and CLI.
	Suggested bool `json:"suggested,omitempty"`
}

// HasLabel reports whether the entry declares the given capability label.
func (e Entry) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Vision reports whether the entry is a vision model.
func (e Entry) Vision() bool { return e.HasLabel(LabelVision) }

// Embeddings reports whether the entry serves embeddings.
func (e Entry) Embeddings() bool { return e.HasLabel(LabelEmbeddings) }

// Reranking reports whether the entry serves reranking.
func (e Entry) Reranking() bool { return e.HasLabel(LabelReranking) }

// Reasoning reports whether the entry is a reasoning model.
func (e Entry) Reasoning() bool { return e.HasLabel(LabelReasoning) }

// UserDefined reports whether the entry was registered by a user.
func (e Entry) UserDefined() bool {
	return strings.HasPrefix(e.Name, UserModelPrefix)
}

// SplitCheckpoint separates the repository reference from the optional
// variant: "org/repo:Q4_0" yields ("org/repo", "Q4_0").
func (e Entry) SplitCheckpoint() (repo, variant string) {
	repo = e.Checkpoint
	if idx := strings.Index(e.Checkpoint, ":"); idx >= 0 {
		repo = e.Checkpoint[:idx]
		variant = e.Checkpoint[idx+1:]
	}
	return repo, variant
}

// Repo returns the repository part of the checkpoint reference.
func (e Entry) Repo() string {
	repo, _ := e.SplitCheckpoint()
	return repo
}

// Variant returns the variant part of the checkpoint reference, if any.
func (e Entry) Variant() string {
	_, variant := e.SplitCheckpoint()
	return variant
}
