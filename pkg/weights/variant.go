package weights

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// shardPattern matches multi-part GGUF files like
// "model-Q4_0-00001-of-00003.gguf".
var shardPattern = regexp.MustCompile(`(?i)^(.+)-(\d{5})-of-(\d{5})\.gguf$`)

// Selection names the repository files chosen for a load.
type Selection struct {
	// Primary is the repo-relative path of the main weights file. For
	// sharded models it is the first shard.
	Primary string
	// Shards lists the remaining shard files, if any.
	Shards []string
}

// All returns every selected file, primary first.
func (s Selection) All() []string {
	return append([]string{s.Primary}, s.Shards...)
}

// SelectWeights picks the weights files matching a checkpoint variant among
// the repository's files.
//
// A variant containing a dot names an exact file ("ggml-tiny.bin",
// "sd_turbo.safetensors"). A "*" variant takes every GGUF weights file.
// Otherwise the variant is a quantization tag matched case-insensitively
// against GGUF file names; with no variant the repository must contain
// exactly one GGUF weights file. Projector sidecars (mmproj*) never
// participate in matching.
func SelectWeights(files []string, variant string) (Selection, error) {
	if strings.Contains(variant, ".") {
		for _, f := range files {
			if f == variant || path.Base(f) == variant {
				return Selection{Primary: f}, nil
			}
		}
		return Selection{}, inference.NewError(inference.ErrWeightsMissing,
			"file %q not found in repository", variant)
	}

	var candidates []string
	for _, f := range files {
		base := strings.ToLower(path.Base(f))
		if !strings.HasSuffix(base, ".gguf") || strings.HasPrefix(base, "mmproj") {
			continue
		}
		candidates = append(candidates, f)
	}
	sort.Strings(candidates)

	if len(candidates) == 0 {
		return Selection{}, inference.NewError(inference.ErrWeightsMissing,
			"repository contains no GGUF weights files")
	}

	// "*" takes every GGUF weights file, first (sorted) as the primary.
	if variant == "*" {
		selection := Selection{Primary: candidates[0]}
		selection.Shards = append(selection.Shards, candidates[1:]...)
		return selection, nil
	}

	if variant != "" {
		candidates = filterByVariant(candidates, variant)
		if len(candidates) == 0 {
			return Selection{}, inference.NewError(inference.ErrWeightsMissing,
				"no GGUF file matches variant %q", variant)
		}
	}
	if len(candidates) == 1 {
		return Selection{Primary: candidates[0]}, nil
	}

	// Several matches are fine when they are the shards of one model.
	if selection, ok := collapseShards(candidates); ok {
		return selection, nil
	}

	return Selection{}, inference.NewError(inference.ErrAmbiguousWeights,
		"multiple GGUF files match (%s); specify a variant in the checkpoint reference",
		strings.Join(baseNames(candidates), ", "))
}

// filterByVariant narrows candidates to those matching the quantization tag.
// Exact token matches ("-Q4_0.gguf", ".Q4_0.gguf") win over plain substring
// matches so that "Q4_0" is not confused with "Q4_0_4_4".
func filterByVariant(candidates []string, variant string) []string {
	lowerVariant := strings.ToLower(variant)

	var exact, loose []string
	for _, f := range candidates {
		base := strings.ToLower(path.Base(f))
		stem := strings.TrimSuffix(base, ".gguf")
		// Strip any shard suffix before comparing tokens.
		if m := shardPattern.FindStringSubmatch(base); m != nil {
			stem = strings.ToLower(m[1])
		}
		switch {
		case strings.HasSuffix(stem, "-"+lowerVariant), strings.HasSuffix(stem, "."+lowerVariant), stem == lowerVariant:
			exact = append(exact, f)
		case strings.Contains(base, lowerVariant):
			loose = append(loose, f)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return loose
}

// collapseShards reports whether all candidates belong to a single sharded
// model and, if so, returns the selection with the first shard as primary.
func collapseShards(candidates []string) (Selection, bool) {
	type shardKey struct {
		prefix string
		total  string
	}

	var key shardKey
	ordered := make(map[string]string, len(candidates)) // index -> file
	for i, f := range candidates {
		m := shardPattern.FindStringSubmatch(path.Base(f))
		if m == nil {
			return Selection{}, false
		}
		k := shardKey{prefix: strings.ToLower(m[1]), total: m[3]}
		if i == 0 {
			key = k
		} else if k != key {
			return Selection{}, false
		}
		ordered[m[2]] = f
	}

	indexes := make([]string, 0, len(ordered))
	for idx := range ordered {
		indexes = append(indexes, idx)
	}
	sort.Strings(indexes)

	selection := Selection{Primary: ordered[indexes[0]]}
	for _, idx := range indexes[1:] {
		selection.Shards = append(selection.Shards, ordered[idx])
	}
	return selection, true
}

func baseNames(files []string) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = path.Base(f)
	}
	return names
}
