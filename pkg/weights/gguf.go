package weights

import (
	"regexp"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// ErrGGUFParse wraps GGUF parsing failures.
type ErrGGUFParse struct {
	Err error
}

func (e *ErrGGUFParse) Error() string {
	return "failed to parse GGUF: " + e.Err.Error()
}

// GGUFInfo summarizes a GGUF file's metadata for model detail views.
type GGUFInfo struct {
	Architecture string `json:"architecture,omitempty"`
	Parameters   string `json:"parameters,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	Size         string `json:"size,omitempty"`
}

// ReadGGUFInfo parses a GGUF file's header and returns its display metadata.
func ReadGGUFInfo(path string) (GGUFInfo, error) {
	gguf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return GGUFInfo{}, &ErrGGUFParse{Err: err}
	}

	metadata := gguf.Metadata()
	return GGUFInfo{
		Architecture: strings.TrimSpace(metadata.Architecture),
		Parameters:   normalizeUnitString(metadata.Parameters.String()),
		Quantization: strings.TrimSpace(metadata.FileType.String()),
		Size:         normalizeUnitString(metadata.Size.String()),
	}, nil
}

// spaceBeforeUnitRegex matches one or more spaces between a number and a
// letter unit, e.g. "16.78 M".
var spaceBeforeUnitRegex = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s+([A-Za-z]+)`)

// normalizeUnitString removes spaces between numbers and units for
// consistent formatting: "16.78 M" -> "16.78M", "256.35 MiB" -> "256.35MiB".
func normalizeUnitString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return spaceBeforeUnitRegex.ReplaceAllString(s, "$1$2")
}
