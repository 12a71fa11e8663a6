package inference

import (
	"fmt"
	"strings"
)

// ValidateRuntimeFlags ensures user-supplied backend flags don't contain paths
// (forward slash "/" or backslash "\"). Registered models and request options
// may carry raw server flags, and path-valued flags like --log-file would let
// a client write to arbitrary host files.
func ValidateRuntimeFlags(flags []string) error {
	for _, flag := range flags {
		if strings.Contains(flag, "/") || strings.Contains(flag, "\\") {
			return fmt.Errorf("invalid runtime flag %q: paths are not allowed (contains '/' or '\\\\')", flag)
		}
	}
	return nil
}

// ParseFlagKey extracts the flag key from a flag string.
// "--threads=4" -> "--threads", "-t" -> "-t", "4" -> ""
func ParseFlagKey(flag string) string {
	if !strings.HasPrefix(flag, "-") {
		return "" // Not a flag, it's a value
	}
	if idx := strings.Index(flag, "="); idx != -1 {
		return flag[:idx]
	}
	return flag
}
