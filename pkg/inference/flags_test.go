package inference

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRuntimeFlags(t *testing.T) {
	require.NoError(t, ValidateRuntimeFlags(nil))
	require.NoError(t, ValidateRuntimeFlags([]string{"--ctx-size", "4096", "-ngl", "99"}))
	require.Error(t, ValidateRuntimeFlags([]string{"--log-file", "/tmp/out"}))
	require.Error(t, ValidateRuntimeFlags([]string{"--log-file", `C:\Windows\out`}))
	require.Error(t, ValidateRuntimeFlags([]string{"../escape"}))
}

func TestParseFlagKey(t *testing.T) {
	require.Equal(t, "--threads", ParseFlagKey("--threads=4"))
	require.Equal(t, "-t", ParseFlagKey("-t"))
	require.Equal(t, "", ParseFlagKey("4"))
}
