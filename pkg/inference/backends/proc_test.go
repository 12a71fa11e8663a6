package backends

import (
	"context"
	"io"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test fixtures require a POSIX shell")
	}
}

func TestRunProcessReportsEarlyExit(t *testing.T) {
	requireShell(t)

	err := RunProcess(context.Background(), RunnerConfig{
		BackendName: "test",
		BinaryPath:  "sh",
		Args:        []string{"-c", "echo boom; exit 3"},
		Logger:      testLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated unexpectedly")
	assert.Contains(t, err.Error(), "boom")
}

func TestRunProcessCleanExitIsStillAnError(t *testing.T) {
	requireShell(t)

	err := RunProcess(context.Background(), RunnerConfig{
		BackendName: "test",
		BinaryPath:  "sh",
		Args:        []string{"-c", "true"},
		Logger:      testLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before its context was cancelled")
}

func TestRunProcessCancellationReturnsNil(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunProcess(ctx, RunnerConfig{
			BackendName: "test",
			BinaryPath:  "sleep",
			Args:        []string{"30"},
			Logger:      testLogger(),
		})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not stop after cancellation")
	}
}

func TestRunProcessFansOutLines(t *testing.T) {
	requireShell(t)

	var mu sync.Mutex
	var lines []string
	err := RunProcess(context.Background(), RunnerConfig{
		BackendName: "test",
		BinaryPath:  "sh",
		Args:        []string{"-c", "echo one; echo two >&2; exit 1"},
		Logger:      testLogger(),
		LineHandler: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
	})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, lines, "one")
	assert.Contains(t, lines, "two")
}

func TestLineTailKeepsOnlyTrailingLines(t *testing.T) {
	tail := newLineTail(3)
	for _, line := range []string{"a", "b", "c", "d"} {
		tail.Append(line)
	}
	assert.Equal(t, "b\nc\nd", tail.String())
}
