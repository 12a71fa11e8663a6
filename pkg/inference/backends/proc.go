// Package backends hosts the runtime adapters and the process supervision
// they share. Each adapter launches its engine as a child process on a
// loopback port and proxies API traffic to it.
package backends

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

const (
	// terminateGracePeriod bounds how long a server process may linger after
	// its context is cancelled before it is killed.
	terminateGracePeriod = 5 * time.Second

	// tailLines is the number of trailing output lines attached to the error
	// when a server exits early.
	tailLines = 20

	// scanBufferSize is the per-line limit for server output; llama.cpp can
	// emit very long prompt dumps at verbose log levels.
	scanBufferSize = 1024 * 1024
)

// RunnerConfig describes one backend server process.
type RunnerConfig struct {
	// BackendName labels log output.
	BackendName string
	// BinaryPath is the server executable.
	BinaryPath string
	// Args is the full argument list.
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
	// Logger receives runner lifecycle messages.
	Logger logging.Logger
	// ServerLogWriter receives the server's combined output, one line at a
	// time. It is closed when the process exits.
	ServerLogWriter io.WriteCloser
	// LineHandler, when non-nil, is invoked with every output line. Adapters
	// use it to scrape telemetry from server logs.
	LineHandler func(line string)
}

// RunProcess starts the configured server process and blocks until it exits.
// Cancelling the context stops the process (SIGTERM, escalated to a kill
// after terminateGracePeriod) and returns nil. Any other exit is returned as
// an error carrying the last lines of server output.
func RunProcess(ctx context.Context, cfg RunnerConfig) error {
	cmd := exec.CommandContext(ctx, cfg.BinaryPath, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("unable to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("unable to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("unable to start %s server: %w", cfg.BackendName, err)
	}
	cfg.Logger.Infof("Started %s server (pid %d)", cfg.BackendName, cmd.Process.Pid)

	tail := newLineTail(tailLines)
	var readers sync.WaitGroup
	readers.Add(2)
	go scanServerOutput(&readers, stdout, cfg, tail)
	go scanServerOutput(&readers, stderr, cfg, tail)

	// Output pipes close when the process exits; drain them before Wait.
	readers.Wait()
	waitErr := cmd.Wait()
	if cfg.ServerLogWriter != nil {
		cfg.ServerLogWriter.Close()
	}

	if ctx.Err() != nil {
		cfg.Logger.Infof("Stopped %s server (pid %d)", cfg.BackendName, cmd.Process.Pid)
		return nil
	}
	if waitErr != nil {
		if output := tail.String(); output != "" {
			return fmt.Errorf("%s server terminated unexpectedly: %w\nwith output: %s",
				cfg.BackendName, waitErr, output)
		}
		return fmt.Errorf("%s server terminated unexpectedly: %w", cfg.BackendName, waitErr)
	}
	return fmt.Errorf("%s server exited before its context was cancelled", cfg.BackendName)
}

func scanServerOutput(wg *sync.WaitGroup, r io.Reader, cfg RunnerConfig, tail *lineTail) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Append(line)
		if cfg.ServerLogWriter != nil {
			fmt.Fprintln(cfg.ServerLogWriter, line)
		}
		if cfg.LineHandler != nil {
			cfg.LineHandler(line)
		}
	}
}

// lineTail retains the last lines of combined server output for error
// reporting. Both pipe readers append to it.
type lineTail struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newLineTail(limit int) *lineTail {
	return &lineTail{limit: limit}
}

func (t *lineTail) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
