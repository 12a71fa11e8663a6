package scheduling

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// readyProbeInterval is the delay between readiness probes during a load.
const readyProbeInterval = 250 * time.Millisecond

// runner owns one loaded model: the backend process serving it (for resident
// backends) and the handler that forwards requests to it.
type runner struct {
	log      logging.Logger
	backend  inference.Backend
	model    string
	mode     inference.BackendMode
	port     int
	resident bool
	handler  http.Handler

	// slot is the runner's index in the loader's tables, set on publication.
	slot int
	// started is when the process was launched.
	started time.Time

	// cancel stops the backend process.
	cancel context.CancelFunc
	// done is closed once the process has fully exited and the port is free
	// for reuse. For non-resident backends it is never closed.
	done chan struct{}
	// err is the process's exit error, valid once done is closed. A nil err
	// means the process stopped because it was told to.
	err error
}

// startRunner builds a runner and, for resident backends, launches the
// backend process. onExit is invoked when the process stops without having
// been cancelled.
func startRunner(
	log logging.Logger,
	backend inference.Backend,
	model string,
	artifacts inference.ModelArtifacts,
	mode inference.BackendMode,
	conf inference.BackendConfiguration,
	port int,
	onExit func(*runner),
) *runner {
	r := &runner{
		log:      log,
		backend:  backend,
		model:    model,
		mode:     mode,
		port:     port,
		resident: backend.Resident(),
		handler:  backend.Proxy(port, model, artifacts),
		slot:     -1,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	if !r.resident {
		r.cancel = func() {}
		return r
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() {
		err := backend.Run(runCtx, port, model, artifacts, mode, &conf)
		r.err = err
		close(r.done)
		if err != nil && onExit != nil {
			onExit(r)
		}
	}()
	return r
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (r *runner) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// alive reports whether the runner can still serve requests.
func (r *runner) alive() bool {
	if !r.resident {
		return true
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// stop terminates the backend process and blocks until it has exited, which
// is when its port becomes reusable.
func (r *runner) stop() {
	r.cancel()
	if r.resident {
		<-r.done
	}
}

// waitReady blocks until the backend answers its readiness probe, the
// process exits, or the timeout elapses.
func (r *runner) waitReady(ctx context.Context, timeout time.Duration) error {
	path := r.backend.ReadyPath()
	if !r.resident || path == "" {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probeURL := fmt.Sprintf("http://127.0.0.1:%d%s", r.port, path)
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(readyProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			if r.err != nil {
				return r.err
			}
			return fmt.Errorf("%s server stopped before becoming ready", r.backend.Name())
		case <-probeCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return inference.NewError(inference.ErrUpstreamTimeout,
				"%s server for %s did not become ready within %s", r.backend.Name(), r.model, timeout)
		case <-ticker.C:
			req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, probeURL, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}
