package scheduling

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// installer ensures backend binaries are present before requests are routed
// to them. Installations run in the background at startup; request handlers
// wait on the backend they need.
type installer struct {
	// log is the associated logger.
	log logging.Logger
	// backends are the backends to install.
	backends map[string]inference.Backend
	// httpClient downloads release archives.
	httpClient *http.Client

	mu sync.Mutex
	// done channels are closed once the corresponding backend's install
	// attempt has finished, successfully or not.
	done map[string]chan struct{}
	// errs records install failures by backend name.
	errs map[string]error
	// started indicates that run has been invoked.
	started bool
}

// newInstaller creates a new installer.
func newInstaller(log logging.Logger, backends map[string]inference.Backend, httpClient *http.Client) *installer {
	done := make(map[string]chan struct{}, len(backends))
	for name := range backends {
		done[name] = make(chan struct{})
	}
	return &installer{
		log:        log,
		backends:   backends,
		httpClient: httpClient,
		done:       done,
		errs:       make(map[string]error, len(backends)),
	}
}

// run installs all backends in name order. A failed install does not stop
// the others; its error is replayed to every waiter of that backend. Every
// done channel is closed exactly once, even when ctx is cancelled mid-way.
func (i *installer) run(ctx context.Context) {
	i.mu.Lock()
	i.started = true
	i.mu.Unlock()

	names := make([]string, 0, len(i.backends))
	for name := range i.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		backend := i.backends[name]
		err := ctx.Err()
		if err == nil {
			err = backend.Install(ctx, i.httpClient)
		}
		i.mu.Lock()
		if err != nil {
			i.errs[name] = err
			i.log.Warnf("Unable to install %s: %v", name, err)
		} else {
			i.log.Infof("Backend %s is ready", name)
		}
		close(i.done[name])
		i.mu.Unlock()
	}
}

// wait blocks until the named backend's install attempt has finished and
// returns its result.
func (i *installer) wait(ctx context.Context, name string) error {
	i.mu.Lock()
	done, ok := i.done[name]
	started := i.started
	i.mu.Unlock()
	if !ok {
		return ErrBackendNotFound
	}
	if !started {
		return errInstallerNotStarted
	}
	select {
	case <-done:
		i.mu.Lock()
		err := i.errs[name]
		i.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
