package scheduling

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
	"github.com/mattn/go-shellwords"
	"golang.org/x/sync/errgroup"
)

// idleTimeoutEnvironmentVariable optionally bounds how long an unreferenced
// model stays resident. Unset means models stay loaded until evicted for
// capacity or explicitly unloaded.
const idleTimeoutEnvironmentVariable = "LEMONADE_IDLE_TIMEOUT"

// Scheduler is used to coordinate inference scheduling across multiple
// backends and models.
type Scheduler struct {
	// log is the associated logger.
	log logging.Logger
	// backends are the supported inference backends, keyed by recipe name.
	backends map[string]inference.Backend
	// defaultBackend serves requests whose entry names no recipe. It may be
	// nil.
	defaultBackend inference.Backend
	// catalog resolves model names to entries.
	catalog *catalog.Catalog
	// store resolves and downloads model weights.
	store *weights.Store
	// telemetry aggregates per-family performance counters.
	telemetry *telemetry.Aggregator
	// installer is the backend installer.
	installer *installer
	// loader is the backend loader.
	loader *loader
}

// NewScheduler creates a new inference scheduler.
func NewScheduler(
	log logging.Logger,
	backends map[string]inference.Backend,
	defaultBackend inference.Backend,
	cat *catalog.Catalog,
	store *weights.Store,
	httpClient *http.Client,
	aggregator *telemetry.Aggregator,
) *Scheduler {
	idleTimeout := time.Duration(1<<63 - 1)
	if value := os.Getenv(idleTimeoutEnvironmentVariable); value != "" {
		parsed, err := parseIdleTimeout(value)
		if err != nil {
			log.Warnf("Ignoring invalid %s: %v", idleTimeoutEnvironmentVariable, err)
		} else {
			idleTimeout = parsed
		}
	}

	return &Scheduler{
		log:            log,
		backends:       backends,
		defaultBackend: defaultBackend,
		catalog:        cat,
		store:          store,
		telemetry:      aggregator,
		installer:      newInstaller(log, backends, httpClient),
		loader:         newLoader(log, backends, store, idleTimeout, nil),
	}
}

// Run is the scheduler's main run loop. By the time it returns, all
// inference backends will have been unloaded from memory.
func (s *Scheduler) Run(ctx context.Context) error {
	workers, workerCtx := errgroup.WithContext(ctx)

	workers.Go(func() error {
		s.installer.run(workerCtx)
		return nil
	})

	workers.Go(func() error {
		s.loader.run(workerCtx)
		return nil
	})

	return workers.Wait()
}

// ResolveEntry resolves a model name against the catalog.
func (s *Scheduler) ResolveEntry(name string) (catalog.Entry, error) {
	return s.catalog.Lookup(name)
}

// backendForEntry selects the backend matching an entry's recipe. Recipes
// with no registered backend are known but unsupported on this build.
func (s *Scheduler) backendForEntry(entry catalog.Entry) (inference.Backend, error) {
	if entry.Recipe == "" {
		if s.defaultBackend == nil {
			return nil, ErrBackendNotFound
		}
		return s.defaultBackend, nil
	}
	backend, ok := s.backends[entry.Recipe]
	if !ok {
		return nil, inference.NewError(inference.ErrUnsupportedPlatform,
			"model %s requires the %s engine, which is not available in this build",
			entry.Name, entry.Recipe)
	}
	return backend, nil
}

// Acquire returns a ready runner for the entry with one reference held. The
// caller must hand the runner back through Release.
func (s *Scheduler) Acquire(ctx context.Context, entry catalog.Entry, mode inference.BackendMode) (*runner, error) {
	backend, err := s.backendForEntry(entry)
	if err != nil {
		return nil, err
	}

	// Don't schedule anything for a backend until its installation has
	// completed.
	if err := s.installer.wait(ctx, backend.Name()); err != nil {
		return nil, err
	}

	return s.loader.load(ctx, backend, entry, mode)
}

// Release returns a runner reference taken by Acquire.
func (s *Scheduler) Release(r *runner) {
	s.loader.release(r)
}

// Unload removes the requested idle models and returns their names.
func (s *Scheduler) Unload(ctx context.Context, req UnloadRequest) []string {
	return s.loader.Unload(ctx, req)
}

// RunnerStatuses reports all resident runners.
func (s *Scheduler) RunnerStatuses(ctx context.Context) []RunnerStatus {
	return s.loader.status(ctx)
}

// LoadedModel reports whether the named model is currently resident in any
// mode, along with its status when it is.
func (s *Scheduler) LoadedModel(ctx context.Context, name string) (RunnerStatus, bool) {
	for _, status := range s.loader.status(ctx) {
		if status.ModelName == name {
			return status, true
		}
	}
	return RunnerStatus{}, false
}

// Health summarizes pool state for the health endpoint.
func (s *Scheduler) Health(ctx context.Context, websocketPort int) HealthResponse {
	statuses := s.loader.status(ctx)
	loaded := make([]string, 0, len(statuses))
	for _, status := range statuses {
		loaded = append(loaded, status.ModelName)
	}
	maxModels := make(map[string]int, len(s.backends))
	for name := range s.backends {
		maxModels[name] = s.loader.capacity(name)
	}
	return HealthResponse{
		Status:        "ok",
		WebsocketPort: websocketPort,
		ModelsLoaded:  loaded,
		MaxModels:     maxModels,
	}
}

// BackendStatuses reports the install status of every backend.
func (s *Scheduler) BackendStatuses() map[string]string {
	statuses := make(map[string]string, len(s.backends))
	for name, backend := range s.backends {
		statuses[name] = backend.Status()
	}
	return statuses
}

// DiskUsage reports bytes used by downloaded weights and by each installed
// backend.
func (s *Scheduler) DiskUsage() (int64, map[string]int64, error) {
	weightsUsage, err := s.store.DiskUsage()
	if err != nil {
		return 0, nil, err
	}
	backendUsage := make(map[string]int64, len(s.backends))
	for name, backend := range s.backends {
		usage, err := backend.GetDiskUsage()
		if err != nil {
			s.log.Warnf("Unable to compute disk usage for %s: %v", name, err)
			continue
		}
		backendUsage[name] = usage
	}
	return weightsUsage, backendUsage, nil
}

// ConfigureRunner stores per-runner settings applied at the model's next
// load. Raw flag strings are shell-split.
func (s *Scheduler) ConfigureRunner(ctx context.Context, req ConfigureRequest) error {
	entry, err := s.catalog.Lookup(req.Name())
	if err != nil {
		return err
	}
	backend, err := s.backendForEntry(entry)
	if err != nil {
		return err
	}

	var extraArgs []string
	if len(req.ExtraArgs) > 0 {
		extraArgs = req.ExtraArgs
	} else if req.RawExtraArgs != "" {
		extraArgs, err = shellwords.Parse(req.RawExtraArgs)
		if err != nil {
			return inference.NewError(inference.ErrBadRequest, "invalid extra args: %v", err)
		}
	}

	conf := inference.BackendConfiguration{
		ContextSize: req.ContextSize,
		ExtraArgs:   extraArgs,
	}

	mode := inference.BackendModeCompletion
	if entry.Embeddings() {
		mode = inference.BackendModeEmbedding
	} else if entry.Reranking() {
		mode = inference.BackendModeReranking
	}

	if err := s.loader.setRunnerConfig(ctx, backend.Name(), entry.Name, mode, conf); err != nil {
		s.log.Warnf("Unable to configure %s runner for %s: %v", backend.Name(), entry.Name, err)
		return err
	}
	return nil
}
