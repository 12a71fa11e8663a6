package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/flm"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/kokoro"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/llamacpp"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/sdcpp"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/whispercpp"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/models"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade-server/pkg/install"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/middleware"
	"github.com/lemonade-sdk/lemonade-server/pkg/ollama"
	"github.com/lemonade-sdk/lemonade-server/pkg/realtime"
	"github.com/lemonade-sdk/lemonade-server/pkg/responses"
	"github.com/lemonade-sdk/lemonade-server/pkg/sysinfo"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// shutdownTimeout bounds how long in-flight requests get to finish once a
// shutdown begins.
const shutdownTimeout = 10 * time.Second

// Server owns every gateway component and the two listeners. Construct it
// with New and drive it with Run.
type Server struct {
	log       logging.Logger
	config    Config
	scheduler *scheduling.Scheduler

	// handler is the fully composed HTTP surface, alias rewriting included.
	handler http.Handler
	// realtimeHandler is the websocket surface served on Port+100.
	realtimeHandler http.Handler

	haltOnce sync.Once
	halt     chan struct{}
}

// New builds the full component graph from cfg. It does not bind any ports;
// that happens in Run so construction stays testable.
func New(log logging.Logger, cfg Config) (*Server, error) {
	cfg, err := cfg.FromEnvironment()
	if err != nil {
		return nil, err
	}

	extraArgs, err := shellwords.Parse(cfg.ExtraLlamaCppArgs)
	if err != nil {
		return nil, errors.Wrap(err, "parsing extra llama.cpp arguments")
	}

	cat, err := catalog.New(log.WithField("component", "catalog"), cfg.CacheDir)
	if err != nil {
		return nil, errors.Wrap(err, "loading model catalog")
	}

	hubOptions := []weights.HubClientOption{
		weights.WithTransport(otelhttp.NewTransport(http.DefaultTransport)),
	}
	if cfg.HFToken != "" {
		hubOptions = append(hubOptions, weights.WithToken(cfg.HFToken))
	}
	hub := weights.NewHubClient(hubOptions...)
	store := weights.NewStore(log.WithField("component", "weights"), cfg.HFCacheDir, hub, cfg.Offline)

	installer := install.NewInstaller(
		log.WithField("component", "install"),
		filepath.Join(cfg.CacheDir, "backends"),
	)
	aggregator := telemetry.NewAggregator()

	llamaBackend := llamacpp.New(
		log,
		log.WithField("component", llamacpp.Name),
		installer,
		aggregator,
		&llamacpp.Config{
			Variant:     cfg.LlamaCppVariant,
			ContextSize: cfg.ContextSize,
			ExtraArgs:   extraArgs,
			NoFallback:  cfg.NoLlamaCppFallback,
		},
	)
	backends := map[string]inference.Backend{
		llamacpp.Name: llamaBackend,
		flm.Name: flm.New(
			log,
			log.WithField("component", flm.Name),
			&flm.Config{ContextSize: cfg.ContextSize},
		),
		sdcpp.Name: sdcpp.New(log, installer, cat, &sdcpp.Config{
			Variant:    cfg.SDVariant,
			SaveImages: cfg.SaveImages,
			ImagesDir:  cfg.ImagesDir,
		}),
		whispercpp.Name: whispercpp.New(
			log,
			log.WithField("component", whispercpp.Name),
			installer,
			&whispercpp.Config{},
		),
		kokoro.Name: kokoro.New(log, log.WithField("component", kokoro.Name)),
	}

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	scheduler := scheduling.NewScheduler(log, backends, llamaBackend, cat, store, httpClient, aggregator)

	modelManager := models.NewManager(
		log.WithField("component", "models"),
		cat,
		store,
		backends,
		func(ctx context.Context, modelName string) {
			scheduler.Unload(ctx, scheduling.UnloadRequest{ModelName: modelName})
		},
	)
	modelHandler := models.NewHTTPHandler(log, modelManager, cfg.AllowedOrigins)
	schedulerHTTP := scheduling.NewHTTPHandler(scheduler, modelHandler, cfg.WebsocketPort(), cfg.AllowedOrigins)

	s := &Server{
		log:       log,
		config:    cfg,
		scheduler: scheduler,
		halt:      make(chan struct{}),
	}

	recorder := NewRecorder(log.WithField("component", "recorder"), defaultRecorderDepth)

	mux := http.NewServeMux()
	mux.Handle("POST "+responses.APIPrefix, responses.NewHTTPHandler(log, schedulerHTTP, cfg.AllowedOrigins))
	mux.HandleFunc("GET "+inference.APIPrefix+"/system-info", s.handleSystemInfo)
	mux.HandleFunc("POST "+inference.APIPrefix+"/halt", s.handleHalt)
	mux.Handle(inference.APIPrefix+"/", schedulerHTTP)
	// Everything else, the Ollama surface and its "/" banner included.
	mux.Handle("/", ollama.NewHTTPHandler(log, scheduler, schedulerHTTP, cfg.AllowedOrigins, modelManager))
	s.handler = recorder.Wrap(&middleware.AliasHandler{Handler: mux})

	wsMux := http.NewServeMux()
	wsMux.Handle("GET "+inference.APIPrefix+"/realtime", realtime.NewHandler(
		log.WithField("component", "realtime"),
		&schedulerTranscriber{scheduler: scheduler},
	))
	s.realtimeHandler = &middleware.AliasHandler{Handler: wsMux}

	return s, nil
}

// Handler exposes the composed HTTP surface, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// RealtimeHandler exposes the websocket surface, mainly for tests.
func (s *Server) RealtimeHandler() http.Handler {
	return s.realtimeHandler
}

// Run binds both listeners and serves until ctx is cancelled, a halt request
// arrives, or a listener fails. By the time it returns, every resident model
// has been unloaded.
func (s *Server) Run(ctx context.Context) error {
	httpAddr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return errors.Wrapf(err, "binding %s", httpAddr)
	}
	wsAddr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.WebsocketPort()))
	wsListener, err := net.Listen("tcp", wsAddr)
	if err != nil {
		httpListener.Close()
		return errors.Wrapf(err, "binding %s", wsAddr)
	}

	httpServer := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	wsServer := &http.Server{Handler: s.realtimeHandler, ReadHeaderTimeout: 10 * time.Second}

	s.log.Infof("Serving on http://%s (websocket on port %d)", httpAddr, s.config.WebsocketPort())

	workers, workerCtx := errgroup.WithContext(ctx)

	workers.Go(func() error {
		return s.scheduler.Run(workerCtx)
	})
	workers.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	workers.Go(func() error {
		if err := wsServer.Serve(wsListener); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "websocket server")
		}
		return nil
	})
	workers.Go(func() error {
		select {
		case <-workerCtx.Done():
		case <-s.halt:
			s.log.Infoln("Halt requested")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("HTTP server shutdown: %v", err)
		}
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("Websocket server shutdown: %v", err)
		}
		// Stops the scheduler worker once both listeners have drained.
		return context.Canceled
	})

	err = workers.Wait()
	if err == context.Canceled {
		err = nil
	}
	s.log.Infoln("Lemonade server stopped")
	return err
}

// Halt triggers a graceful shutdown, as POST /api/v1/halt does.
func (s *Server) Halt() {
	s.haltOnce.Do(func() { close(s.halt) })
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sysinfo.Collect(s.log))
}

func (s *Server) handleHalt(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	// The response is already on the wire; the drain in Run keeps the
	// connection alive until it completes.
	s.Halt()
}

// schedulerTranscriber adapts the scheduler to the realtime surface.
type schedulerTranscriber struct {
	scheduler *scheduling.Scheduler
}

// Warm loads the model so the first commit does not pay the launch cost.
func (t *schedulerTranscriber) Warm(ctx context.Context, model string) error {
	entry, err := t.scheduler.ResolveEntry(model)
	if err != nil {
		return err
	}
	runner, err := t.scheduler.Acquire(ctx, entry, inference.BackendModeCompletion)
	if err != nil {
		return err
	}
	t.scheduler.Release(runner)
	return nil
}

// Transcribe converts one WAV clip into text.
func (t *schedulerTranscriber) Transcribe(ctx context.Context, model string, wav []byte, language string) (string, error) {
	return t.scheduler.Transcribe(ctx, model, wav, language)
}
