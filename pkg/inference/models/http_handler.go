package models

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/internal/utils"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/middleware"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// maximumRequestBodySize is the maximum request body size accepted by the
// model management handlers.
const maximumRequestBodySize = 512 * 1024 * 1024

// HTTPHandler serves the model management routes.
type HTTPHandler struct {
	// log is the associated logger.
	log logging.Logger
	// router is the HTTP request router.
	router *http.ServeMux
	// httpHandler is the HTTP request handler, which wraps router with
	// the server-level middleware.
	httpHandler http.Handler
	// lock is used to synchronize access to the handler's router.
	lock sync.RWMutex
	// manager handles business logic for model operations.
	manager *Manager
}

// NewHTTPHandler creates a new model management handler.
func NewHTTPHandler(log logging.Logger, manager *Manager, allowedOrigins []string) *HTTPHandler {
	h := &HTTPHandler{
		log:     log,
		router:  http.NewServeMux(),
		manager: manager,
	}

	// Register routes.
	h.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	for route, handler := range h.routeHandlers() {
		h.router.HandleFunc(route, handler)
	}

	h.RebuildRoutes(allowedOrigins)

	return h
}

// RebuildRoutes rebuilds the middleware chain around the router. It allows
// the allowed origins to change at runtime.
func (h *HTTPHandler) RebuildRoutes(allowedOrigins []string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.httpHandler = middleware.CorsMiddleware(allowedOrigins, h.router)
}

func (h *HTTPHandler) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET " + inference.APIPrefix + "/models":           h.handleListModels,
		"GET " + inference.APIPrefix + "/models/{name...}": h.handleGetModel,
		"POST " + inference.APIPrefix + "/pull":            h.handlePull,
		"POST " + inference.APIPrefix + "/delete":          h.handleDelete,
	}
}

// handleListModels handles GET <api-prefix>/models requests. By default the
// listing only includes models with local weights; ?show_all=true includes
// every catalog entry.
func (h *HTTPHandler) handleListModels(w http.ResponseWriter, r *http.Request) {
	showAll := false
	if r.URL.Query().Has("show_all") {
		val, err := strconv.ParseBool(r.URL.Query().Get("show_all"))
		if err != nil {
			h.log.Warnln("Error while parsing show_all query parameter:", err)
		} else {
			showAll = val
		}
	}

	h.writeJSON(w, ToOpenAIList(h.manager.List(showAll)))
}

// handleGetModel handles GET <api-prefix>/models/{name} requests.
func (h *HTTPHandler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.manager.Get(r.PathValue("name"))
	if err != nil {
		inference.WriteError(w, err)
		return
	}
	h.writeJSON(w, model)
}

// handlePull handles POST <api-prefix>/pull requests. With "stream": true
// the response is an NDJSON progress stream; otherwise the request blocks
// until the weights are local.
func (h *HTTPHandler) handlePull(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestBodySize))
	if err != nil {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "request too large"))
		return
	}
	var request PullRequest
	if err := json.Unmarshal(body, &request); err != nil {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "invalid request body"))
		return
	}
	if request.Name() == "" {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "model_name is required"))
		return
	}

	if !request.Stream {
		if _, err := h.manager.Pull(r.Context(), request, nil); err != nil {
			inference.WriteError(w, err)
			return
		}
		h.writeJSON(w, PullResponse{Status: "success", ModelName: request.Name()})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The response writer doubles as the progress stream; records are
	// flushed as they are written.
	entry, err := h.manager.Pull(r.Context(), request, w)
	if err != nil {
		sanitizedName := utils.SanitizeForLog(request.Name())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.log.Infof("Request canceled while pulling model %q", sanitizedName)
			return
		}
		h.log.Warnf("Failed to pull model %q: %v", sanitizedName, err)
		_ = weights.WriteError(w, err.Error())
		return
	}
	_ = weights.WriteSuccess(w, "Downloaded "+entry.Name)
}

// handleDelete handles POST <api-prefix>/delete requests.
func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestBodySize))
	if err != nil {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "request too large"))
		return
	}
	var request DeleteRequest
	if err := json.Unmarshal(body, &request); err != nil {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "invalid request body"))
		return
	}
	name := request.Name()
	if name == "" {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "model_name is required"))
		return
	}

	if err := h.manager.Delete(r.Context(), name); err != nil {
		inference.WriteError(w, err)
		return
	}
	h.writeJSON(w, DeleteResponse{Status: "success", Message: "Deleted model: " + name})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.log.Warnln("Error while encoding response:", err)
	}
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	h.httpHandler.ServeHTTP(w, r)
}
