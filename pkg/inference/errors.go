package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures so that HTTP handlers can map them to status
// codes without inspecting error strings.
type ErrorKind string

const (
	// ErrBadRequest indicates a malformed request body or parameters.
	ErrBadRequest ErrorKind = "bad_request"
	// ErrModelNotFound indicates the requested model is not in the catalog.
	ErrModelNotFound ErrorKind = "model_not_found"
	// ErrWeightsMissing indicates no weights file matched the requested variant.
	ErrWeightsMissing ErrorKind = "weights_missing"
	// ErrAmbiguousWeights indicates several weights files matched and no
	// variant was given to disambiguate.
	ErrAmbiguousWeights ErrorKind = "ambiguous_weights"
	// ErrInstallFailed indicates the backend binary could not be installed.
	ErrInstallFailed ErrorKind = "install_failed"
	// ErrUnsupportedPlatform indicates no backend build exists for this
	// OS/accelerator combination.
	ErrUnsupportedPlatform ErrorKind = "unsupported_platform"
	// ErrSystemBinaryMissing indicates a runtime that must be installed by
	// the operator was not found on PATH.
	ErrSystemBinaryMissing ErrorKind = "system_binary_missing"
	// ErrNoFreePort indicates no loopback port could be allocated for a
	// runner process.
	ErrNoFreePort ErrorKind = "no_free_port"
	// ErrAllModelsBusy indicates every runner slot is held by in-flight
	// requests and nothing can be evicted.
	ErrAllModelsBusy ErrorKind = "all_models_busy"
	// ErrUpstreamTimeout indicates the backend process did not answer within
	// the request deadline.
	ErrUpstreamTimeout ErrorKind = "upstream_timeout"
	// ErrUpstreamFailed indicates the backend process crashed or returned a
	// malformed response.
	ErrUpstreamFailed ErrorKind = "upstream_failed"
	// ErrNotImplemented indicates a recognized route whose functionality is
	// not available.
	ErrNotImplemented ErrorKind = "not_implemented"
)

// Error is the error type surfaced to HTTP clients.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StatusCode maps the error kind to an HTTP status code.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrModelNotFound:
		return http.StatusNotFound
	case ErrWeightsMissing, ErrAmbiguousWeights, ErrInstallFailed,
		ErrUnsupportedPlatform, ErrSystemBinaryMissing:
		return http.StatusUnprocessableEntity
	case ErrAllModelsBusy, ErrNoFreePort:
		return http.StatusServiceUnavailable
	case ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrUpstreamFailed:
		return http.StatusBadGateway
	case ErrNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// WriteError writes err to w as the JSON error envelope used across the API.
// Unclassified errors are reported as internal server errors.
func WriteError(w http.ResponseWriter, err error) {
	var infErr *Error
	if !errors.As(err, &infErr) {
		infErr = &Error{Kind: "internal_error", Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(infErr.StatusCode())
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorBody{Message: infErr.Message, Code: string(infErr.Kind)},
	})
}
