package inference

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorStatusCode(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want int
	}{
		{ErrBadRequest, http.StatusBadRequest},
		{ErrModelNotFound, http.StatusNotFound},
		{ErrWeightsMissing, http.StatusUnprocessableEntity},
		{ErrAmbiguousWeights, http.StatusUnprocessableEntity},
		{ErrInstallFailed, http.StatusUnprocessableEntity},
		{ErrUnsupportedPlatform, http.StatusUnprocessableEntity},
		{ErrSystemBinaryMissing, http.StatusUnprocessableEntity},
		{ErrAllModelsBusy, http.StatusServiceUnavailable},
		{ErrNoFreePort, http.StatusServiceUnavailable},
		{ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{ErrUpstreamFailed, http.StatusBadGateway},
		{ErrNotImplemented, http.StatusNotImplemented},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			err := NewError(tc.kind, "boom")
			require.Equal(t, tc.want, err.StatusCode())
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NewError(ErrModelNotFound, "model %q not found", "missing-model"))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, `model "missing-model" not found`, envelope.Error.Message)
	require.Equal(t, "model_not_found", envelope.Error.Code)
}

func TestWriteErrorUnclassified(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("disk on fire"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "disk on fire", envelope.Error.Message)
	require.Equal(t, "internal_error", envelope.Error.Code)
}
