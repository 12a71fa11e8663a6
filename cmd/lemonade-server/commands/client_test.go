package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T, mux *http.ServeMux) *client {
	t.Helper()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Setenv(apiBaseEnv, ts.URL+"/api/v1")
	return newClient()
}

func TestClientHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "ok",
			"websocket_port": 8100,
			"models_loaded":  []string{"Qwen3-0.6B-GGUF"},
		})
	})

	c := fakeServer(t, mux)
	health, err := c.health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 8100, health.WebsocketPort)
	require.Equal(t, []string{"Qwen3-0.6B-GGUF"}, health.ModelsLoaded)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/delete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{
				"message": `model "nope" not found`,
				"code":    "model_not_found",
			},
		})
	})

	c := fakeServer(t, mux)
	err := c.deleteModel(context.Background(), "nope")
	require.EqualError(t, err, `model "nope" not found`)
}

func TestClientPullStreamsProgress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/pull", func(w http.ResponseWriter, r *http.Request) {
		var req pullRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "user.tiny", req.ModelName)
		require.Equal(t, "llamacpp", req.Recipe)
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"progress","message":"Resolving user.tiny"}`)
		fmt.Fprintln(w, `{"type":"progress","total":100,"file":{"name":"tiny.gguf","size":100,"current":50}}`)
		fmt.Fprintln(w, `{"type":"progress","total":100,"file":{"name":"tiny.gguf","size":100,"current":100}}`)
		fmt.Fprintln(w, `{"type":"success","message":"Downloaded user.tiny"}`)
	})

	c := fakeServer(t, mux)
	var out bytes.Buffer
	err := c.pull(context.Background(), pullRequest{ModelName: "user.tiny", Recipe: "llamacpp"}, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "Resolving user.tiny")
	require.Contains(t, out.String(), "tiny.gguf")
	require.Contains(t, out.String(), "100%")
	require.Contains(t, out.String(), "Downloaded user.tiny")
}

func TestClientPullSurfacesErrorRecord(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/pull", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"error","message":"checkpoint not found"}`)
	})

	c := fakeServer(t, mux)
	err := c.pull(context.Background(), pullRequest{ModelName: "user.tiny"}, &bytes.Buffer{})
	require.EqualError(t, err, "checkpoint not found")
}

func TestClientDefaultBase(t *testing.T) {
	t.Setenv(apiBaseEnv, "")
	require.Equal(t, defaultAPIBase, newClient().base)
}
