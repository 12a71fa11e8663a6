package whispercpp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

func upstreamPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestProxyRewritesToInference(t *testing.T) {
	var gotPath, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte(`{"text": "hello world"}`))
	}))
	defer ts.Close()

	backend := &whisperCpp{log: testLogger()}
	handler := backend.Proxy(upstreamPort(t, ts), "Whisper-Tiny", inference.ModelArtifacts{})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/audio/transcriptions", strings.NewReader("AUDIO"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/inference", gotPath)
	assert.Equal(t, "AUDIO", gotBody)
	assert.JSONEq(t, `{"text": "hello world"}`, w.Body.String())
}

func TestRunGuards(t *testing.T) {
	kindOf := func(err error) inference.ErrorKind {
		t.Helper()
		var infErr *inference.Error
		require.ErrorAs(t, err, &infErr)
		return infErr.Kind
	}

	notInstalled := &whisperCpp{log: testLogger(), serverLog: testLogger(), config: &Config{}}
	err := notInstalled.Run(context.Background(), 11030, "Whisper-Tiny",
		inference.ModelArtifacts{Primary: "/w/ggml-tiny.bin"}, inference.BackendModeCompletion, nil)
	assert.Equal(t, inference.ErrInstallFailed, kindOf(err))

	installed := &whisperCpp{log: testLogger(), serverLog: testLogger(), config: &Config{}, binPath: "/opt/whisper-server"}
	err = installed.Run(context.Background(), 11030, "Whisper-Tiny",
		inference.ModelArtifacts{Primary: "/w/ggml-tiny.bin"}, inference.BackendModeEmbedding, nil)
	assert.Equal(t, inference.ErrBadRequest, kindOf(err))

	err = installed.Run(context.Background(), 11030, "Whisper-Tiny",
		inference.ModelArtifacts{}, inference.BackendModeCompletion, nil)
	assert.Equal(t, inference.ErrWeightsMissing, kindOf(err))
}
