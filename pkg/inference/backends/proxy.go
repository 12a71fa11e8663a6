package backends

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

const (
	// ForwardTimeout bounds how long a backend may take to produce response
	// headers. Cold prompts on large models can approach this.
	ForwardTimeout = 300 * time.Second

	// StreamIdleTimeout bounds the gap between chunks of a streaming
	// response body.
	StreamIdleTimeout = 300 * time.Second
)

// NewProxy returns a reverse proxy to the loopback server on port. rewrite,
// when non-nil, adjusts the outbound request after the target has been set;
// adapters use it to map public paths onto their runtime's native ones.
func NewProxy(log logging.Logger, port int, rewrite func(*http.Request)) http.Handler {
	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Host = target.Host
		if rewrite != nil {
			rewrite(r)
		}
	}
	proxy.Transport = &http.Transport{
		ResponseHeaderTimeout: ForwardTimeout,
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Body = newIdleTimeoutBody(resp.Body, StreamIdleTimeout)
		return nil
	}
	// Flush every chunk so SSE tokens reach the client as they are decoded.
	proxy.FlushInterval = -1
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if r.Context().Err() != nil {
			// The client went away; there is nobody to answer.
			log.Debugf("Request to %s aborted by client: %v", target.Host, err)
			return
		}
		log.Warnf("Error forwarding request to %s: %v", target.Host, err)
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			inference.WriteError(w, inference.NewError(inference.ErrUpstreamTimeout,
				"backend did not respond within %s", ForwardTimeout))
			return
		}
		inference.WriteError(w, inference.NewError(inference.ErrUpstreamFailed,
			"backend request failed: %v", err))
	}
	return proxy
}

// idleTimeoutBody closes the underlying response body when no bytes arrive
// for the configured duration, which aborts the proxy's copy loop and ends
// the stalled stream.
type idleTimeoutBody struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration) *idleTimeoutBody {
	b := &idleTimeoutBody{
		body:    body,
		timeout: timeout,
	}
	b.timer = time.AfterFunc(timeout, func() {
		body.Close()
	})
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err == nil {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.body.Close()
}
