package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// Transport owns the pooled HTTP clients. Clients are keyed by proxy so a
// per-key or per-provider proxy gets its own connection pool; the empty key
// is the direct pool.
type Transport struct {
	headerTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewTransport creates a Transport. headerTimeout bounds how long an upstream
// may take to return response headers; zero means 60s.
func NewTransport(headerTimeout time.Duration) *Transport {
	if headerTimeout <= 0 {
		headerTimeout = 60 * time.Second
	}
	return &Transport{
		headerTimeout: headerTimeout,
		clients:       make(map[string]*http.Client),
	}
}

// Client returns the pooled client for a proxy URL, creating it on first use.
// Overall deadlines come from the request context, not the client, so the
// same pool serves sync and streaming requests.
func (t *Transport) Client(proxy string) (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[proxy]; ok {
		return c, nil
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: t.headerTimeout,
		ForceAttemptHTTP2:     true,
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, gwerrors.NewInternalError("", "", "invalid proxy url: "+err.Error())
		}
		tr.Proxy = http.ProxyURL(u)
	}

	c := &http.Client{Transport: tr}
	t.clients[proxy] = c
	return c, nil
}

// CloseIdle releases idle connections in every pool.
func (t *Transport) CloseIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.clients {
		if tr, ok := c.Transport.(*http.Transport); ok {
			tr.CloseIdleConnections()
		}
	}
}

// MapTransportError converts a transport-level failure into a typed gateway
// error: deadline and net timeouts become timeout errors, everything else a
// connection error.
func MapTransportError(err error, provider, model string) *gwerrors.GatewayError {
	var ge *gwerrors.GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerrors.NewTimeoutError(provider, model, "upstream request timed out").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.NewTimeoutError(provider, model, "upstream request timed out").WithCause(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return gwerrors.NewConnectionError(provider, model, "upstream closed the connection").WithCause(err)
	}
	return gwerrors.NewConnectionError(provider, model, err.Error()).WithCause(err)
}

// hopByHopHeaders are stripped from upstream responses before anything is
// returned to the client.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers in place.
func StripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// ParseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
