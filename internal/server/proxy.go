package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/r44vc0rp/serverbox/internal/apierr"
)

// hopByHopHeaders are stripped from both the request sent upstream and the
// response streamed back.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// callerAuthHeaders are stripped from the forwarded request so a caller
// cannot smuggle its own credentials or admin key past the proxy layer.
var callerAuthHeaders = []string{
	"Authorization", "X-Daytona-Preview-Token", "X-Serverbox-Admin-Key", "X-Serverbox-Proxy-Key",
}

// handleProxy authenticates the caller, resolves {instanceId}/{suffix},
// ensures the instance is running (resuming it if needed via the resume
// coordinator), then forwards the request to the upstream preview URL with
// headers rewritten and the body streamed through untransformed. Records
// the proxied-request count and latency, labeled by response status class.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if s.metrics == nil {
			return
		}
		class := statusClass(rec.status)
		s.metrics.ProxyRequestTotal.WithLabelValues(class).Inc()
		s.metrics.ProxyLatencySeconds.WithLabelValues(class).Observe(time.Since(start).Seconds())
	}()

	if !s.checkProxyAuth(r) {
		writeJSON(rec, http.StatusUnauthorized, map[string]any{"error": "Unauthorized proxy request."})
		return
	}

	instanceID, suffix, ok := parseProxyPath(r.URL.Path)
	if !ok {
		writeError(rec, apierr.New(apierr.InvalidConfig, "missing instanceId in proxy path"))
		return
	}

	inst, err := s.coordinator.EnsureRunning(r.Context(), instanceID)
	if err != nil {
		writeError(rec, err)
		return
	}

	target, err := url.Parse(strings.TrimSuffix(inst.URL, "/"))
	if err != nil {
		writeError(rec, apierr.Wrap(apierr.DaytonaAPIError, "parse instance url", err))
		return
	}

	originalHost := r.Host
	basicAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(inst.Username+":"+inst.Password))

	proxy := &httputil.ReverseProxy{
		Transport: s.proxyTransport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = target.Path + suffix
			req.Host = target.Host

			stripHeaders(req.Header, hopByHopHeaders)
			stripHeaders(req.Header, callerAuthHeaders)

			req.Header.Set("Authorization", basicAuth)
			if inst.PreviewToken != "" {
				req.Header.Set("X-Daytona-Preview-Token", inst.PreviewToken)
			}
			req.Header.Set("X-Forwarded-Host", originalHost)
			req.Header.Set("X-Forwarded-Proto", "http")
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHeaders(resp.Header, hopByHopHeaders)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":   "Upstream proxy request failed",
				"details": err.Error(),
			})
		},
	}

	proxy.ServeHTTP(rec, r)
}

// checkProxyAuth enforces x-serverbox-proxy-key: a configured key must
// match exactly; an explicitly empty key (ProxyAuthDisabled) skips the
// check entirely.
func (s *Server) checkProxyAuth(r *http.Request) bool {
	if s.cfg.ProxyAuthDisabled() {
		return true
	}
	key := r.Header.Get("x-serverbox-proxy-key")
	return key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.ProxyAPIKey)) == 1
}

// parseProxyPath splits "/i/{instanceId}/{suffix...}" into instanceId and
// the "/{suffix...}" remainder (including its leading slash, or "" when
// nothing follows the id). Returns ok=false when instanceId is missing.
func parseProxyPath(path string) (instanceID, suffix string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/i/")
	if trimmed == path || trimmed == "" {
		return "", "", false
	}
	slash := strings.Index(trimmed, "/")
	if slash < 0 {
		return trimmed, "", true
	}
	return trimmed[:slash], trimmed[slash:], true
}

func stripHeaders(h http.Header, names []string) {
	for _, name := range names {
		h.Del(name)
	}
}

// newIdleTimeoutTransport builds an http.Transport whose connections reset
// their read/write deadline to idleTimeout on every byte transferred,
// rather than bounding the request's total duration. This is what lets a
// long-lived upstream stream (e.g. an SSE response) stay open indefinitely
// as long as it keeps flowing, while a connection that goes quiet for
// idleTimeout is torn down.
func newIdleTimeoutTransport(idleTimeout time.Duration) *http.Transport {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	dialer := &net.Dialer{}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &idleTimeoutConn{Conn: conn, timeout: idleTimeout}, nil
	}
	return transport
}

// idleTimeoutConn resets its deadline on every Read/Write, so the timeout
// it enforces is idle time on the socket rather than a fixed total
// lifetime.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// statusRecorder captures the status code written through it so
// handleProxy can label its metrics after ServeHTTP returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
