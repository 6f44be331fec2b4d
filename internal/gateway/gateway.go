// Package gateway proxies requests to the upstream services sitting behind
// the decision front door.
//
// Each configured upstream gets a route prefix; requests that clear the
// decision path are forwarded with method, body, and query intact. Upstream
// calls run behind a per-upstream circuit breaker with bounded timeouts, so a
// dead service degrades to fast 503s instead of piling up goroutines.
package gateway

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gabizap/accessd/internal/circuitbreaker"
	"github.com/gabizap/accessd/internal/logging"
	"github.com/gabizap/accessd/internal/metrics"
	"github.com/gabizap/accessd/internal/security"
)

// DefaultUpstreamTimeout bounds one proxied call end to end.
const DefaultUpstreamTimeout = 10 * time.Second

// maxResponseSize caps how much of an upstream response is relayed (5MB).
const maxResponseSize = 5 * 1024 * 1024

// Upstream is one configured backing service.
type Upstream struct {
	Name    string
	BaseURL *url.URL
}

// Gateway forwards requests to registered upstreams.
type Gateway struct {
	mu        sync.RWMutex
	upstreams map[string]Upstream
	client    *http.Client
	breaker   *circuitbreaker.Breaker
}

// New creates a gateway. Pass timeout=0 for DefaultUpstreamTimeout.
func New(timeout time.Duration, breaker *circuitbreaker.Breaker) *Gateway {
	if timeout == 0 {
		timeout = DefaultUpstreamTimeout
	}
	if breaker == nil {
		breaker = circuitbreaker.New(0, 0)
	}
	return &Gateway{
		upstreams: make(map[string]Upstream),
		client:    &http.Client{Timeout: timeout},
		breaker:   breaker,
	}
}

// AddUpstream registers a named upstream after validating its base URL.
// allowPrivate permits RFC1918 addresses for in-cluster deployments.
func (g *Gateway) AddUpstream(name, baseURL string, allowPrivate bool) error {
	if name == "" {
		return fmt.Errorf("upstream name is required")
	}
	if err := security.ValidateUpstreamURL(baseURL, allowPrivate); err != nil {
		return fmt.Errorf("upstream %s: %w", name, err)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("upstream %s: %w", name, err)
	}
	g.mu.Lock()
	g.upstreams[name] = Upstream{Name: name, BaseURL: u}
	g.mu.Unlock()
	return nil
}

// Upstreams returns the registered upstream names.
func (g *Gateway) Upstreams() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.upstreams))
	for name := range g.upstreams {
		names = append(names, name)
	}
	return names
}

// Handler returns a gin handler proxying the wildcard *path to the named
// upstream. Breaker-open and unreachable upstreams both answer 503.
func (g *Gateway) Handler(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		g.mu.RLock()
		up, ok := g.upstreams[name]
		g.mu.RUnlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_upstream",
				"message": fmt.Sprintf("No upstream named %q is configured.", name),
			})
			return
		}

		if !g.breaker.Allow(name) {
			metrics.UpstreamRequestsTotal.WithLabelValues(name, "circuit_open").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "upstream_unavailable",
				"message": "Upstream is temporarily unavailable.",
			})
			return
		}

		target := *up.BaseURL
		target.Path = singleJoin(up.BaseURL.Path, c.Param("path"))
		target.RawQuery = c.Request.URL.RawQuery

		req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target.String(), c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "proxy_error"})
			return
		}
		copyProxyHeaders(req.Header, c.Request.Header)
		req.Header.Set("X-Forwarded-For", c.ClientIP())

		start := time.Now()
		resp, err := g.client.Do(req)
		if err != nil {
			g.breaker.RecordFailure(name)
			metrics.UpstreamRequestsTotal.WithLabelValues(name, "error").Inc()
			logging.Component(c.Request.Context(), "gateway").Error("upstream request failed",
				"upstream", name,
				"path", c.Param("path"),
				"error", err,
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "upstream_unavailable",
				"message": "Upstream did not respond.",
			})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			g.breaker.RecordFailure(name)
		} else {
			g.breaker.RecordSuccess(name)
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(name, statusClass(resp.StatusCode)).Inc()

		logging.Component(c.Request.Context(), "gateway").Debug("proxied request",
			"upstream", name,
			"status", resp.StatusCode,
			"latency_ms", time.Since(start).Milliseconds(),
		)

		c.Status(resp.StatusCode)
		for k, vals := range resp.Header {
			for _, v := range vals {
				c.Writer.Header().Add(k, v)
			}
		}
		io.Copy(c.Writer, io.LimitReader(resp.Body, maxResponseSize))
	}
}

// hopHeaders are stripped before forwarding (RFC 7230 section 6.1).
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyProxyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func singleJoin(a, b string) string {
	a = strings.TrimSuffix(a, "/")
	if !strings.HasPrefix(b, "/") {
		b = "/" + b
	}
	return a + b
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
