// Package proxy executes the per-request routing pipeline: it replays
// the buffered request along the failover sequence, forwards the first
// accepted response, relays streaming upgrades, and feeds the passive
// health tracker on every attempt.
package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Yundera/mesh-router-gateway/internal/health"
	"github.com/Yundera/mesh-router-gateway/internal/resolver"
	"go.uber.org/zap"
)

// EngineOptions configures the proxy engine.
type EngineOptions struct {
	RootCAs        *x509.CertPool // trust bundle for https routes; nil means system pool
	ConnectTimeout time.Duration
	MaxRetries     int   // cap on routes attempted per request
	MaxBodyBytes   int64 // request body ceiling
}

// Engine drives proxy attempts for one failover sequence at a time.
type Engine struct {
	log            *zap.SugaredLogger
	health         *health.Tracker
	rootCAs        *x509.CertPool
	connectTimeout time.Duration
	maxRetries     atomic.Int32
	maxBodyBytes   int64
}

// NewEngine builds an Engine that reports attempt outcomes to tracker.
func NewEngine(opts EngineOptions, tracker *health.Tracker, log *zap.SugaredLogger) *Engine {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 20 << 30
	}
	e := &Engine{
		log:            log,
		health:         tracker,
		rootCAs:        opts.RootCAs,
		connectTimeout: opts.ConnectTimeout,
		maxBodyBytes:   opts.MaxBodyBytes,
	}
	e.maxRetries.Store(int32(opts.MaxRetries))
	return e
}

// SetMaxRetries adjusts the failover cap; applied to subsequent requests.
func (e *Engine) SetMaxRetries(n int) {
	if n > 0 {
		e.maxRetries.Store(int32(n))
	}
}

// ServeFailover attempts the sequence in order until a backend produces
// an HTTP response. Any response, whatever its status, is forwarded
// verbatim; only transport-level failures before response headers move
// the loop to the next route.
func (e *Engine) ServeFailover(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	body, err := bufferBody(r, e.maxBodyBytes)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large", "BODY_TOO_LARGE")
			return
		}
		e.log.Warnw("buffering request body failed", "req_id", rc.ReqID, "err", err)
		writeJSONError(w, http.StatusBadRequest, "Could not read request body", "BAD_REQUEST")
		return
	}
	defer body.Close()

	attempts := min(len(rc.Sequence), int(e.maxRetries.Load()))
	var tried []string
	for i := 0; i < attempts; i++ {
		route := rc.Sequence[i]
		tried = append(tried, sourceTag(route))
		if i == 1 {
			failoversTotal.Inc()
		}

		resp, err := e.tryRoute(r, rc, route, body)
		if err == nil {
			e.health.MarkHealthy(route.Key())
			routeAttempts.WithLabelValues(sourceTag(route), "success").Inc()
			if rc.Trace {
				w.Header().Set(HeaderRoute, strings.Join(tried, ",")+",pcs")
			}
			e.log.Infow("proxying", "req_id", rc.ReqID, "tenant", rc.Tenant,
				"addr", route.Key(), "source", route.Source, "attempt", i+1, "status", resp.StatusCode)
			forwardResponse(w, resp)
			return
		}

		e.health.MarkFailed(route.Key())
		routeAttempts.WithLabelValues(sourceTag(route), "failure").Inc()
		retriable := isRetriable(err)
		e.log.Warnw("route attempt failed", "req_id", rc.ReqID, "tenant", rc.Tenant,
			"addr", route.Key(), "attempt", i+1, "retriable", retriable, "err", err)
		if !retriable {
			break
		}
	}

	routesExhausted.Inc()
	if rc.Trace {
		w.Header().Set(HeaderRoute, strings.Join(tried, ",")+",failed")
	}
	writeJSONError(w, http.StatusBadGateway, "All backend routes failed", "ROUTES_EXHAUSTED")
}

// ServeDefault proxies a single attempt to the configured default
// backend. The default is expected to be on-box, so its certificate is
// not verified and there is no failover.
func (e *Engine) ServeDefault(w http.ResponseWriter, r *http.Request, rc *RequestContext, target *url.URL) {
	outURL := target.Scheme + "://" + target.Host + r.URL.RequestURI()
	out, err := http.NewRequestWithContext(r.Context(), r.Method, outURL, r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "Default backend failed", "DEFAULT_BACKEND_FAILED")
		return
	}
	out.ContentLength = r.ContentLength
	out.Header = sanitizedClone(r.Header)
	out.Host = rc.ProxyHost
	setForwardHeaders(out.Header, r, rc)

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: e.connectTimeout}).DialContext,
		TLSHandshakeTimeout: e.connectTimeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
	}
	defer transport.CloseIdleConnections()

	resp, err := noRedirectClient(transport).Do(out)
	if err != nil {
		defaultBackendTotal.WithLabelValues("failure").Inc()
		e.log.Warnw("default backend failed", "req_id", rc.ReqID, "target", target.Host, "err", err)
		writeJSONError(w, http.StatusBadGateway, "Default backend failed", "DEFAULT_BACKEND_FAILED")
		return
	}
	defaultBackendTotal.WithLabelValues("success").Inc()
	forwardResponse(w, resp)
}

// tryRoute performs one proxy attempt. The transport is built per
// attempt so SNI can follow the original host while the dial goes to
// the route's raw address.
func (e *Engine) tryRoute(r *http.Request, rc *RequestContext, route resolver.Route, body *replayBody) (*http.Response, error) {
	reader, err := body.Reader()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	target := route.Protocol() + "://" + route.HostPort() + r.URL.RequestURI()
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, reader)
	if err != nil {
		return nil, err
	}
	out.ContentLength = body.Size()
	out.Header = sanitizedClone(r.Header)
	out.Host = rc.ProxyHost
	setForwardHeaders(out.Header, r, rc)

	transport := e.transportFor(rc)
	defer transport.CloseIdleConnections()
	return noRedirectClient(transport).Do(out)
}

func (e *Engine) transportFor(rc *RequestContext) *http.Transport {
	return &http.Transport{
		DialContext:         (&net.Dialer{Timeout: e.connectTimeout}).DialContext,
		TLSHandshakeTimeout: e.connectTimeout,
		TLSClientConfig: &tls.Config{
			RootCAs: e.rootCAs,
			// SNI carries the name the backend certificate is issued
			// for, not the raw IP being dialed.
			ServerName: hostOnly(rc.OriginalHost),
		},
	}
}

// noRedirectClient returns a client that hands redirects back to the
// caller untouched.
func noRedirectClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// forwardResponse streams the backend response to the client, minus
// hop-by-hop headers.
func forwardResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	h := w.Header()
	copyHeader(h, resp.Header)
	for _, hh := range hopHeaders {
		h.Del(hh)
	}
	w.WriteHeader(resp.StatusCode)
	flushCopy(w, resp.Body)
}

// sanitizedClone copies headers minus the hop-by-hop set.
func sanitizedClone(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	copyHeader(dst, src)
	for _, hh := range hopHeaders {
		dst.Del(hh)
	}
	return dst
}

// flushCopy relays the body chunk by chunk, flushing after each write
// so streamed responses reach the client promptly.
func flushCopy(w http.ResponseWriter, src io.Reader) {
	ctl := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			ctl.Flush()
		}
		if err != nil {
			return
		}
	}
}

func sourceTag(route resolver.Route) string {
	if route.Source == "" {
		return "direct"
	}
	return route.Source
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"code":%q}`, msg, code)
}
