// Package middleware provides composable HTTP middleware for the gateway.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Metrics (registered once at startup via promauto)
// ---------------------------------------------------------------------------

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the gateway.",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mesh",
		Name:      "request_duration_seconds",
		Help:      "Histogram of HTTP request latencies.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method"})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mesh",
		Name:      "active_connections",
		Help:      "Number of currently active proxy connections.",
	})
)

// ---------------------------------------------------------------------------
// responseWriter wrapper to capture status code
// ---------------------------------------------------------------------------

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach Hijack and Flush on the
// underlying writer, which the upgrade path depends on.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// ---------------------------------------------------------------------------
// Recovery — catches panics so one bad request can't crash the server
// ---------------------------------------------------------------------------

func Recovery(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorw("recovered from panic",
						"panic", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ---------------------------------------------------------------------------
// RequestID — generates the routing correlation id
// ---------------------------------------------------------------------------

const headerRequestID = "X-Request-ID"

type reqIDCtxKey struct{}

// NewReqID generates the 24-bit hex correlation id used across the
// routing decision chain.
func NewReqID() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "000000"
	}
	return hex.EncodeToString(b[:])
}

// ReqIDFrom returns the request id stored by the RequestID middleware,
// or "" when the middleware did not run.
func ReqIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(reqIDCtxKey{}).(string)
	return id
}

// RequestID stamps every request with a fresh id, exposed to handlers
// via the context and echoed to the client.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := NewReqID()
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reqIDCtxKey{}, id)))
	})
}

// ---------------------------------------------------------------------------
// Logger — structured access log
// ---------------------------------------------------------------------------

func Logger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			log.Infow("request",
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status", sw.status,
				"bytes", sw.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"req_id", ReqIDFrom(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// ---------------------------------------------------------------------------
// Metrics — Prometheus instrumentation
// ---------------------------------------------------------------------------

func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(requestDuration.WithLabelValues(r.Method))
		activeConnections.Inc()
		defer func() {
			activeConnections.Dec()
			timer.ObserveDuration()
			requestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", sw.status)).Inc()
		}()
		next.ServeHTTP(sw, r)
	})
}

// Chain applies middlewares in order (first listed = outermost).
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
