package proxy

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Yundera/mesh-router-gateway/internal/config"
	"github.com/Yundera/mesh-router-gateway/internal/health"
	"github.com/Yundera/mesh-router-gateway/internal/hostparser"
	"github.com/Yundera/mesh-router-gateway/internal/middleware"
	"github.com/Yundera/mesh-router-gateway/internal/ratelimiter"
	"github.com/Yundera/mesh-router-gateway/internal/resolver"
	"github.com/Yundera/mesh-router-gateway/internal/selector"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gateway is the tenant-routing http.Handler: it extracts the tenant
// from the host, resolves it to a failover sequence, and hands the
// request to the engine's streaming or failover path.
type Gateway struct {
	mu             sync.RWMutex
	defaultBackend *url.URL
	limiter        ratelimiter.Limiter

	serverDomain string
	instanceID   string
	resolver     *resolver.Resolver
	selector     *selector.Selector
	engine       *Engine
	tracker      *health.Tracker
	log          *zap.SugaredLogger
}

// NewGateway wires the resolver, selector, tracker, engine, and
// optional rate limiter from config.
func NewGateway(cfg *config.Config, rootCAs *x509.CertPool, instanceID string, log *zap.SugaredLogger) (*Gateway, error) {
	tracker := health.NewTracker(cfg.FailureThreshold, cfg.PassiveUnhealthyTTL, log)

	res := resolver.New(resolver.Options{
		BackendURL: cfg.BackendURL,
		CacheTTL:   cfg.CacheTTL,
		CacheMax:   cfg.RouteCacheMax,
		Timeout:    cfg.BackendTimeout,
		MaxRetries: cfg.BackendMaxRetries,
		RetryDelay: cfg.BackendRetryDelay,
		RootCAs:    rootCAs,
	}, log)

	eng := NewEngine(EngineOptions{
		RootCAs:        rootCAs,
		ConnectTimeout: cfg.ProxyConnectTimeout,
		MaxRetries:     cfg.FailoverMaxRetries,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	}, tracker, log)

	limiter, err := ratelimiter.New(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}

	gw := &Gateway{
		serverDomain: cfg.ServerDomain,
		instanceID:   instanceID,
		resolver:     res,
		selector:     selector.New(tracker, log),
		engine:       eng,
		tracker:      tracker,
		limiter:      limiter,
		log:          log,
	}
	if err := gw.setDefaultBackend(cfg.DefaultBackend); err != nil {
		return nil, err
	}
	return gw, nil
}

// Reload applies the hot-reloadable tunables from a fresh config.
// Caches and health counters survive the reload.
func (gw *Gateway) Reload(cfg *config.Config) error {
	limiter, err := ratelimiter.New(cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("rebuild rate limiter: %w", err)
	}
	if err := gw.setDefaultBackend(cfg.DefaultBackend); err != nil {
		return err
	}

	gw.engine.SetMaxRetries(cfg.FailoverMaxRetries)
	gw.tracker.SetPolicy(cfg.FailureThreshold, cfg.PassiveUnhealthyTTL)
	gw.resolver.SetCacheTTL(cfg.CacheTTL)

	gw.mu.Lock()
	gw.limiter = limiter
	gw.mu.Unlock()
	return nil
}

func (gw *Gateway) setDefaultBackend(raw string) error {
	var target *url.URL
	if raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid default backend %q", raw)
		}
		target = u
	}
	gw.mu.Lock()
	gw.defaultBackend = target
	gw.mu.Unlock()
	return nil
}

// ServeHTTP runs the per-request pipeline:
// parse → resolve → select → (upgrade | failover).
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := &RequestContext{
		ReqID:        middleware.ReqIDFrom(r.Context()),
		OriginalHost: r.Host,
		ProxyHost:    hostparser.ProxyHost(r),
		Trace:        r.Header.Get(HeaderTrace) != "",
	}
	if rc.ReqID == "" {
		rc.ReqID = middleware.NewReqID()
	}
	if rc.ProxyHost == "" {
		writeJSONError(w, http.StatusBadRequest, "No usable host", "INVALID_HOST")
		return
	}

	tenant, err := hostparser.Parse(rc.ProxyHost, gw.serverDomain)
	if err != nil {
		gw.log.Debugw("tenant extraction failed", "req_id", rc.ReqID, "host", rc.ProxyHost)
		gw.fallback(w, r, rc, "INVALID_SUBDOMAIN")
		return
	}
	rc.Tenant = tenant

	gw.mu.RLock()
	limiter := gw.limiter
	gw.mu.RUnlock()
	if err := limiter.Allow(r.Context(), tenant); err != nil {
		var limited *ratelimiter.ErrRateLimited
		if errors.As(err, &limited) {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", limited.RetryAfter.Seconds()))
		}
		writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded", "RATE_LIMITED")
		return
	}

	res, err := gw.resolver.Resolve(r.Context(), tenant)
	if err != nil {
		code := resolver.CodeOf(err)
		gw.log.Infow("resolution failed", "req_id", rc.ReqID, "tenant", tenant, "code", code, "err", err)
		switch code {
		case resolver.CodeNotFound, resolver.CodeNoRoutes:
			gw.fallback(w, r, rc, string(code))
		default:
			writeJSONError(w, http.StatusBadGateway, "Resolution backend unavailable", string(code))
		}
		return
	}

	rc.Sequence = gw.selector.Select(res.Routes, r.Header.Get(HeaderForce))
	if len(rc.Sequence) == 0 {
		gw.fallback(w, r, rc, string(resolver.CodeNoRoutes))
		return
	}

	if IsUpgrade(r) {
		gw.engine.ServeUpgrade(w, r, rc)
		return
	}
	gw.engine.ServeFailover(w, r, rc)
}

// fallback routes to the default backend when one is configured, else
// answers 404 with the originating code.
func (gw *Gateway) fallback(w http.ResponseWriter, r *http.Request, rc *RequestContext, code string) {
	gw.mu.RLock()
	target := gw.defaultBackend
	gw.mu.RUnlock()

	if target != nil {
		gw.engine.ServeDefault(w, r, rc, target)
		return
	}
	writeJSONError(w, http.StatusNotFound, "Unknown tenant", code)
}

// ---------------------------------------------------------------------------
// Admin handlers
// ---------------------------------------------------------------------------

// RegisterAdminHandlers mounts the operational endpoints on the admin mux.
func (gw *Gateway) RegisterAdminHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","instance":%q}`, gw.instanceID)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ready"}`)
	})
	mux.HandleFunc("/state", gw.stateHandler)
}

// stateHandler dumps the live route cache and passive-health counters.
func (gw *Gateway) stateHandler(w http.ResponseWriter, _ *http.Request) {
	state := struct {
		Time          time.Time                     `json:"time"`
		RouteCache    []resolver.CacheSnapshotEntry `json:"routeCache"`
		PassiveHealth []health.SnapshotEntry        `json:"passiveHealth"`
	}{
		Time:          time.Now(),
		RouteCache:    gw.resolver.CacheSnapshot(),
		PassiveHealth: gw.tracker.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(state)
}
