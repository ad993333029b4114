// Package resolver maps tenant keys to ordered backend route lists.
// Lookups go to an in-process LRU cache first and fall back to the
// external resolution API, trying the v2 endpoint and then the legacy
// v1 endpoint, each with bounded retries.
package resolver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "route_cache_hits_total",
		Help:      "Route cache lookups served without contacting the resolution API.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "route_cache_misses_total",
		Help:      "Route cache lookups that required a resolution API call.",
	})
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "resolutions_total",
		Help:      "Resolution API calls by endpoint version and outcome.",
	}, []string{"version", "outcome"})
)

// errStatus marks a non-200 answer from the resolution API. The backend
// spoke, so the tenant is unknown rather than the backend unavailable.
type errStatus struct {
	version string
	status  int
}

func (e *errStatus) Error() string {
	return fmt.Sprintf("resolution %s returned status %d", e.version, e.status)
}

// Options configures a Resolver.
type Options struct {
	BackendURL string
	CacheTTL   time.Duration
	CacheMax   int
	Timeout    time.Duration // per-attempt budget
	MaxRetries int
	RetryDelay time.Duration
	RootCAs    *x509.CertPool // nil means system pool
}

// Resolver resolves tenants against the resolution API with an LRU
// route cache in front. Safe for concurrent use; simultaneous misses
// for the same tenant may each query the backend, which is fine since
// resolution is idempotent.
type Resolver struct {
	backendURL string
	cache      *routeCache
	cacheTTL   atomic.Int64 // nanoseconds; hot-reloadable
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	log        *zap.SugaredLogger
}

// New builds a Resolver. The HTTP client verifies the resolution API
// certificate against opts.RootCAs.
func New(opts Options, log *zap.SugaredLogger) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 150 * time.Millisecond
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	r := &Resolver{
		backendURL: strings.TrimRight(opts.BackendURL, "/"),
		cache:      newRouteCache(opts.CacheMax),
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{RootCAs: opts.RootCAs},
				MaxIdleConnsPerHost: 10,
			},
		},
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		log:        log,
	}
	r.cacheTTL.Store(int64(opts.CacheTTL))
	return r
}

// SetCacheTTL adjusts the default cache TTL; applied to entries
// inserted after the call.
func (r *Resolver) SetCacheTTL(d time.Duration) {
	if d > 0 {
		r.cacheTTL.Store(int64(d))
	}
}

// CacheSnapshot exposes live cache entries for the admin state endpoint.
func (r *Resolver) CacheSnapshot() []CacheSnapshotEntry { return r.cache.Snapshot() }

// Resolve returns the ordered route list for tenant. Errors are
// *ResolveError values carrying the failure taxonomy.
func (r *Resolver) Resolve(ctx context.Context, tenant string) (*Resolution, error) {
	if routes, ok := r.cache.Get(tenant); ok && len(routes) > 0 {
		cacheHits.Inc()
		return &Resolution{Routes: routes}, nil
	}
	cacheMisses.Inc()

	res, err := r.fetch(ctx, "v2", r.backendURL+"/resolve/v2/"+tenant)
	if err != nil {
		if IsCode(err, CodeInvalidResponse) {
			return nil, err
		}
		// Any other v2 failure consults the legacy endpoint before a
		// verdict: NOT_FOUND needs a non-200 from at least one version,
		// BACKEND_UNAVAILABLE needs transport failure from both.
		var sawStatus bool
		var es *errStatus
		if errors.As(err, &es) {
			sawStatus = true
		}
		v1res, v1err := r.fetch(ctx, "v1", r.backendURL+"/resolve/"+tenant)
		if v1err != nil {
			if IsCode(v1err, CodeInvalidResponse) {
				return nil, v1err
			}
			if errors.As(v1err, &es) {
				sawStatus = true
			}
			if sawStatus {
				return nil, &ResolveError{Code: CodeNotFound, Err: v1err}
			}
			return nil, &ResolveError{Code: CodeBackendUnavailable, Err: v1err}
		}
		r.log.Infow("resolved via legacy endpoint", "tenant", tenant)
		res = v1res
	}

	if len(res.Routes) == 0 {
		return nil, &ResolveError{Code: CodeNoRoutes}
	}
	for i := range res.Routes {
		res.Routes[i] = res.Routes[i].normalize()
	}

	ttl := time.Duration(r.cacheTTL.Load())
	if res.RoutesTTL > 0 {
		ttl = time.Duration(res.RoutesTTL) * time.Second
	}
	r.cache.Set(tenant, res.Routes, ttl)
	return res, nil
}

// fetch performs one endpoint's retry loop. Transport errors are
// retried up to maxRetries with retryDelay between attempts; a non-200
// status or an undecodable body ends the loop immediately.
func (r *Resolver) fetch(ctx context.Context, version, url string) (*Resolution, error) {
	attempt := func() (*Resolution, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err // transport failure; retriable
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, backoff.Permanent(&errStatus{version: version, status: resp.StatusCode})
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		res, err := decode(version, body)
		if err != nil {
			return nil, backoff.Permanent(&ResolveError{Code: CodeInvalidResponse, Err: err})
		}
		return res, nil
	}

	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.retryDelay)),
		backoff.WithMaxTries(uint(r.maxRetries)),
	)
	if err != nil {
		resolutionsTotal.WithLabelValues(version, outcomeOf(err)).Inc()
		r.log.Warnw("resolution attempt failed", "version", version, "url", url, "err", err)
		return nil, err
	}
	resolutionsTotal.WithLabelValues(version, "ok").Inc()
	return res, nil
}

func decode(version string, body []byte) (*Resolution, error) {
	if version == "v1" {
		var v1 v1Resolution
		if err := json.Unmarshal(body, &v1); err != nil {
			return nil, err
		}
		return v1.upgrade(), nil
	}
	var res Resolution
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func outcomeOf(err error) string {
	var es *errStatus
	switch {
	case errors.As(err, &es):
		return "status"
	case IsCode(err, CodeInvalidResponse):
		return "invalid"
	default:
		return "transport"
	}
}
