package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Yundera/mesh-router-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(backendURL string) *config.Config {
	return &config.Config{
		ServerDomain:        "example.com",
		BackendURL:          backendURL,
		CacheTTL:            time.Minute,
		RouteCacheMax:       100,
		BackendTimeout:      time.Second,
		BackendMaxRetries:   2,
		BackendRetryDelay:   5 * time.Millisecond,
		ProxyConnectTimeout: time.Second,
		FailoverMaxRetries:  3,
		FailureThreshold:    3,
		PassiveUnhealthyTTL: time.Minute,
		MaxBodyBytes:        1 << 20,
	}
}

// resolutionFor renders a v2 resolution pointing at the given servers.
func resolutionFor(t *testing.T, serverURLs []string, sources []string) string {
	t.Helper()
	routes := make([]map[string]any, len(serverURLs))
	for i, raw := range serverURLs {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		port, err := strconv.Atoi(u.Port())
		require.NoError(t, err)
		routes[i] = map[string]any{
			"ip": u.Hostname(), "port": port, "priority": i + 1,
			"scheme": "http", "source": sources[i],
		}
	}
	body, err := json.Marshal(map[string]any{"userId": "u1", "routes": routes})
	require.NoError(t, err)
	return string(body)
}

func TestGatewayHappyPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tenant app")
	}))
	defer backend.Close()

	var resolves atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/resolve/v2/alice", r.URL.Path)
		resolves.Add(1)
		fmt.Fprint(w, resolutionFor(t, []string{backend.URL}, []string{"agent"}))
	}))
	defer api.Close()

	gw, err := NewGateway(testConfig(api.URL), nil, "test-instance", zap.NewNop().Sugar())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		gw.ServeHTTP(w, httptest.NewRequest("GET", "http://alice.example.com/app", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "tenant app", w.Body.String())
	}
	assert.Equal(t, int32(1), resolves.Load(), "second request served from the route cache")
}

func TestGatewayForceTunnel(t *testing.T) {
	var agentHits atomic.Int32
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentHits.Add(1)
	}))
	defer agent.Close()
	tunnel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "via tunnel")
	}))
	defer tunnel.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, resolutionFor(t, []string{agent.URL, tunnel.URL}, []string{"agent", "tunnel"}))
	}))
	defer api.Close()

	gw, err := NewGateway(testConfig(api.URL), nil, "test-instance", zap.NewNop().Sugar())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "http://alice.example.com/", nil)
	r.Header.Set(HeaderForce, "tunnel")
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "via tunnel", w.Body.String())
	assert.Equal(t, int32(0), agentHits.Load(), "forced tunnel skips the agent route")
}

func TestGatewayUnknownTenantWithDefaultBackend(t *testing.T) {
	landing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "landing")
	}))
	defer landing.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer api.Close()

	cfg := testConfig(api.URL)
	cfg.DefaultBackend = landing.URL
	gw, err := NewGateway(cfg, nil, "test-instance", zap.NewNop().Sugar())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("GET", "http://ghost.example.com/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "landing", w.Body.String())
}

func TestGatewayUnknownTenantWithoutDefaultBackend(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer api.Close()

	gw, err := NewGateway(testConfig(api.URL), nil, "test-instance", zap.NewNop().Sugar())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("GET", "http://ghost.example.com/", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestGatewayInvalidSubdomain(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("resolution API must not be called for a foreign host")
	}))
	defer api.Close()

	gw, err := NewGateway(testConfig(api.URL), nil, "test-instance", zap.NewNop().Sugar())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("GET", "http://alice.other.org/", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_SUBDOMAIN", body["code"])
}

func TestGatewayNoUsableHost(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer api.Close()

	gw, err := NewGateway(testConfig(api.URL), nil, "test-instance", zap.NewNop().Sugar())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "http://placeholder/", nil)
	r.Host = ""
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGatewayResolutionBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead := srv.URL
	srv.Close()

	gw, err := NewGateway(testConfig(dead), nil, "test-instance", zap.NewNop().Sugar())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("GET", "http://alice.example.com/", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "BACKEND_UNAVAILABLE", body["code"])
}

func TestGatewayRouteHostOverride(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/resolve/v2/alice", r.URL.Path)
		fmt.Fprint(w, resolutionFor(t, []string{backend.URL}, []string{"agent"}))
	}))
	defer api.Close()

	gw, err := NewGateway(testConfig(api.URL), nil, "test-instance", zap.NewNop().Sugar())
	require.NoError(t, err)

	// The edge rewrote Host; the override header carries the real one.
	r := httptest.NewRequest("GET", "http://cdn-edge.example.net/", nil)
	r.Header.Set("X-Mesh-Route-Host", "alice.example.com")
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGatewayReloadSwapsDefaultBackend(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer api.Close()
	landing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "landing")
	}))
	defer landing.Close()

	cfg := testConfig(api.URL)
	gw, err := NewGateway(cfg, nil, "test-instance", zap.NewNop().Sugar())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("GET", "http://ghost.example.com/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	newCfg := *cfg
	newCfg.DefaultBackend = landing.URL
	require.NoError(t, gw.Reload(&newCfg))

	w = httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest("GET", "http://ghost.example.com/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "landing", w.Body.String())
}
