package hostparser

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptedShapes(t *testing.T) {
	// Dotted, dashed, and bare conventions all yield the rightmost word.
	cases := []string{
		"alice.example.com",
		"app.alice.example.com",
		"deep.app.alice.example.com",
		"app-alice.example.com",
		"foo-bar-alice.example.com",
		"app.foo-alice.example.com",
	}
	for _, host := range cases {
		tenant, err := Parse(host, "example.com")
		require.NoError(t, err, "host %q", host)
		assert.Equal(t, "alice", tenant, "host %q", host)
	}
}

func TestParseStripsPort(t *testing.T) {
	tenant, err := Parse("alice.example.com:8443", "example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", tenant)
}

func TestParseRejectsForeignAndBareDomains(t *testing.T) {
	cases := []string{
		"",
		"example.com",            // bare server domain, no tenant
		"alice.other.com",        // wrong suffix
		"aliceexample.com",       // suffix without the dot boundary
		"notexample.com",         // proper-suffix check must not pass this
		"alice.example.com.evil", // suffix in the middle
	}
	for _, host := range cases {
		_, err := Parse(host, "example.com")
		assert.ErrorIs(t, err, ErrInvalidSubdomain, "host %q", host)
	}
}

func TestParseRejectsEmptyTenantSegment(t *testing.T) {
	_, err := Parse("app-.example.com", "example.com")
	assert.ErrorIs(t, err, ErrInvalidSubdomain)
}

func TestProxyHostPrefersOverrideHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "http://cdn-edge.example.net/", nil)
	r.Header.Set(HeaderRouteHost, "alice.example.com")
	assert.Equal(t, "alice.example.com", ProxyHost(r))

	r.Header.Del(HeaderRouteHost)
	assert.Equal(t, "cdn-edge.example.net", ProxyHost(r))
}
