// Package hostparser extracts the tenant key from an incoming Host
// header. Deployments use both dotted (app.alice.example.com) and
// dashed (filebrowser-alice.example.com) naming; in either convention
// the tenant is the rightmost word of the subdomain.
package hostparser

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

// HeaderRouteHost overrides Host for tenant extraction (CDN-fallback
// mode, where the edge rewrites Host but preserves the original here).
const HeaderRouteHost = "X-Mesh-Route-Host"

// ErrInvalidSubdomain means the host is not a proper subdomain of the
// configured server domain, or the tenant segment came out empty.
var ErrInvalidSubdomain = errors.New("host is not a valid tenant subdomain")

// ProxyHost returns the host value used for tenant extraction: the
// override header when present, else the request Host.
func ProxyHost(r *http.Request) string {
	if h := r.Header.Get(HeaderRouteHost); h != "" {
		return h
	}
	return r.Host
}

// Parse extracts the tenant key from host given the configured server
// domain. The host must end with "." + serverDomain; the bare server
// domain itself carries no tenant and is rejected.
func Parse(host, serverDomain string) (string, error) {
	host = stripPort(host)
	if host == "" || serverDomain == "" {
		return "", ErrInvalidSubdomain
	}

	suffix := "." + serverDomain
	if !strings.HasSuffix(host, suffix) {
		return "", ErrInvalidSubdomain
	}
	prefix := strings.TrimSuffix(host, suffix)
	if prefix == "" {
		return "", ErrInvalidSubdomain
	}

	// Rightmost dot-separated segment, then rightmost dash-separated
	// word within it: app.alice and filebrowser-alice both yield alice.
	segments := strings.Split(prefix, ".")
	last := segments[len(segments)-1]
	if i := strings.LastIndex(last, "-"); i >= 0 {
		last = last[i+1:]
	}
	if last == "" {
		return "", ErrInvalidSubdomain
	}
	return last, nil
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
