package proxy

import (
	"net"
	"net/http"
)

// Mesh routing headers.
const (
	HeaderForce   = "X-Mesh-Force"
	HeaderTrace   = "X-Mesh-Trace"
	HeaderRoute   = "X-Mesh-Route"
	headerReqID   = "X-Request-ID"
	headerRealIP  = "X-Real-IP"
	headerFwdFor  = "X-Forwarded-For"
	headerFwdPro  = "X-Forwarded-Proto"
	headerFwdHost = "X-Forwarded-Host"
)

// hopHeaders are connection-scoped and must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// setForwardHeaders applies the standard proxy header rewrite to an
// outbound request's headers.
func setForwardHeaders(h http.Header, r *http.Request, rc *RequestContext) {
	clientAddr := clientIP(r)
	h.Set(headerRealIP, clientAddr)
	if prior := h.Get(headerFwdFor); prior != "" {
		h.Set(headerFwdFor, prior+", "+clientAddr)
	} else {
		h.Set(headerFwdFor, clientAddr)
	}
	h.Set(headerFwdPro, clientScheme(r))
	h.Set(headerFwdHost, rc.OriginalHost)
	h.Set(headerReqID, rc.ReqID)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func clientScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
