package proxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/Yundera/mesh-router-gateway/internal/resolver"
)

// upgradeProtocols are the Upgrade tokens routed to the streaming path.
var upgradeProtocols = map[string]bool{
	"websocket": true,
	"mqtt":      true,
	"wss":       true,
}

// IsUpgrade reports whether the request asks for a connection upgrade
// the gateway relays as a raw byte stream.
func IsUpgrade(r *http.Request) bool {
	return upgradeProtocols[strings.ToLower(r.Header.Get("Upgrade"))]
}

// ServeUpgrade relays an upgrade request to the first route in the
// sequence as a transparent bidirectional byte stream. Upgrades are
// never retried: once bytes have crossed, failover is meaningless.
func (e *Engine) ServeUpgrade(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	route := rc.Sequence[0]
	upgradesTotal.Inc()

	backendConn, err := e.dialRoute(rc, route)
	if err != nil {
		e.health.MarkFailed(route.Key())
		e.log.Warnw("upgrade dial failed", "req_id", rc.ReqID, "addr", route.Key(), "err", err)
		writeJSONError(w, http.StatusBadGateway, "Upstream connection failed", "ROUTE_TRANSPORT_FAILURE")
		return
	}
	defer backendConn.Close()
	e.health.MarkHealthy(route.Key())

	clientConn, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		e.log.Errorw("hijack failed", "req_id", rc.ReqID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "Upgrade not supported", "UPGRADE_UNSUPPORTED")
		return
	}
	defer clientConn.Close()

	// Replay the upgrade request verbatim: all headers preserved, plus
	// the standard forwarding set, so the handshake stays intact.
	header := make(http.Header, len(r.Header))
	copyHeader(header, r.Header)
	setForwardHeaders(header, r, rc)

	if _, err := fmt.Fprintf(backendConn, "%s %s HTTP/1.1\r\nHost: %s\r\n", r.Method, r.URL.RequestURI(), rc.ProxyHost); err != nil {
		e.log.Warnw("upgrade handshake write failed", "req_id", rc.ReqID, "err", err)
		return
	}
	if err := header.Write(backendConn); err != nil {
		return
	}
	if _, err := io.WriteString(backendConn, "\r\n"); err != nil {
		return
	}

	e.log.Infow("streaming upgrade", "req_id", rc.ReqID, "tenant", rc.Tenant,
		"addr", route.Key(), "protocol", r.Header.Get("Upgrade"))

	// clientBuf may hold bytes read past the request; relay from the
	// buffered reader, not the bare connection.
	done := make(chan struct{}, 2)
	go relay(backendConn, clientBuf.Reader, done)
	go relay(clientConn, backendConn, done)
	<-done
}

// dialRoute opens the raw connection an upgrade rides on. TLS routes
// verify against the trust bundle with SNI set to the original host.
func (e *Engine) dialRoute(rc *RequestContext, route resolver.Route) (net.Conn, error) {
	addr := route.HostPort()
	if route.Protocol() == "https" {
		return tls.DialWithDialer(
			&net.Dialer{Timeout: e.connectTimeout}, "tcp", addr,
			&tls.Config{RootCAs: e.rootCAs, ServerName: hostOnly(rc.OriginalHost)},
		)
	}
	return net.DialTimeout("tcp", addr, e.connectTimeout)
}

func relay(dst io.Writer, src io.Reader, done chan<- struct{}) {
	io.Copy(dst, src)
	done <- struct{}{}
}
