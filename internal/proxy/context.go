package proxy

import (
	"github.com/Yundera/mesh-router-gateway/internal/resolver"
)

// RequestContext carries the per-request routing decision state.
type RequestContext struct {
	ReqID        string // 24-bit hex correlation id, logged on every decision
	OriginalHost string // Host as the client sent it
	ProxyHost    string // host used for tenant extraction; forwarded as Host
	Tenant       string
	Sequence     []resolver.Route // failover sequence from the selector
	Trace        bool             // client asked for X-Mesh-Route
}
