// Package selector turns a resolved route list into the failover
// sequence the proxy engine will attempt: forced-routing overrides
// first, then passively-healthy routes ahead of unhealthy ones, each
// pool in priority order.
package selector

import (
	"sort"

	"github.com/Yundera/mesh-router-gateway/internal/health"
	"github.com/Yundera/mesh-router-gateway/internal/resolver"
	"go.uber.org/zap"
)

// Force modes recognized on X-Mesh-Force. "direct" is an alias for the
// agent source tag; any other value selects routes tagged with it.
const (
	ForceDirect = "direct"
	ForceTunnel = "tunnel"
)

// Selector orders candidate routes for one request.
type Selector struct {
	health *health.Tracker
	log    *zap.SugaredLogger
}

func New(tracker *health.Tracker, log *zap.SugaredLogger) *Selector {
	return &Selector{health: tracker, log: log}
}

// Select emits the failover sequence for routes under the given force
// mode. A force mode picks the first route with the matching source as
// a singleton; when no route matches, it logs and falls through to the
// normal ordering. Unhealthy routes are kept as last-resort fallbacks,
// never dropped.
func (s *Selector) Select(routes []resolver.Route, forceMode string) []resolver.Route {
	if len(routes) == 0 {
		return nil
	}

	if tag := forcedSource(forceMode); tag != "" {
		for _, r := range routes {
			if r.Source == tag {
				return []resolver.Route{r}
			}
		}
		s.log.Warnw("forced source has no matching route, falling back",
			"force", forceMode, "source", tag, "routes", len(routes))
	}

	var healthy, unhealthy []resolver.Route
	for _, r := range routes {
		if s.health.IsUnhealthy(r.Key()) {
			unhealthy = append(unhealthy, r)
		} else {
			healthy = append(healthy, r)
		}
	}
	byPriority(healthy)
	byPriority(unhealthy)
	return append(healthy, unhealthy...)
}

func forcedSource(forceMode string) string {
	switch forceMode {
	case "":
		return ""
	case ForceDirect:
		return resolver.SourceAgent
	default:
		return forceMode
	}
}

// byPriority sorts ascending by priority; ties keep input order.
func byPriority(routes []resolver.Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Priority < routes[j].Priority
	})
}
