package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "route_attempts_total",
		Help:      "Proxy attempts against resolved routes, by outcome.",
	}, []string{"source", "outcome"})

	failoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "failovers_total",
		Help:      "Requests that needed more than one route attempt.",
	})

	routesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "routes_exhausted_total",
		Help:      "Requests that failed every route in their sequence.",
	})

	upgradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "websocket_upgrades_total",
		Help:      "Connections handed to the streaming upgrade path.",
	})

	defaultBackendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "default_backend_requests_total",
		Help:      "Requests proxied to the configured default backend.",
	}, []string{"outcome"})
)
