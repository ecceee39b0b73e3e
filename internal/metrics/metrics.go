// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Schema sources.
const (
	SourceMemo     = "memo"
	SourceCache    = "cache"
	SourceRegistry = "registry"
	SourceMissing  = "missing"
)

var (
	SchemaResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idl_gateway_schema_resolutions_total",
		Help: "Schema lookups by the layer that answered them",
	}, []string{"source"})

	CacheWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idl_gateway_cache_write_errors_total",
		Help: "Schema cache writes that failed",
	})

	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idl_gateway_decode_failures_total",
		Help: "Records left unparsed, by kind and reason",
	}, []string{"kind", "reason"})

	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idl_gateway_rpc_requests_total",
		Help: "JSON-RPC requests by method and whether the gateway handled them",
	}, []string{"method", "handled"})

	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idl_gateway_rpc_duration_seconds",
		Help:    "Time taken to answer handled JSON-RPC requests",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"method"})

	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idl_gateway_relay_connections",
		Help: "Open client websocket connections",
	})

	RelaySubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idl_gateway_relay_subscriptions",
		Help: "Bound account subscriptions across all connections",
	})
)
