// Package metrics defines the Prometheus metrics exported by the call stream
// service. All collectors are created against an injected registerer.
package metrics
