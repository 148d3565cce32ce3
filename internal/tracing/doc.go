// Package tracing sets up OpenTelemetry tracing for the service and carries
// W3C trace context across the job queue so analysis workers can continue a
// dispatch trace.
package tracing
