// Package observability builds the gateway's zap logger and holds its
// Prometheus collectors.
package observability
