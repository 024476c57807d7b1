// Package metrics defines the relay's Prometheus collectors.
package metrics
