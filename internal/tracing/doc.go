// Package tracing wires OpenTelemetry for the relay and the agent.
package tracing
