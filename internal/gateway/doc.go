// Package gateway wires the relay server together and serves it over HTTP.
//
// # Overview
//
// Gateway owns every long-lived component: the connection registry, the
// session store, the relay engine, the websocket hub, the duplicate window,
// the event broadcaster and the optional sqlite archive. New builds them
// from a config.Config; Run serves until its context is cancelled and then
// calls Shutdown.
//
// # Websocket
//
// Clients connect to /ws and must send an auth frame within
// auth_timeout. The frame names the client type (web or agent) and, when a
// JWT secret is configured, carries a token whose role must match. Failed
// authentication closes with 4003, a missed deadline with 4001, and stale
// connections are closed with 4008 by the heartbeat sweep.
//
// Each message type has a route that says which client types may send it:
//
//	web:   execute_command, stop_command, permission:response, session:clear
//	agent: command_response, file_change, agent_status, permission:request,
//	       permission:timeout, session:cleared, session:error
//	both:  heartbeat, join_project, leave_project, session:status
//
// # HTTP API
//
//   - GET /health - liveness
//   - GET /health/ready - 503 until an agent is connected
//   - GET /metrics - prometheus, when metrics are enabled
//   - GET /api/stats, /api/connections, /api/history
//   - GET /api/sessions, /api/sessions/{id}, /api/sessions/{id}/metrics
//   - DELETE /api/sessions/{id} - cancel a running session
//   - GET /api/archive, /api/archive/{id} - archived summaries
//   - GET /api/events - session lifecycle events as server-sent events
//
// The /api routes require a bearer token with the web or admin role when a
// JWT secret is configured.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is done and shutdown completes
package gateway
