// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// Values may reference environment variables as ${VAR_NAME}; unset variables
// expand to the empty string. Durations use time.ParseDuration syntax.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:3001"
//	  allowed_origins: ["https://app.example.com"]   # empty or "*" allows all
//	  max_message_bytes: 1048576
//	  rate_limit: {per_second: 50, burst: 100}
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-relay"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
//	database:
//	  path: "/var/lib/coven/relay.db"   # empty disables the archive
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"  # at least 32 bytes; empty disables auth
//
//	sessions:
//	  max_age: "1h"
//	  max_sessions: 1000
//	  cleanup_interval: "5m"
//	  keep_completed: 100
//	  keep_error: 50
//	  command_timeout: "5m"
//	  backstop_grace: "30s"
//
//	connections:
//	  auth_timeout: "10s"
//	  heartbeat_interval: "30s"
//	  stale_threshold: "60s"
//
//	logging: {level: info, format: text}
//	metrics: {enabled: true, path: /metrics}
//	tracing: {enabled: false}
//
// Load applies these defaults to anything left unset and then validates the
// result.
package config
