// Package registry tracks authenticated websocket connections.
//
// A connection's role (web or agent) is fixed when it first registers. The
// gateway touches entries on every inbound frame and periodically asks for
// Stale ids to evict half-open transports.
package registry
