// Package broadcast is a small generic pub/sub used to fan session lifecycle
// events out to asynchronous consumers such as the archive writer and the
// /api/events stream.
package broadcast
