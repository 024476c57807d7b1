// Package permission gates tool use behind an explicit user decision.
//
// An executor calls Negotiator.Request before a gated tool runs. The negotiator
// emits permission:request through its Outbox and blocks until one of three
// things happens: a permission:response arrives (Respond), the per-request timer
// fires (deny, plus permission:timeout), or the caller's context is cancelled
// (ErrAborted). Whichever path removes the pending entry first resolves the
// request; the others find nothing to resolve.
package permission
