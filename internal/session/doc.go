// Package session owns the records of in-flight and recently finished sessions.
//
// A session starts running when a web client issues execute_command and leaves
// running exactly once, to complete, error or cancelled. At that moment the store
// stamps endTime and duration, pushes a Summary onto the bounded history list and
// notifies listeners. A background sweep (Start/Stop) evicts finished sessions by
// age and count; running sessions are never evicted.
//
// Callers never hold a session record: every accessor returns a copy and every
// mutation goes through the Store API. Mutations against unknown ids return false.
package session
