// Package relay is the command protocol state machine.
//
// An execute_command from a web connection becomes a session in the store and
// an agent_command broadcast to the agent room. Agent command_response chunks
// are appended to the session and forwarded, as command_result, only to the
// connection that created the session.
//
// # Multiple agents
//
// Commands fan out to every agent. The first agent to answer for a session owns
// it; frames for that session from other agents are dropped and those agents
// receive agent_stop.
//
// # Terminal results
//
// Every session produces exactly one terminal command_result: complete or error
// from the agent, cancelled from a stop, or error from the backstop timer that
// fires when no agent finishes within the command timeout plus a grace period.
// Sessions cancelled because their owner disconnected produce none.
package relay
