// Package agent is the agent side of the relay: it connects to the gateway as
// an agent client and runs the commands the gateway fans out.
//
// # Pieces
//
//   - Client keeps one authenticated websocket open, reconnecting with
//     jittered exponential backoff (1s doubling to 30s by default) and
//     sending a heartbeat every 30s. Every reconnect repeats the auth
//     handshake. Client.Send is the outbox for everything the agent emits.
//   - Runner handles agent_command, agent_stop, permission:response,
//     session:clear and session:status. It streams command_response chunks
//     and reports agent_status ready, busy or error.
//   - Executor is the contract for the tool doing the work. EchoExecutor
//     answers with "Echo: <prompt>"; ProcessExecutor runs a local command,
//     optionally on a pseudo-terminal.
//   - Tracker remembers sessions this agent has run so later commands can
//     resume the executor's own session and session:status can be answered.
//
// # Command lifecycle
//
// Every accepted command ends with exactly one command_response whose
// isComplete is true. It carries the result on success, or the text
// "Error (<CODE>): <message>" on failure, where CODE comes from Categorize.
// A per-command timeout (the command's timeoutMs, else the configured
// default) ends the run with TIMEOUT_ERROR. agent_stop ends it with
// "Command cancelled". Once the final chunk is sent the executor's context is
// cancelled and nothing more is read from it.
//
// # Permissions
//
// Tools listed in RunnerConfig.GatedTools go through a permission.Negotiator:
// the runner emits permission:request, waits for permission:response from a
// web client, and on timeout emits permission:timeout and denies.
//
// # Usage
//
//	client := agent.NewClient(agent.ClientConfig{URL: "ws://localhost:8080/ws"}, logger)
//	runner := agent.NewRunner(agent.RunnerConfig{}, &agent.EchoExecutor{}, client, logger)
//	defer runner.Close()
//	err := client.Run(ctx, runner)
package agent
