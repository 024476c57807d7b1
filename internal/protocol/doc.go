// Package protocol defines the JSON envelopes exchanged between web clients,
// the relay server and execution agents.
//
// Every frame is a flat JSON object with string id, timestamp and type fields.
// Typed payloads embed Header so they encode flat:
//
//	data, err := protocol.CreateMessage(protocol.TypeCommandResult, &protocol.CommandResult{
//		SessionID: "s1",
//		Response:  "done",
//		Status:    protocol.ResultComplete,
//	})
//
// Inbound frames go through Decode, which validates the header and keeps the
// raw bytes so handlers can decode the typed body with Envelope.Into.
//
// # Rooms
//
// Multicast groups are named by convention: "agents", "web-clients" and
// "project:<id>". See ProjectRoom and ExtractProjectID.
package protocol
