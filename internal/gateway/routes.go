// ABOUTME: Per-type dispatch for authenticated frames
// ABOUTME: Relay traffic goes to the relay core; permission and session events are forwarded between roles

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

type handlerFunc func(ctx context.Context, c *Conn, clientType protocol.ClientType, env *protocol.Envelope)

// route is a handler plus the client types allowed to send the message.
type route struct {
	web    bool
	agent  bool
	handle handlerFunc
}

func (r route) accepts(t protocol.ClientType) bool {
	switch t {
	case protocol.ClientWeb:
		return r.web
	case protocol.ClientAgent:
		return r.agent
	}
	return false
}

func webOnly(h handlerFunc) route   { return route{web: true, handle: h} }
func agentOnly(h handlerFunc) route { return route{agent: true, handle: h} }
func anyClient(h handlerFunc) route { return route{web: true, agent: true, handle: h} }

func (g *Gateway) buildRoutes() map[string]route {
	return map[string]route{
		protocol.TypeHeartbeat:    anyClient(g.onHeartbeat),
		protocol.TypeJoinProject:  anyClient(g.onJoinProject),
		protocol.TypeLeaveProject: anyClient(g.onLeaveProject),

		protocol.TypeExecuteCommand:     webOnly(g.onExecute),
		protocol.TypeStopCommand:        webOnly(g.onStop),
		protocol.TypePermissionResponse: webOnly(g.onPermissionResponse),
		protocol.TypeSessionClear:       webOnly(g.forwardSessionRef),

		protocol.TypeCommandResponse:   agentOnly(g.onCommandResponse),
		protocol.TypeFileChange:        agentOnly(g.onFileChange),
		protocol.TypeAgentStatus:       agentOnly(g.onAgentStatus),
		protocol.TypePermissionRequest: agentOnly(g.onPermissionRequest),
		protocol.TypePermissionTimeout: agentOnly(g.onPermissionTimeout),
		protocol.TypeSessionCleared:    agentOnly(g.forwardToWeb),
		protocol.TypeSessionError:      agentOnly(g.forwardToWeb),

		protocol.TypeSessionStatus: anyClient(g.onSessionStatus),
	}
}

// inbound message types counted by name; anything else is "unknown".
var knownTypes = map[string]struct{}{
	protocol.TypeAuth:               {},
	protocol.TypeHeartbeat:          {},
	protocol.TypeJoinProject:        {},
	protocol.TypeLeaveProject:       {},
	protocol.TypeExecuteCommand:     {},
	protocol.TypeStopCommand:        {},
	protocol.TypePermissionResponse: {},
	protocol.TypeSessionClear:       {},
	protocol.TypeSessionStatus:      {},
	protocol.TypeCommandResponse:    {},
	protocol.TypeFileChange:         {},
	protocol.TypeAgentStatus:        {},
	protocol.TypePermissionRequest:  {},
	protocol.TypePermissionTimeout:  {},
	protocol.TypeSessionCleared:     {},
	protocol.TypeSessionError:       {},
}

func metricType(t string) string {
	if _, ok := knownTypes[t]; ok {
		return t
	}
	return "unknown"
}

// decode fills v from env, answering INVALID_MESSAGE on failure.
func (g *Gateway) decode(c *Conn, env *protocol.Envelope, v any) bool {
	if err := env.Into(v); err != nil {
		g.sendError(c.id, protocol.CodeInvalidMessage, err.Error(), "")
		return false
	}
	return true
}

func (g *Gateway) validationError(c *Conn, sessionID, format string, args ...any) {
	g.sendError(c.id, protocol.CodeValidation, fmt.Sprintf(format, args...), sessionID)
}

func (g *Gateway) onHeartbeat(_ context.Context, c *Conn, _ protocol.ClientType, _ *protocol.Envelope) {
	g.hub.SendTo(c.id, protocol.TypeHeartbeatResponse, &protocol.HeartbeatResponse{
		ServerTime: protocol.FormatTime(time.Now()),
	})
}

func (g *Gateway) onJoinProject(_ context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var ref protocol.ProjectRef
	if !g.decode(c, env, &ref) {
		return
	}
	if ref.ProjectID == "" {
		g.validationError(c, "", "projectId is required")
		return
	}
	room := protocol.ProjectRoom(ref.ProjectID)
	g.hub.Join(c.id, room)
	g.logger.Debug("joined project", "conn_id", c.id, "room", room)
}

func (g *Gateway) onLeaveProject(_ context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var ref protocol.ProjectRef
	if !g.decode(c, env, &ref) {
		return
	}
	if ref.ProjectID == "" {
		g.validationError(c, "", "projectId is required")
		return
	}
	room := protocol.ProjectRoom(ref.ProjectID)
	g.hub.Leave(c.id, room)
	g.logger.Debug("left project", "conn_id", c.id, "room", room)
}

func (g *Gateway) onExecute(ctx context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var cmd protocol.ExecuteCommand
	if !g.decode(c, env, &cmd) {
		return
	}
	// failures are already reported to the sender
	_ = g.relay.HandleExecute(ctx, c.id, &cmd)
}

func (g *Gateway) onStop(ctx context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var stop protocol.StopCommand
	if !g.decode(c, env, &stop) {
		return
	}
	if stop.SessionID == "" {
		g.validationError(c, "", "sessionId is required")
		return
	}
	_ = g.relay.HandleStop(ctx, c.id, &stop)
}

func (g *Gateway) onCommandResponse(ctx context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var resp protocol.CommandResponse
	if !g.decode(c, env, &resp) {
		return
	}
	g.relay.HandleCommandResponse(ctx, c.id, &resp)
}

func (g *Gateway) onFileChange(ctx context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var fc protocol.FileChange
	if !g.decode(c, env, &fc) {
		return
	}
	g.relay.HandleFileChange(ctx, c.id, &fc)
}

func (g *Gateway) onAgentStatus(_ context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var st protocol.AgentStatus
	if !g.decode(c, env, &st) {
		return
	}
	g.registry.SetAgentStatus(c.id, &st)
	g.logger.Debug("agent status",
		"conn_id", c.id,
		"status", st.Status,
		"sessions", len(st.CurrentSessions),
		"message", st.Message,
	)
}

func (g *Gateway) onPermissionRequest(_ context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var req protocol.PermissionRequest
	if !g.decode(c, env, &req) {
		return
	}
	if req.SessionID == "" || req.ToolName == "" {
		g.validationError(c, req.SessionID, "permission:request needs sessionId and toolName")
		return
	}
	g.metrics.PermissionEvents.WithLabelValues("request").Inc()
	g.logger.Info("permission requested",
		"request_id", req.ID,
		"session_id", req.SessionID,
		"tool", req.ToolName,
	)
	g.hub.Broadcast(protocol.WebRoom, env.Type, env.Raw, "")
}

func (g *Gateway) onPermissionTimeout(_ context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var to protocol.PermissionTimeout
	if !g.decode(c, env, &to) {
		return
	}
	if to.RequestID == "" {
		g.validationError(c, "", "requestId is required")
		return
	}
	g.metrics.PermissionEvents.WithLabelValues("timeout").Inc()
	g.hub.Broadcast(protocol.WebRoom, env.Type, env.Raw, "")
}

func (g *Gateway) onPermissionResponse(_ context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var resp protocol.PermissionResponse
	if !g.decode(c, env, &resp) {
		return
	}
	if resp.RequestID == "" {
		g.validationError(c, "", "requestId is required")
		return
	}
	if resp.Decision != protocol.DecisionAllow && resp.Decision != protocol.DecisionDeny {
		g.validationError(c, "", "decision must be %q or %q", protocol.DecisionAllow, protocol.DecisionDeny)
		return
	}
	g.metrics.PermissionEvents.WithLabelValues(resp.Decision).Inc()
	g.logger.Info("permission decided",
		"request_id", resp.RequestID,
		"decision", resp.Decision,
		"conn_id", c.id,
	)
	g.hub.Broadcast(protocol.AgentRoom, env.Type, env.Raw, "")
}

// forwardSessionRef relays a web session query to the agents.
func (g *Gateway) forwardSessionRef(_ context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var ref protocol.SessionRef
	if !g.decode(c, env, &ref) {
		return
	}
	if ref.SessionID == "" {
		g.validationError(c, "", "sessionId is required")
		return
	}
	g.hub.Broadcast(protocol.AgentRoom, env.Type, env.Raw, "")
}

// forwardToWeb relays an agent session event to the web clients.
func (g *Gateway) forwardToWeb(_ context.Context, c *Conn, _ protocol.ClientType, env *protocol.Envelope) {
	var ref protocol.SessionRef
	if !g.decode(c, env, &ref) {
		return
	}
	if ref.SessionID == "" {
		g.validationError(c, "", "sessionId is required")
		return
	}
	g.hub.Broadcast(protocol.WebRoom, env.Type, env.Raw, "")
}

// onSessionStatus is a query from web clients and a report from agents.
func (g *Gateway) onSessionStatus(ctx context.Context, c *Conn, t protocol.ClientType, env *protocol.Envelope) {
	if t == protocol.ClientWeb {
		g.forwardSessionRef(ctx, c, t, env)
		return
	}
	g.forwardToWeb(ctx, c, t, env)
}
