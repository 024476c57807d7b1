// ABOUTME: Message type names and typed payloads exchanged between web clients, server and agents
// ABOUTME: Payload structs embed Header so encoded frames stay flat

package protocol

// Message types.
const (
	TypeAuth              = "auth"
	TypeAuthResult        = "auth_result"
	TypeConnectionStatus  = "connection_status"
	TypeExecuteCommand    = "execute_command"
	TypeStopCommand       = "stop_command"
	TypeJoinProject       = "join_project"
	TypeLeaveProject      = "leave_project"
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeAgentCommand      = "agent_command"
	TypeAgentStop         = "agent_stop"
	TypeCommandResponse   = "command_response"
	TypeCommandResult     = "command_result"
	TypeAgentStatus       = "agent_status"
	TypeFileChange        = "file_change"
	TypeError             = "error"

	TypePermissionRequest  = "permission:request"
	TypePermissionResponse = "permission:response"
	TypePermissionTimeout  = "permission:timeout"

	TypeSessionClear   = "session:clear"
	TypeSessionStatus  = "session:status"
	TypeSessionCleared = "session:cleared"
	TypeSessionError   = "session:error"
)

// ClientType is the role a connection declares when it authenticates.
type ClientType string

const (
	ClientWeb   ClientType = "web"
	ClientAgent ClientType = "agent"
)

// Valid reports whether t is a known role.
func (t ClientType) Valid() bool {
	return t == ClientWeb || t == ClientAgent
}

// ResultStatus is the status carried by command_result.
type ResultStatus string

const (
	ResultStreaming ResultStatus = "streaming"
	ResultComplete  ResultStatus = "complete"
	ResultError     ResultStatus = "error"
	ResultCancelled ResultStatus = "cancelled"
)

// Agent status values reported in agent_status.
const (
	AgentReady        = "ready"
	AgentBusy         = "busy"
	AgentErrored      = "error"
	AgentDisconnected = "disconnected"
)

// ServerHealthy is the only serverStatus the relay reports.
const ServerHealthy = "healthy"

type Auth struct {
	Header
	ClientType ClientType `json:"clientType"`
	ClientID   string     `json:"clientId,omitempty"`
	Version    string     `json:"version,omitempty"`
	Token      string     `json:"token,omitempty"`
}

type AuthResult struct {
	Header
	Success  bool   `json:"success"`
	ClientID string `json:"clientId,omitempty"`
	Message  string `json:"message,omitempty"`
}

type ConnectionStatus struct {
	Header
	AgentConnected bool   `json:"agentConnected"`
	ActiveAgents   int    `json:"activeAgents"`
	ServerStatus   string `json:"serverStatus"`
}

// LegacyOptions is the older per-command option block still sent by some clients.
type LegacyOptions struct {
	Cwd             string   `json:"cwd,omitempty"`
	AllowedTools    []string `json:"allowedTools,omitempty"`
	SystemPrompt    string   `json:"systemPrompt,omitempty"`
	MaxTurns        int      `json:"maxTurns,omitempty"`
	TimeoutMs       int64    `json:"timeoutMs,omitempty"`
	ContinueSession *bool    `json:"continueSession,omitempty"`
}

type ExecuteCommand struct {
	Header
	ProjectID        string         `json:"projectId"`
	Command          string         `json:"command"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`
	SessionID        string         `json:"sessionId"`
	ContinueSession  *bool          `json:"continueSession,omitempty"`
	Options          *LegacyOptions `json:"options,omitempty"`
	APIOptions       *ExecOptions   `json:"apiOptions,omitempty"`
}

type StopCommand struct {
	Header
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ProjectRef is the body of join_project and leave_project.
type ProjectRef struct {
	Header
	ProjectID string `json:"projectId"`
}

type HeartbeatResponse struct {
	Header
	ServerTime string `json:"serverTime"`
}

type AgentCommand struct {
	Header
	SessionID        string      `json:"sessionId"`
	Command          string      `json:"command"`
	ProjectID        string      `json:"projectId"`
	WorkingDirectory string      `json:"workingDirectory,omitempty"`
	Options          ExecOptions `json:"options"`
}

type AgentStop struct {
	Header
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// CommandResponse is one streamed chunk from an agent. The final chunk has IsComplete set.
type CommandResponse struct {
	Header
	SessionID       string `json:"sessionId"`
	Data            string `json:"data"`
	IsComplete      bool   `json:"isComplete"`
	Error           string `json:"error,omitempty"`
	ClaudeSessionID string `json:"claudeSessionId,omitempty"`
}

type CommandResult struct {
	Header
	SessionID       string       `json:"sessionId"`
	Response        string       `json:"response"`
	Status          ResultStatus `json:"status"`
	ClaudeSessionID string       `json:"claudeSessionId,omitempty"`
}

type AgentStatus struct {
	Header
	Status          string   `json:"status"`
	CurrentSessions []string `json:"currentSessions"`
	Message         string   `json:"message,omitempty"`
}

type FileChange struct {
	Header
	SessionID string `json:"sessionId"`
	FilePath  string `json:"filePath"`
	Operation string `json:"operation,omitempty"`
	Content   string `json:"content,omitempty"`
}

// PermissionRequest asks web clients to allow one tool use. Header.ID is the request id.
type PermissionRequest struct {
	Header
	SessionID   string         `json:"sessionId"`
	ToolName    string         `json:"toolName"`
	ToolInput   map[string]any `json:"toolInput"`
	Description string         `json:"description"`
	Reason      string         `json:"reason"`
	TimeoutMs   int64          `json:"timeoutMs"`
}

// Permission decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

type PermissionResponse struct {
	Header
	RequestID    string         `json:"requestId"`
	Decision     string         `json:"decision"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

type PermissionTimeout struct {
	Header
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionRef is the body of session:clear, session:cleared and the web-side session:status query.
type SessionRef struct {
	Header
	SessionID string `json:"sessionId"`
}

// SessionStatusReport is the agent's answer to session:status.
type SessionStatusReport struct {
	Header
	SessionID string         `json:"sessionId"`
	Exists    bool           `json:"exists"`
	Info      map[string]any `json:"info,omitempty"`
}

type SessionError struct {
	Header
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}
