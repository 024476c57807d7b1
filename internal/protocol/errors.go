// ABOUTME: Structured error envelope and the error code vocabulary
// ABOUTME: Codes are shared by the relay, the lifecycle manager and the agent adapter

package protocol

// Error codes. The set is open; receivers must tolerate unknown codes.
const (
	CodeInvalidClientType = "INVALID_CLIENT_TYPE"
	CodeAuth              = "AUTH_ERROR"
	CodeExecute           = "EXECUTE_ERROR"
	CodeTimeout           = "TIMEOUT_ERROR"
	CodeNotFound          = "NOT_FOUND_ERROR"
	CodePermission        = "PERMISSION_ERROR"
	CodeNetwork           = "NETWORK_ERROR"
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnknown           = "UNKNOWN_ERROR"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInvalidMessage    = "INVALID_MESSAGE"
)

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorMessage struct {
	Header
	Error     ErrorDetail `json:"error"`
	SessionID string      `json:"sessionId,omitempty"`
}

// NewError builds an error payload, tagged with sessionID when known.
func NewError(code, message, sessionID string) *ErrorMessage {
	return &ErrorMessage{
		Error:     ErrorDetail{Code: code, Message: message},
		SessionID: sessionID,
	}
}
